package frame

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Naive converts t to a timezone-naive wall clock. Storage is always naive:
// a naive time is a time.Time in the UTC location whose fields are the wall
// clock of loc. Times already in UTC are treated as naive and returned as is.
func Naive(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() || t.Location() == time.UTC {
		return t
	}
	if loc == nil {
		loc = time.Local
	}
	w := t.In(loc)
	return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), time.UTC)
}

// Compare orders two non-null values. Integers and floats compare
// numerically with each other; values of different kinds order by kind.
func Compare(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y)
		case float64:
			return cmp.Compare(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y)
		case int64:
			return cmp.Compare(x, float64(y))
		}
	}
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Equal reports whether two values are both null or compare equal.
func Equal(a, b any) bool {
	an, bn := IsNull(a), IsNull(b)
	if an || bn {
		return an && bn
	}
	return Compare(a, b) == 0
}

// normalize maps the Go numeric zoo onto int64/float64 so that every value
// held by a Frame is one of nil, time.Time, string, int64, float64.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		if math.IsNaN(x) {
			return nil
		}
	case time.Time:
		if x.IsZero() {
			return nil
		}
	}
	return v
}

// appendKey writes a canonical encoding of v used for duplicate detection.
// Integral floats encode like integers so 3 and 3.0 collide.
func appendKey(b []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(b, 'n')
	case time.Time:
		b = append(b, 't')
		return strconv.AppendInt(b, x.UnixNano(), 10)
	case string:
		b = append(b, 's')
		return append(b, x...)
	case int64:
		b = append(b, 'i')
		return strconv.AppendInt(b, x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<62 {
			b = append(b, 'i')
			return strconv.AppendInt(b, int64(x), 10)
		}
		b = append(b, 'f')
		return strconv.AppendFloat(b, x, 'g', -1, 64)
	}
	b = append(b, 'x')
	return fmt.Append(b, v)
}

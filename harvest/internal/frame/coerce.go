package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// nullStrings are the textual placeholders upstream tables use for a
// missing value.
var nullStrings = map[string]struct{}{
	"": {}, "-": {}, "--": {}, "None": {}, "NaN": {}, "nan": {}, "null": {}, "N/A": {},
}

// timeLayouts are tried in order when parsing a string as a time.
var timeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"20060102",
	time.RFC3339,
	time.RFC3339Nano,
}

// CoerceReport counts the cells per column that could not be converted and
// were nulled.
type CoerceReport map[string]int

// Total returns the number of nulled cells.
func (r CoerceReport) Total() int {
	n := 0
	for _, v := range r {
		n += v
	}
	return n
}

// Coerce converts every column to its declared kind. Columns missing from
// kinds keep their current kind or, when unknown, get an inferred one.
// Times are made naive in loc. Cells that cannot be converted become null
// and are counted in the report.
func (f *Frame) Coerce(kinds map[string]Kind, loc *time.Location) (*Frame, CoerceReport) {
	if loc == nil {
		loc = time.UTC
	}
	out := f.like()
	report := CoerceReport{}
	for c := range out.cols {
		if k, ok := kinds[out.cols[c].Name]; ok && k != KindUnknown {
			out.cols[c].Kind = k
		} else if out.cols[c].Kind == KindUnknown {
			out.cols[c].Kind = f.infer(c)
		}
	}
	out.rows = make([][]any, f.Len())
	for r, row := range f.rows {
		nr := make([]any, len(row))
		for c, v := range row {
			cv, ok := convert(v, out.cols[c].Kind, loc)
			if !ok {
				report[out.cols[c].Name]++
			}
			nr[c] = cv
		}
		out.rows[r] = nr
	}
	return out, report
}

// infer picks a kind for column c from its values: a single observed kind
// wins, int mixed with float is float, anything else is string.
func (f *Frame) infer(c int) Kind {
	seen := KindUnknown
	for _, row := range f.rows {
		k := KindOf(row[c])
		if s, ok := row[c].(string); ok {
			if _, null := nullStrings[strings.TrimSpace(s)]; null {
				continue
			}
		}
		if k == KindUnknown {
			continue
		}
		switch {
		case seen == KindUnknown, seen == k:
			seen = k
		case (seen == KindInt && k == KindFloat) || (seen == KindFloat && k == KindInt):
			seen = KindFloat
		default:
			return KindString
		}
	}
	if seen == KindUnknown {
		return KindString
	}
	return seen
}

// Convert converts a single value to kind. It is exported for predicate
// values, which must match the stored representation of their column.
func Convert(v any, kind Kind, loc *time.Location) (any, bool) {
	if loc == nil {
		loc = time.UTC
	}
	return convert(normalize(v), kind, loc)
}

// convert returns the converted value and false when a non-null input had
// to be nulled.
func convert(v any, kind Kind, loc *time.Location) (any, bool) {
	if IsNull(v) {
		return nil, true
	}
	if s, ok := v.(string); ok {
		if _, null := nullStrings[strings.TrimSpace(s)]; null {
			return nil, true
		}
	}
	switch kind {
	case KindString:
		return toString(v), true
	case KindInt:
		d, ok := toDecimal(v)
		if !ok || !d.IsInteger() {
			return nil, false
		}
		return d.IntPart(), true
	case KindFloat:
		d, ok := toDecimal(v)
		if !ok {
			return nil, false
		}
		return d.InexactFloat64(), true
	case KindTime:
		t, ok := toTime(v, loc)
		if !ok {
			return nil, false
		}
		return t, true
	}
	return v, true
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case float64:
		return decimal.NewFromFloat(x).String()
	}
	return fmt.Sprint(v)
}

// toDecimal parses numbers the way upstream tables print them: thousands
// separators and a trailing percent sign are tolerated.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		if math.IsInf(x, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case bool:
		if x {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(x)
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSuffix(s, "%")
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func toTime(v any, loc *time.Location) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return Naive(x, loc), true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			t, err := time.ParseInLocation(layout, s, loc)
			if err == nil {
				return Naive(t, loc), true
			}
		}
		return time.Time{}, false
	case int64:
		return fromEpoch(x, loc), true
	case float64:
		return fromEpoch(int64(x), loc), true
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(n, loc), true
	}
	return time.Time{}, false
}

// fromEpoch reads integers above 1e11 as milliseconds, below as seconds.
func fromEpoch(n int64, loc *time.Location) time.Time {
	var t time.Time
	if n > 1e11 || n < -1e11 {
		t = time.UnixMilli(n)
	} else {
		t = time.Unix(n, 0)
	}
	return Naive(t.In(loc), loc)
}

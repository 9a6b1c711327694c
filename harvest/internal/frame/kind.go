package frame

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the semantic type of a column. It is stable for a dataset across
// refresh cycles.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTime
	KindString
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	}
	return "unknown"
}

// ParseKind accepts the kind names used in registry files. The short forms
// (d, s, i, f) mirror the d_cols/s_cols/i_cols/f_cols grouping of field maps.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "time", "date", "datetime", "timestamp", "d":
		return KindTime, nil
	case "string", "str", "text", "varchar", "s":
		return KindString, nil
	case "int", "integer", "bigint", "i":
		return KindInt, nil
	case "float", "real", "decimal", "double", "f":
		return KindFloat, nil
	}
	return KindUnknown, fmt.Errorf("frame: unknown column kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler (used by YAML and JSON).
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// KindOf reports the kind of a stored value. Nil and unsupported types
// report KindUnknown.
func KindOf(v any) Kind {
	switch v.(type) {
	case time.Time:
		return KindTime
	case string:
		return KindString
	case int64, int, int32:
		return KindInt
	case float64, float32:
		return KindFloat
	}
	return KindUnknown
}

// IsNull reports whether v stands for a missing value: nil, NaN, or the
// zero time.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	case time.Time:
		return x.IsZero()
	}
	return false
}

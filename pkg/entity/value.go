package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// ValueType is the declared type of an attribute
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInt      ValueType = "int"
	TypeDecimal  ValueType = "decimal"
	TypeBool     ValueType = "bool"
	TypeDateTime ValueType = "datetime"
	TypeStrings  ValueType = "strings"
)

// ParseValueType parses a declared attribute type; empty means string
func ParseValueType(s string) (ValueType, error) {
	switch t := ValueType(strings.ToLower(s)); t {
	case "":
		return TypeString, nil
	case TypeString, TypeInt, TypeDecimal, TypeBool, TypeDateTime, TypeStrings:
		return t, nil
	}
	return "", fmt.Errorf("unknown attribute type %q", s)
}

// Coerce converts v into the canonical Go representation of t:
// string, int64, decimal.Decimal, bool, time.Time or []string.
func Coerce(t ValueType, v interface{}) (interface{}, error) {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		case decimal.Decimal:
			if n.IsInteger() {
				return n.IntPart(), nil
			}
		case string:
			d, err := decimal.NewFromString(n)
			if err == nil && d.IsInteger() {
				return d.IntPart(), nil
			}
		}
	case TypeDecimal:
		switch n := v.(type) {
		case decimal.Decimal:
			return n, nil
		case string:
			if d, err := decimal.NewFromString(n); err == nil {
				return d, nil
			}
		case float64:
			return decimal.NewFromFloat(n), nil
		case int:
			return decimal.NewFromInt(int64(n)), nil
		case int64:
			return decimal.NewFromInt(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDateTime:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				return parsed.UTC(), nil
			}
		}
	case TypeStrings:
		switch s := v.(type) {
		case []string:
			return append([]string(nil), s...), nil
		case []interface{}:
			out := make([]string, 0, len(s))
			for _, item := range s {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected %s value, got %T element", t, item)
				}
				out = append(out, str)
			}
			return out, nil
		}
	default:
		return nil, fmt.Errorf("unknown attribute type %q", t)
	}
	return nil, fmt.Errorf("expected %s value, got %T", t, v)
}

// ValueKey renders a canonical value as an index key
func ValueKey(v interface{}) string {
	switch val := v.(type) {
	case string:
		return "s:" + val
	case int64:
		return fmt.Sprintf("i:%d", val)
	case decimal.Decimal:
		return "d:" + val.String()
	case bool:
		return fmt.Sprintf("b:%t", val)
	case time.Time:
		return "t:" + val.UTC().Format(time.RFC3339Nano)
	case []string:
		return "l:" + strings.Join(val, "\x00")
	default:
		return fmt.Sprintf("?:%v", val)
	}
}

// Compare orders two canonical values of the same type; ok is false when they are not comparable
func Compare(a, b interface{}) (cmp int, ok bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case int64:
		y, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		if !ok {
			return 0, false
		}
		return x.Cmp(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

// Equal reports whether two canonical values are equal; a []string equals a scalar it contains
func Equal(a, b interface{}) bool {
	if list, ok := a.([]string); ok {
		if s, ok := b.(string); ok {
			for _, item := range list {
				if item == s {
					return true
				}
			}
			return false
		}
	}
	return ValueKey(a) == ValueKey(b)
}

// NormalizeLocale validates a BCP 47 tag and returns its canonical form
func NormalizeLocale(locale string) (string, error) {
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return "", fmt.Errorf("invalid locale %q", locale)
	}
	return tag.String(), nil
}

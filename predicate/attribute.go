package predicate

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// KeyAttribute addresses the entry key instead of a value attribute.
const KeyAttribute = "__key"

// Getter is implemented by values that expose attributes without being a
// map, for example typed records.
type Getter interface {
	Get(attr string) (any, bool)
}

// extract resolves a dotted attribute path against the entry.
func extract(key string, value any, attr string) (any, error) {
	if attr == KeyAttribute {
		return key, nil
	}
	if attr == "" || attr == "this" {
		return value, nil
	}

	cur := value
	for _, part := range strings.Split(attr, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, ErrMissingAttribute
			}
			cur = next
		case Getter:
			next, ok := v.Get(part)
			if !ok {
				return nil, ErrMissingAttribute
			}
			cur = next
		case nil:
			return nil, ErrMissingAttribute
		default:
			return nil, fmt.Errorf("%w: %T", ErrNotADocument, cur)
		}
	}
	return cur, nil
}

// toFloat normalizes Go numeric types.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compare orders a and b. Numbers compare numerically across Go types,
// strings lexically. Mixed kinds are ErrTypeMismatch.
func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, a, b)
		}
		if math.IsNaN(fa) || math.IsNaN(fb) {
			return 0, fmt.Errorf("%w: NaN is not ordered", ErrTypeMismatch)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, a, b)
		}
		return strings.Compare(sa, sb), nil
	}

	return 0, fmt.Errorf("%w: %T is not ordered", ErrTypeMismatch, a)
}

// equal compares a and b for equality. Numbers are compared numerically,
// bools and strings by value. Mixing scalar kinds is ErrTypeMismatch; other
// values fall back to reflect.DeepEqual.
func equal(a, b any) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	if _, ok := toFloat(a); ok {
		c, err := compare(a, b)
		return c == 0, err
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, a, b)
		}
		return av == bv, nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, a, b)
		}
		return av == bv, nil
	}
	return reflect.DeepEqual(a, b), nil
}

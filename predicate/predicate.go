// Package predicate evaluates filters against map entries.
//
// A Predicate is an opaque boolean function over a key and a value. The
// notification engine only ever calls Evaluate, so any type implementing
// Predicate can filter listener registrations. The builders in this package
// cover attribute comparisons over document values (map[string]any or any
// type implementing Getter):
//
//	p := predicate.And(
//		predicate.Equal("surname", "smith"),
//		predicate.GreaterThan("age", 30),
//	)
//	ok, err := predicate.Evaluate(p, "1", map[string]any{"surname": "smith", "age": 42})
//
// Evaluation never mutates the value. Failures such as comparing a number
// against a string are returned as *EvaluationError rather than panicking,
// so a malformed predicate cannot disturb callers evaluating other
// predicates.
package predicate

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch is returned when an attribute cannot be compared with
	// the predicate operand.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrMissingAttribute is returned when the value has no such attribute.
	ErrMissingAttribute = errors.New("missing attribute")

	// ErrNotADocument is returned when an attribute is requested from a
	// value that has no attributes.
	ErrNotADocument = errors.New("value has no attributes")
)

// Predicate filters entries.
type Predicate interface {
	// Apply reports whether the entry matches.
	Apply(key string, value any) (bool, error)
	// String describes the predicate for logs.
	String() string
}

// EvaluationError describes a failed evaluation.
type EvaluationError struct {
	Predicate string
	Attribute string
	Key       string
	Err       error
}

func (e *EvaluationError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("predicate %s: attribute %q of key %q: %v", e.Predicate, e.Attribute, e.Key, e.Err)
	}
	return fmt.Sprintf("predicate %s: key %q: %v", e.Predicate, e.Key, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluate applies p to the entry. A nil predicate matches everything.
// Any failure, including a panic inside p, is returned as *EvaluationError.
func Evaluate(p Predicate, key string, value any) (matched bool, err error) {
	if p == nil {
		return true, nil
	}

	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = &EvaluationError{
				Predicate: safeString(p),
				Key:       key,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()

	matched, err = p.Apply(key, value)
	if err != nil {
		var evalErr *EvaluationError
		if errors.As(err, &evalErr) {
			if evalErr.Key == "" {
				evalErr.Key = key
			}
			return false, evalErr
		}
		return false, &EvaluationError{Predicate: p.String(), Key: key, Err: err}
	}
	return matched, nil
}

func safeString(p Predicate) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("%T", p)
		}
	}()
	return p.String()
}

// Func adapts a function to a Predicate. name is used in logs.
func Func(name string, fn func(key string, value any) (bool, error)) Predicate {
	return funcPredicate{name: name, fn: fn}
}

type funcPredicate struct {
	name string
	fn   func(key string, value any) (bool, error)
}

func (f funcPredicate) Apply(key string, value any) (bool, error) { return f.fn(key, value) }
func (f funcPredicate) String() string                            { return f.name }

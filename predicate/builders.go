package predicate

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// globCacheSize bounds compiled Like patterns kept across predicates.
const globCacheSize = 1024

var globCache *lru.Cache[string, glob.Glob]

func init() {
	var err error
	globCache, err = lru.New[string, glob.Glob](globCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create glob cache: %v", err))
	}
}

// compileGlob compiles pattern once and caches it.
func compileGlob(pattern string) (glob.Glob, error) {
	if g, ok := globCache.Get(pattern); ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	globCache.Add(pattern, g)
	return g, nil
}

type op uint8

const (
	opEq op = iota
	opNe
	opGt
	opGe
	opLt
	opLe
)

var opNames = [...]string{"=", "!=", ">", ">=", "<", "<="}

type comparison struct {
	attr    string
	op      op
	operand any
}

// Equal matches entries whose attribute equals v.
func Equal(attr string, v any) Predicate { return comparison{attr, opEq, v} }

// NotEqual matches entries whose attribute differs from v.
func NotEqual(attr string, v any) Predicate { return comparison{attr, opNe, v} }

// GreaterThan matches entries whose attribute is > v.
func GreaterThan(attr string, v any) Predicate { return comparison{attr, opGt, v} }

// GreaterEqual matches entries whose attribute is >= v.
func GreaterEqual(attr string, v any) Predicate { return comparison{attr, opGe, v} }

// LessThan matches entries whose attribute is < v.
func LessThan(attr string, v any) Predicate { return comparison{attr, opLt, v} }

// LessEqual matches entries whose attribute is <= v.
func LessEqual(attr string, v any) Predicate { return comparison{attr, opLe, v} }

func (c comparison) Apply(key string, value any) (bool, error) {
	got, err := extract(key, value, c.attr)
	if err != nil {
		return false, &EvaluationError{Predicate: c.String(), Attribute: c.attr, Key: key, Err: err}
	}

	var ok bool
	switch c.op {
	case opEq, opNe:
		ok, err = equal(got, c.operand)
		if c.op == opNe {
			ok = !ok
		}
	default:
		var cmp int
		cmp, err = compare(got, c.operand)
		switch c.op {
		case opGt:
			ok = cmp > 0
		case opGe:
			ok = cmp >= 0
		case opLt:
			ok = cmp < 0
		case opLe:
			ok = cmp <= 0
		}
	}
	if err != nil {
		return false, &EvaluationError{Predicate: c.String(), Attribute: c.attr, Key: key, Err: err}
	}
	return ok, nil
}

func (c comparison) String() string {
	return fmt.Sprintf("%s %s %v", c.attr, opNames[c.op], c.operand)
}

type in struct {
	attr   string
	values []any
}

// In matches entries whose attribute equals any of values.
func In(attr string, values ...any) Predicate { return in{attr: attr, values: values} }

func (p in) Apply(key string, value any) (bool, error) {
	got, err := extract(key, value, p.attr)
	if err != nil {
		return false, &EvaluationError{Predicate: p.String(), Attribute: p.attr, Key: key, Err: err}
	}
	for _, v := range p.values {
		ok, err := equal(got, v)
		if err != nil {
			return false, &EvaluationError{Predicate: p.String(), Attribute: p.attr, Key: key, Err: err}
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p in) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = fmt.Sprint(v)
	}
	return fmt.Sprintf("%s IN (%s)", p.attr, strings.Join(parts, ", "))
}

type like struct {
	attr    string
	pattern string
}

// Like matches string attributes against a glob pattern ("smi*", "user:?").
// An invalid pattern surfaces as an EvaluationError on every evaluation.
func Like(attr, pattern string) Predicate { return like{attr: attr, pattern: pattern} }

// KeyLike matches entry keys against a glob pattern.
func KeyLike(pattern string) Predicate { return like{attr: KeyAttribute, pattern: pattern} }

func (p like) Apply(key string, value any) (bool, error) {
	g, err := compileGlob(p.pattern)
	if err != nil {
		return false, &EvaluationError{Predicate: p.String(), Attribute: p.attr, Key: key, Err: err}
	}
	got, err := extract(key, value, p.attr)
	if err != nil {
		return false, &EvaluationError{Predicate: p.String(), Attribute: p.attr, Key: key, Err: err}
	}
	s, ok := got.(string)
	if !ok {
		return false, &EvaluationError{
			Predicate: p.String(),
			Attribute: p.attr,
			Key:       key,
			Err:       fmt.Errorf("%w: LIKE needs a string, got %T", ErrTypeMismatch, got),
		}
	}
	return g.Match(s), nil
}

func (p like) String() string {
	return fmt.Sprintf("%s LIKE %q", p.attr, p.pattern)
}

type and []Predicate

// And matches when every predicate matches. Evaluation stops at the first
// non-match or error.
func And(ps ...Predicate) Predicate { return and(ps) }

func (a and) Apply(key string, value any) (bool, error) {
	for _, p := range a {
		ok, err := Evaluate(p, key, value)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (a and) String() string { return join(a, " AND ") }

type or []Predicate

// Or matches when any predicate matches. An error from one branch does not
// hide a match from a later branch.
func Or(ps ...Predicate) Predicate { return or(ps) }

func (o or) Apply(key string, value any) (bool, error) {
	var firstErr error
	for _, p := range o {
		ok, err := Evaluate(p, key, value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

func (o or) String() string { return join(o, " OR ") }

type not struct{ p Predicate }

// Not inverts p. Errors are propagated, not inverted.
func Not(p Predicate) Predicate { return not{p: p} }

func (n not) Apply(key string, value any) (bool, error) {
	ok, err := Evaluate(n.p, key, value)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n not) String() string { return "NOT (" + safeString(n.p) + ")" }

func join(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		if p == nil {
			parts[i] = "true"
			continue
		}
		parts[i] = safeString(p)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

package predicate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	surname string
	age     int
}

func (p person) Get(attr string) (any, bool) {
	switch attr {
	case "surname":
		return p.surname, true
	case "age":
		return p.age, true
	}
	return nil, false
}

func TestEvaluate_NilPredicateMatches(t *testing.T) {
	ok, err := Evaluate(nil, "k", "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_Comparisons(t *testing.T) {
	doc := map[string]any{
		"surname": "smith",
		"age":     int64(42),
		"price":   19.5,
		"active":  true,
		"address": map[string]any{"city": "leeds"},
	}

	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"equal string", Equal("surname", "smith"), true},
		{"equal string miss", Equal("surname", "jones"), false},
		{"equal int across types", Equal("age", 42), true},
		{"equal bool", Equal("active", true), true},
		{"not equal", NotEqual("surname", "jones"), true},
		{"greater than", GreaterThan("age", 40), true},
		{"greater equal", GreaterEqual("age", int32(42)), true},
		{"less than float", LessThan("price", 20), true},
		{"less equal miss", LessEqual("price", 19), false},
		{"string ordering", LessThan("surname", "tailor"), true},
		{"nested attribute", Equal("address.city", "leeds"), true},
		{"in", In("surname", "jones", "smith"), true},
		{"in miss", In("surname", "jones", "lee"), false},
		{"like", Like("surname", "sm*"), true},
		{"like miss", Like("surname", "j*"), false},
		{"key like", KeyLike("user:*"), true},
		{"key equal", Equal(KeyAttribute, "user:1"), true},
		{"and", And(Equal("surname", "smith"), GreaterThan("age", 18)), true},
		{"and miss", And(Equal("surname", "smith"), GreaterThan("age", 50)), false},
		{"or", Or(Equal("surname", "jones"), Equal("age", 42)), true},
		{"not", Not(Equal("surname", "jones")), true},
		{"func", Func("always", func(string, any) (bool, error) { return true, nil }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Evaluate(tt.p, "user:1", doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvaluate_GetterValues(t *testing.T) {
	ok, err := Evaluate(Equal("surname", "smith"), "1", person{surname: "smith", age: 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(GreaterThan("age", 2), "1", person{surname: "smith", age: 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_Errors(t *testing.T) {
	doc := map[string]any{"surname": "smith", "age": 42}

	tests := []struct {
		name    string
		p       Predicate
		value   any
		wantErr error
	}{
		{"type mismatch", Equal("age", "forty-two"), doc, ErrTypeMismatch},
		{"ordering mismatch", GreaterThan("surname", 3), doc, ErrTypeMismatch},
		{"missing attribute", Equal("email", "x"), doc, ErrMissingAttribute},
		{"scalar value", Equal("surname", "smith"), "plain string", ErrNotADocument},
		{"like on number", Like("age", "4*"), doc, ErrTypeMismatch},
		{"nested through scalar", Equal("surname.first", "x"), doc, ErrNotADocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Evaluate(tt.p, "k1", tt.value)
			require.Error(t, err)
			assert.False(t, ok)

			var evalErr *EvaluationError
			require.True(t, errors.As(err, &evalErr), "expected *EvaluationError, got %T", err)
			assert.Equal(t, "k1", evalErr.Key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEvaluate_InvalidGlob(t *testing.T) {
	_, err := Evaluate(Like("surname", "[unclosed"), "k", map[string]any{"surname": "smith"})
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
}

func TestEvaluate_RecoversPanics(t *testing.T) {
	boom := Func("boom", func(string, any) (bool, error) { panic("kaboom") })

	ok, err := Evaluate(boom, "k", nil)
	assert.False(t, ok)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "boom", evalErr.Predicate)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestEvaluate_WrapsPlainErrors(t *testing.T) {
	sentinel := errors.New("backend says no")
	p := Func("custom", func(string, any) (bool, error) { return true, sentinel })

	ok, err := Evaluate(p, "k", nil)
	assert.False(t, ok, "an erroring predicate never matches")
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, err, sentinel)
}

func TestEvaluate_DoesNotMutateValue(t *testing.T) {
	doc := map[string]any{"surname": "smith", "address": map[string]any{"city": "leeds"}}
	p := And(Equal("surname", "smith"), Like("address.city", "l*"), Not(Equal("missing", 1)))

	_, _ = Evaluate(p, "k", doc)

	assert.Equal(t, map[string]any{"surname": "smith", "address": map[string]any{"city": "leeds"}}, doc)
}

func TestOr_ErrorDoesNotHideLaterMatch(t *testing.T) {
	doc := map[string]any{"surname": "smith"}
	ok, err := Evaluate(Or(Equal("age", 1), Equal("surname", "smith")), "k", doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(Or(Equal("age", 1), Equal("surname", "jones")), "k", doc)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMissingAttribute)
}

func TestString(t *testing.T) {
	assert.Equal(t, `surname = smith`, Equal("surname", "smith").String())
	assert.Equal(t, `(surname = smith AND age > 3)`, And(Equal("surname", "smith"), GreaterThan("age", 3)).String())
	assert.Equal(t, `__key LIKE "user:*"`, KeyLike("user:*").String())
	assert.Equal(t, `surname IN (a, b)`, In("surname", "a", "b").String())
}

package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue_Shapes(t *testing.T) {
	doc := map[string]any{
		"surname": "smith",
		"age":     int8(42),
		"price":   19.5,
		"address": map[string]any{"city": "leeds"},
		"tags":    []string{"a", "b"},
	}

	data, err := EncodeValue(doc)
	require.NoError(t, err)

	got, err := DecodeValue(data)
	require.NoError(t, err)

	m, ok := got.(map[string]any)
	require.True(t, ok, "documents must decode as map[string]any, got %T", got)
	assert.Equal(t, "smith", m["surname"])
	assert.Equal(t, int64(42), m["age"], "loose decoding widens integers to int64")
	assert.Equal(t, 19.5, m["price"])
	assert.Equal(t, map[string]any{"city": "leeds"}, m["address"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])
}

func TestMarshal_DeterministicMapOrder(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2, "z": 3}
	first, err := Marshal(a)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(a)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(map[string]any{"goroutine": id, "iteration": j})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out map[string]any
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
				if out["goroutine"] != int64(id) {
					t.Errorf("expected goroutine %d, got %v", id, out["goroutine"])
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

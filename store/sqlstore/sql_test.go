package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "store.db")
	s, err := New(Config{Driver: "sqlite3", DSN: dsn, Table: "entries"})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreAll(ctx, map[string]any{
		"1": map[string]any{"surname": "smith", "age": int64(42)},
		"2": "plain",
	}))

	v, ok, err := s.Load(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"surname": "smith", "age": int64(42)}, v)

	_, ok, err = s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.LoadAll(ctx, []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "plain", got["2"])
}

func TestStore_UpsertOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreAll(ctx, map[string]any{"a": 1}))
	require.NoError(t, s.StoreAll(ctx, map[string]any{"a": 2}))

	v, ok, err := s.Load(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestStore_LoadAllKeysAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := make(map[string]any)
	for i := 0; i < 5; i++ {
		entries[fmt.Sprintf("k%d", i)] = i
	}
	require.NoError(t, s.StoreAll(ctx, entries))
	require.NoError(t, s.DeleteAll(ctx, []string{"k1", "k3", "absent"}))

	var keys []string
	for k, err := range s.LoadAllKeys(ctx) {
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"k0", "k2", "k4"}, keys)
}

func TestStore_UnencodableValueIsPartialFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.StoreAll(ctx, map[string]any{"ok": 1, "bad": func() {}})
	var partial *store.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, "bad")

	_, ok, err := s.Load(ctx, "ok")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ThroughAdapter(t *testing.T) {
	b, err := store.NewBackend(cfg.StoreConfiguration{
		Type: cfg.StoreSQL,
		SQL: cfg.SQLConfiguration{
			Driver: "sqlite3",
			DSN:    "file:" + filepath.Join(t.TempDir(), "a.db"),
			Table:  "kv",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sql/sqlite3", b.Name())

	a := store.NewAdapter(b, store.AdapterConfig{BatchSize: 2})
	ctx := context.Background()
	defer a.Close(ctx)

	require.NoError(t, a.StoreAll(ctx, map[string]any{"a": 1, "b": 2, "c": 3}))
	got, err := a.LoadAll(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Driver: "postgres", DSN: "x"})
	assert.Error(t, err)
	_, err = New(Config{Driver: "sqlite3"})
	assert.Error(t, err)

	s, err := New(Config{Driver: "mysql", DSN: "user@tcp(localhost)/db"})
	require.NoError(t, err)
	_, _, err = s.Load(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrClosed)
}

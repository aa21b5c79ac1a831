package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-process backend. Failures can be injected per key or
// for whole calls, which makes it the backend of choice for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]any

	failMu   sync.RWMutex
	failKeys map[string]error
	failCall error
	delay    time.Duration

	openCalls   atomic.Int64
	loadCalls   atomic.Int64
	storeCalls  atomic.Int64
	deleteCalls atomic.Int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]any),
		failKeys: make(map[string]error),
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Open(ctx context.Context) error {
	m.openCalls.Add(1)
	return m.inject(ctx)
}

func (m *MemoryStore) Close(context.Context) error { return nil }

// FailKey makes writes and deletes of key fail with err until cleared with a
// nil err.
func (m *MemoryStore) FailKey(key string, err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if err == nil {
		delete(m.failKeys, key)
		return
	}
	m.failKeys[key] = err
}

// FailCalls makes every call fail with err until cleared with nil.
func (m *MemoryStore) FailCalls(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failCall = err
}

// SetDelay makes every call wait d before running, or until ctx is done.
func (m *MemoryStore) SetDelay(d time.Duration) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.delay = d
}

func (m *MemoryStore) inject(ctx context.Context) error {
	m.failMu.RLock()
	delay, failCall := m.delay, m.failCall
	m.failMu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failCall
}

func (m *MemoryStore) keyErr(key string) error {
	m.failMu.RLock()
	defer m.failMu.RUnlock()
	return m.failKeys[key]
}

func (m *MemoryStore) Load(ctx context.Context, key string) (any, bool, error) {
	m.loadCalls.Add(1)
	if err := m.inject(ctx); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryStore) LoadAll(ctx context.Context, keys []string) (map[string]any, error) {
	m.loadCalls.Add(1)
	if err := m.inject(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadAllKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := m.inject(ctx); err != nil {
			yield("", err)
			return
		}
		for _, k := range m.Keys() {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) StoreAll(ctx context.Context, entries map[string]any) error {
	m.storeCalls.Add(1)
	if err := m.inject(ctx); err != nil {
		return err
	}

	failed := make(map[string]error)
	m.mu.Lock()
	for k, v := range entries {
		if err := m.keyErr(k); err != nil {
			failed[k] = err
			continue
		}
		m.entries[k] = v
	}
	m.mu.Unlock()

	if len(failed) > 0 {
		return &PartialFailureError{Op: "store_all", Failed: failed}
	}
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, keys []string) error {
	m.deleteCalls.Add(1)
	if err := m.inject(ctx); err != nil {
		return err
	}

	failed := make(map[string]error)
	m.mu.Lock()
	for _, k := range keys {
		if err := m.keyErr(k); err != nil {
			failed[k] = err
			continue
		}
		delete(m.entries, k)
	}
	m.mu.Unlock()

	if len(failed) > 0 {
		return &PartialFailureError{Op: "delete_all", Failed: failed}
	}
	return nil
}

// Get reads an entry directly, bypassing injected failures.
func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

// Set writes an entry directly, bypassing injected failures.
func (m *MemoryStore) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
}

// Keys returns stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Calls returns how many times each operation ran.
func (m *MemoryStore) Calls() (open, load, store, del int64) {
	return m.openCalls.Load(), m.loadCalls.Load(), m.storeCalls.Load(), m.deleteCalls.Load()
}

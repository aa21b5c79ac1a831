package writebehind

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/driftmap/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlusher(t *testing.T, q *Queue, w Writer, interval time.Duration) *Flusher {
	t.Helper()
	f, err := NewFlusher(FlusherConfig{
		Queue:           q,
		Writer:          w,
		BatchSize:       10,
		FlushInterval:   interval,
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)
	return f
}

func TestNewFlusher_Validation(t *testing.T) {
	_, err := NewFlusher(FlusherConfig{Writer: store.NewMemoryStore()})
	assert.Error(t, err)
	_, err = NewFlusher(FlusherConfig{Queue: NewQueue(QueueOptions{})})
	assert.Error(t, err)
}

func TestFlusher_FlushWritesAndDeletes(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.Set("gone", "old")
	q := NewQueue(QueueOptions{})
	f := newTestFlusher(t, q, mem, time.Hour)

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 2, false)
	q.Enqueue("gone", nil, true)

	n, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b"}, mem.Keys())
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 0, q.InFlight())
}

func TestFlusher_PartialFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.FailKey("b", errors.New("rejected"))
	q := NewQueue(QueueOptions{})
	f := newTestFlusher(t, q, mem, time.Hour)

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 2, false)

	n, err := f.Flush(context.Background())
	assert.Equal(t, 1, n)
	var partial *store.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, "b")

	rec, ok := q.Peek("b")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	_, ok = q.Peek("a")
	assert.False(t, ok)

	_, stored := mem.Get("a")
	assert.True(t, stored)
}

func TestFlusher_WholeBatchFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.FailCalls(errors.New("connection reset"))
	q := NewQueue(QueueOptions{})
	f := newTestFlusher(t, q, mem, time.Hour)

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 2, false)

	_, err := f.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, q.Pending())
}

func TestFlusher_BackgroundLoopFlushesOnInterval(t *testing.T) {
	mem := store.NewMemoryStore()
	q := NewQueue(QueueOptions{})
	f := newTestFlusher(t, q, mem, 10*time.Millisecond)
	f.Start()
	defer f.Stop()

	q.Enqueue("a", 1, false)

	require.Eventually(t, func() bool {
		_, ok := mem.Get("a")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestFlusher_ThresholdTriggersFlush(t *testing.T) {
	mem := store.NewMemoryStore()
	q := NewQueue(QueueOptions{BatchSize: 3})
	f := newTestFlusher(t, q, mem, time.Hour)
	f.Start()
	defer f.Stop()

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 1, false)
	q.Enqueue("c", 1, false)

	require.Eventually(t, func() bool { return mem.Len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestFlusher_FlushWhileRunning(t *testing.T) {
	mem := store.NewMemoryStore()
	q := NewQueue(QueueOptions{})
	f := newTestFlusher(t, q, mem, time.Hour)
	f.Start()
	defer f.Stop()

	for _, k := range []string{"a", "b", "c"} {
		q.Enqueue(k, k, false)
	}

	_, err := f.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, mem.Len(), "everything pending at call time is written")
}

func TestFlusher_StopFlushesRemaining(t *testing.T) {
	mem := store.NewMemoryStore()
	q := NewQueue(QueueOptions{})
	f := newTestFlusher(t, q, mem, time.Hour)
	f.Start()

	q.Enqueue("a", 1, false)
	f.Stop()

	_, ok := mem.Get("a")
	assert.True(t, ok)

	_, err := f.Flush(context.Background())
	assert.ErrorIs(t, err, ErrFlusherStopped)
	f.Stop()
}

func TestFlusher_OnFlushedReportsSuccessfulKeys(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.FailKey("bad", errors.New("rejected"))
	q := NewQueue(QueueOptions{})

	var mu sync.Mutex
	var stored, deleted []string
	f, err := NewFlusher(FlusherConfig{
		Queue:  q,
		Writer: mem,
		OnFlushed: func(s, d []string) {
			mu.Lock()
			stored = append(stored, s...)
			deleted = append(deleted, d...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	q.Enqueue("ok", 1, false)
	q.Enqueue("bad", 1, false)
	q.Enqueue("rm", nil, true)
	_, _ = f.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ok"}, stored)
	assert.Equal(t, []string{"rm"}, deleted)
}

func TestFlusher_DeadLettersThroughAdapter(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.FailKey("a", errors.New("schema violation"))
	adapter := store.NewAdapter(mem, store.AdapterConfig{})
	defer adapter.Close(context.Background())

	q := NewQueue(QueueOptions{RetryLimit: 2})
	f := newTestFlusher(t, q, adapter, time.Hour)

	q.Enqueue("a", 1, false)
	_, err := f.Flush(context.Background())
	require.Error(t, err)
	_, err = f.Flush(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 1, q.DeadLetters().Len())
	select {
	case err := <-q.Errors():
		var dl *store.DeadLetterError
		assert.ErrorAs(t, err, &dl)
	case <-time.After(time.Second):
		t.Fatal("no dead letter error")
	}
}

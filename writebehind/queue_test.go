package writebehind

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/driftmap/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func keys(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

func TestQueue_CoalescesPendingWrites(t *testing.T) {
	q := NewQueue(QueueOptions{})

	q.Enqueue("a", "v1", false)
	q.Enqueue("a", "v2", false)

	recs := q.Drain(10)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Key)
	assert.Equal(t, "v2", recs[0].Value)
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 1, q.InFlight())
}

func TestQueue_CoalescingKeepsPositionAndAge(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(QueueOptions{Now: clock.Now})

	q.Enqueue("a", 1, false)
	first, _ := q.Peek("a")
	clock.Advance(time.Second)
	q.Enqueue("b", 1, false)
	q.Enqueue("a", 2, false)

	rec, ok := q.Peek("a")
	require.True(t, ok)
	assert.Equal(t, first.EnqueuedAt, rec.EnqueuedAt)
	assert.Equal(t, []string{"a", "b"}, keys(q.Drain(10)))
}

func TestQueue_TombstoneReplacesValue(t *testing.T) {
	q := NewQueue(QueueOptions{})
	q.Enqueue("a", "v1", false)
	q.Enqueue("a", nil, true)

	recs := q.Drain(10)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Tombstone)
	assert.Nil(t, recs[0].Value)
}

func TestQueue_DrainRespectsMax(t *testing.T) {
	q := NewQueue(QueueOptions{})
	for _, k := range []string{"a", "b", "c", "d"} {
		q.Enqueue(k, k, false)
	}

	assert.Equal(t, []string{"a", "b"}, keys(q.Drain(2)))
	assert.Equal(t, []string{"c", "d"}, keys(q.Drain(5)))
	assert.Empty(t, q.Drain(5))
}

func TestQueue_InFlightKeyGetsNewPendingRecord(t *testing.T) {
	q := NewQueue(QueueOptions{})

	q.Enqueue("a", "v1", false)
	inflight := q.Drain(10)
	require.Len(t, inflight, 1)

	q.Enqueue("a", "v2", false)
	assert.Equal(t, 1, q.Pending())
	assert.Empty(t, q.Drain(10), "cannot drain while the key is in flight")

	q.OnFlushResult(inflight, nil)
	recs := q.Drain(10)
	require.Len(t, recs, 1)
	assert.Equal(t, "v2", recs[0].Value)
}

func TestQueue_PartialFailureRequeuesOnlyFailedKeys(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(QueueOptions{Now: clock.Now, BackoffInitial: time.Second})

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 2, false)
	recs := q.Drain(10)

	q.OnFlushResult(recs, map[string]error{"b": errors.New("rejected")})

	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 0, q.InFlight())
	rec, ok := q.Peek("b")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 2, rec.Value)
	assert.Equal(t, "rejected", rec.LastError)

	_, ok = q.Peek("a")
	assert.False(t, ok)
}

func TestQueue_RetryBackoff(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(QueueOptions{
		Now:            clock.Now,
		RetryLimit:     10,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     250 * time.Millisecond,
	})

	q.Enqueue("a", 1, false)
	fail := errors.New("down")

	q.FailAll(q.Drain(1), fail)
	assert.Empty(t, q.Drain(1), "waiting for backoff")
	clock.Advance(100 * time.Millisecond)
	recs := q.Drain(1)
	require.Len(t, recs, 1)

	q.FailAll(recs, fail)
	clock.Advance(199 * time.Millisecond)
	assert.Empty(t, q.Drain(1))
	clock.Advance(time.Millisecond)
	recs = q.Drain(1)
	require.Len(t, recs, 1)

	q.FailAll(recs, fail)
	rec, _ := q.Peek("a")
	assert.Equal(t, clock.Now().Add(250*time.Millisecond), rec.NotBefore, "capped at BackoffMax")

	assert.Len(t, q.DrainNow(1), 1, "DrainNow ignores backoff")
}

func TestQueue_RetriesGoToFront(t *testing.T) {
	q := NewQueue(QueueOptions{BackoffInitial: time.Nanosecond})

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 1, false)
	recs := q.Drain(2)
	q.Enqueue("c", 1, false)

	q.FailAll(recs, errors.New("down"))
	time.Sleep(time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, keys(q.Drain(10)))
}

func TestQueue_DeadLettersAfterRetryLimit(t *testing.T) {
	var callback []*store.DeadLetterError
	q := NewQueue(QueueOptions{
		RetryLimit:     3,
		BackoffInitial: time.Nanosecond,
		OnDeadLetter:   func(err *store.DeadLetterError) { callback = append(callback, err) },
	})

	q.Enqueue("a", "v", false)
	fail := errors.New("constraint violation")
	for i := 0; i < 3; i++ {
		recs := q.DrainNow(1)
		require.Len(t, recs, 1, "attempt %d", i+1)
		q.FailAll(recs, fail)
	}

	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 1, q.DeadLetters().Len())

	dead, ok := q.DeadLetters().Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "v", dead.Value)

	require.Len(t, callback, 1)
	assert.Equal(t, "a", callback[0].Key)
	assert.ErrorIs(t, callback[0], fail)

	select {
	case err := <-q.Errors():
		var dl *store.DeadLetterError
		require.ErrorAs(t, err, &dl)
		assert.Equal(t, 3, dl.Attempts)
	default:
		t.Fatal("expected dead letter on the error channel")
	}
}

func TestQueue_NewerWriteSupersedesFailure(t *testing.T) {
	q := NewQueue(QueueOptions{RetryLimit: 1})

	q.Enqueue("a", "old", false)
	recs := q.Drain(1)
	q.Enqueue("a", "new", false)

	q.FailAll(recs, errors.New("down"))

	assert.Equal(t, 0, q.DeadLetters().Len(), "stale failure is dropped, not dead-lettered")
	rec, ok := q.Peek("a")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Value)
	assert.Equal(t, 0, rec.Attempts)
}

func TestQueue_EnqueueResetsRetryState(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(QueueOptions{Now: clock.Now, BackoffInitial: time.Hour})

	q.Enqueue("a", 1, false)
	q.FailAll(q.Drain(1), errors.New("down"))
	q.Enqueue("a", 2, false)

	recs := q.Drain(1)
	require.Len(t, recs, 1)
	assert.Equal(t, 0, recs[0].Attempts)
	assert.Equal(t, 2, recs[0].Value)
}

func TestQueue_ThresholdSignal(t *testing.T) {
	q := NewQueue(QueueOptions{BatchSize: 3})

	q.Enqueue("a", 1, false)
	q.Enqueue("b", 1, false)
	select {
	case <-q.Threshold():
		t.Fatal("threshold fired early")
	default:
	}

	q.Enqueue("c", 1, false)
	select {
	case <-q.Threshold():
	default:
		t.Fatal("threshold did not fire")
	}
}

func TestQueue_RequeueAndDiscard(t *testing.T) {
	q := NewQueue(QueueOptions{RetryLimit: 1})

	q.Enqueue("a", "va", false)
	q.Enqueue("b", "vb", false)
	q.FailAll(q.Drain(2), errors.New("down"))
	require.Equal(t, 2, q.DeadLetters().Len())

	require.NoError(t, q.Requeue("a"))
	rec, ok := q.Peek("a")
	require.True(t, ok)
	assert.Equal(t, "va", rec.Value)
	assert.Equal(t, 0, rec.Attempts)

	require.NoError(t, q.Discard("b"))
	assert.Equal(t, 0, q.DeadLetters().Len())

	assert.ErrorIs(t, q.Requeue("b"), ErrDeadLetterNotFound)
	assert.ErrorIs(t, q.Discard("zz"), ErrDeadLetterNotFound)
}

func TestQueue_RequeueSupersededDeadLetter(t *testing.T) {
	q := NewQueue(QueueOptions{RetryLimit: 1})

	q.Enqueue("a", "old", false)
	q.FailAll(q.Drain(1), errors.New("down"))
	q.Enqueue("a", "new", false)

	require.NoError(t, q.Requeue("a"))
	rec, _ := q.Peek("a")
	assert.Equal(t, "new", rec.Value)
	assert.Equal(t, 0, q.DeadLetters().Len())
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewQueue(QueueOptions{BatchSize: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(string(rune('a'+w)), i, false)
			}
		}(w)
	}
	wg.Wait()

	recs := q.Drain(100)
	assert.Len(t, recs, 8, "one record per key")
	for _, r := range recs {
		assert.Equal(t, 99, r.Value)
	}
}

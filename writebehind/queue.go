package writebehind

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/driftmap/store"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryLimit     = 5
	DefaultBatchSize      = 100
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second

	errorChannelSize = 256
)

// ErrDeadLetterNotFound is returned by Requeue and Discard for unknown keys.
var ErrDeadLetterNotFound = errors.New("no dead letter for key")

// QueueOptions configure a Queue.
type QueueOptions struct {
	RetryLimit     int           // Attempts before a record is dead-lettered
	BatchSize      int           // Pending count that triggers the threshold signal
	BackoffInitial time.Duration // Delay before the first retry
	BackoffMax     time.Duration // Retry delay cap
	Journal        *Journal      // Optional persistence
	DeadLetters    *DeadLetters  // Optional, created in memory when nil
	OnDeadLetter   func(*store.DeadLetterError)
	Now            func() time.Time
}

// Queue coalesces writes per key. Drained keys are in flight until
// OnFlushResult settles them; a newer write for an in-flight key waits as a
// separate pending record.
type Queue struct {
	opts QueueOptions
	dead *DeadLetters

	mu       sync.Mutex
	pending  map[string]*list.Element // Value is *Record
	order    *list.List
	inflight map[string]*Record

	threshold chan struct{}
	errs      chan error
}

// NewQueue creates an empty queue.
func NewQueue(opts QueueOptions) *Queue {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffInitial)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dead := opts.DeadLetters
	if dead == nil {
		dead = &DeadLetters{records: make(map[string]Record)}
	}

	return &Queue{
		opts:      opts,
		dead:      dead,
		pending:   make(map[string]*list.Element),
		order:     list.New(),
		inflight:  make(map[string]*Record),
		threshold: make(chan struct{}, 1),
		errs:      make(chan error, errorChannelSize),
	}
}

// Restore re-enqueues records replayed from the journal. Call before the
// flusher starts.
func (q *Queue) Restore() (int, error) {
	if q.opts.Journal == nil {
		return 0, nil
	}
	recs, err := q.opts.Journal.Pending()
	if err != nil {
		return 0, fmt.Errorf("failed to replay write-behind journal: %w", err)
	}

	q.mu.Lock()
	for i := range recs {
		rec := recs[i]
		if _, ok := q.pending[rec.Key]; ok {
			continue
		}
		rec.NotBefore = time.Time{}
		q.pending[rec.Key] = q.order.PushBack(&rec)
	}
	q.updateGauges()
	q.mu.Unlock()

	if len(recs) > 0 {
		log.Info().Int("records", len(recs)).Msg("Restored pending writes from journal")
	}
	return len(recs), nil
}

// Enqueue records the latest write for key. A pending record keeps its
// position and age; only its value changes and its retry state resets.
func (q *Queue) Enqueue(key string, value any, tombstone bool) {
	q.mu.Lock()

	var rec *Record
	if el, ok := q.pending[key]; ok {
		rec = el.Value.(*Record)
		rec.Value = value
		rec.Tombstone = tombstone
		rec.Attempts = 0
		rec.NotBefore = time.Time{}
		rec.LastError = ""
	} else {
		rec = &Record{
			Key:        key,
			Value:      value,
			Tombstone:  tombstone,
			EnqueuedAt: q.opts.Now(),
		}
		q.pending[key] = q.order.PushBack(rec)
	}
	q.journalPut(rec)

	full := len(q.pending) >= q.opts.BatchSize
	q.updateGauges()
	q.mu.Unlock()

	if full {
		select {
		case q.threshold <- struct{}{}:
		default:
		}
	}
}

// Drain removes up to n eligible records, oldest first, and marks them in
// flight. A record is eligible when its key is not in flight and its retry
// backoff has elapsed.
func (q *Queue) Drain(n int) []Record {
	return q.drain(n, false)
}

// DrainNow is Drain ignoring retry backoff.
func (q *Queue) DrainNow(n int) []Record {
	return q.drain(n, true)
}

func (q *Queue) drain(n int, ignoreBackoff bool) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	out := make([]Record, 0, min(n, len(q.pending)))
	for el := q.order.Front(); el != nil && len(out) < n; {
		next := el.Next()
		rec := el.Value.(*Record)

		_, busy := q.inflight[rec.Key]
		if busy || (!ignoreBackoff && rec.NotBefore.After(now)) {
			el = next
			continue
		}

		q.order.Remove(el)
		delete(q.pending, rec.Key)
		q.inflight[rec.Key] = rec
		out = append(out, *rec)
		el = next
	}
	q.updateGauges()
	return out
}

// OnFlushResult settles drained records. Keys in failures failed; all other
// keys were written.
func (q *Queue) OnFlushResult(records []Record, failures map[string]error) {
	var deadLetters []*store.DeadLetterError

	q.mu.Lock()
	now := q.opts.Now()
	retry := make([]*Record, 0, len(failures))
	for i := range records {
		rec := records[i]
		delete(q.inflight, rec.Key)
		_, newer := q.pending[rec.Key]

		flushErr, failed := failures[rec.Key]
		if !failed {
			if !newer {
				q.journalDelete(rec.Key)
			}
			continue
		}
		if newer {
			// The pending write supersedes the failed one
			continue
		}

		rec.Attempts++
		rec.LastError = flushErr.Error()
		if rec.Attempts >= q.opts.RetryLimit {
			deadLetters = append(deadLetters, q.deadLetter(&rec, flushErr))
			continue
		}
		rec.NotBefore = now.Add(q.backoff(rec.Attempts))
		retry = append(retry, &rec)
	}

	// Retries go back to the front, keeping their relative order
	for i := len(retry) - 1; i >= 0; i-- {
		rec := retry[i]
		q.pending[rec.Key] = q.order.PushFront(rec)
		q.journalPut(rec)
	}
	q.updateGauges()
	q.mu.Unlock()

	for _, dl := range deadLetters {
		q.publishDeadLetter(dl)
	}
}

// FailAll settles every record as failed with err.
func (q *Queue) FailAll(records []Record, err error) {
	failures := make(map[string]error, len(records))
	for _, rec := range records {
		failures[rec.Key] = err
	}
	q.OnFlushResult(records, failures)
}

// deadLetter moves rec to the dead letter set. Caller holds q.mu.
func (q *Queue) deadLetter(rec *Record, err error) *store.DeadLetterError {
	rec.NotBefore = time.Time{}
	if q.opts.Journal != nil {
		if jerr := q.opts.Journal.MoveToDead(rec); jerr != nil {
			log.Warn().Err(jerr).Str("key", rec.Key).Msg("Failed to journal dead letter")
		}
	}
	q.dead.add(*rec)
	telemetry.DeadLettersTotal.Inc()

	log.Error().
		Err(err).
		Str("key", rec.Key).
		Int("attempts", rec.Attempts).
		Msg("Write exhausted retries, moved to dead letters")
	return &store.DeadLetterError{Key: rec.Key, Attempts: rec.Attempts, Err: err}
}

func (q *Queue) publishDeadLetter(dl *store.DeadLetterError) {
	if q.opts.OnDeadLetter != nil {
		q.opts.OnDeadLetter(dl)
	}
	select {
	case q.errs <- dl:
	default:
		log.Warn().Str("key", dl.Key).Msg("Write-behind error channel full, dropping notification")
	}
}

// backoff returns BackoffInitial doubled per attempt, capped at BackoffMax.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BackoffInitial
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	return d
}

func (q *Queue) journalPut(rec *Record) {
	if q.opts.Journal == nil {
		return
	}
	if err := q.opts.Journal.PutPending(rec); err != nil {
		log.Warn().Err(err).Str("key", rec.Key).Msg("Failed to journal pending write")
	}
}

func (q *Queue) journalDelete(key string) {
	if q.opts.Journal == nil {
		return
	}
	if err := q.opts.Journal.DeletePending(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to remove journaled write")
	}
}

func (q *Queue) updateGauges() {
	telemetry.WriteBehindPending.Set(float64(len(q.pending)))
	telemetry.WriteBehindInFlight.Set(float64(len(q.inflight)))
}

// Threshold fires when the pending count reaches BatchSize.
func (q *Queue) Threshold() <-chan struct{} {
	return q.threshold
}

// Errors delivers a *store.DeadLetterError for every dead-lettered record.
// Notifications are dropped when nobody reads the channel.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// Pending returns the number of pending records.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of drained, unsettled records.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Peek returns a copy of the pending record for key.
func (q *Queue) Peek(key string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.pending[key]
	if !ok {
		return Record{}, false
	}
	return *el.Value.(*Record), true
}

// Latest returns the newest unsettled write for key: the pending record if
// there is one, otherwise the in-flight record.
func (q *Queue) Latest(key string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el, ok := q.pending[key]; ok {
		return *el.Value.(*Record), true
	}
	if rec, ok := q.inflight[key]; ok {
		return *rec, true
	}
	return Record{}, false
}

// DeadLetters returns the dead letter set.
func (q *Queue) DeadLetters() *DeadLetters {
	return q.dead
}

// Requeue moves a dead letter back into the queue with a fresh retry budget.
// If the key was written again since, the dead letter is stale and is only
// discarded.
func (q *Queue) Requeue(key string) error {
	rec, ok := q.dead.take(key)
	if !ok {
		return ErrDeadLetterNotFound
	}

	q.mu.Lock()
	_, pending := q.pending[key]
	_, busy := q.inflight[key]
	q.mu.Unlock()
	if pending || busy {
		log.Info().Str("key", key).Msg("Dead letter superseded by a newer write, discarding")
		return nil
	}

	q.Enqueue(key, rec.Value, rec.Tombstone)
	log.Info().Str("key", key).Msg("Dead letter requeued")
	return nil
}

// Discard drops a dead letter.
func (q *Queue) Discard(key string) error {
	if _, ok := q.dead.take(key); !ok {
		return ErrDeadLetterNotFound
	}
	log.Info().Str("key", key).Msg("Dead letter discarded")
	return nil
}

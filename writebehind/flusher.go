package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/driftmap/store"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFlushInterval   = time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrFlusherStopped is returned by Flush after Stop.
var ErrFlusherStopped = errors.New("write-behind flusher stopped")

// Writer is the subset of *store.Adapter the flusher needs.
type Writer interface {
	StoreAll(ctx context.Context, entries map[string]any) error
	DeleteAll(ctx context.Context, keys []string) error
}

// FlusherConfig configures a Flusher.
type FlusherConfig struct {
	Queue           *Queue
	Writer          Writer
	BatchSize       int           // Records per external call
	FlushInterval   time.Duration // Max time a write waits when below BatchSize
	ShutdownTimeout time.Duration // Bound for the final flush in Stop

	// OnFlushed is called with the keys written and deleted by each batch.
	OnFlushed func(stored, deleted []string)
}

type flushRequest struct {
	ctx     context.Context
	promise *future.Promise[int]
}

// Flusher drains the queue into the external store from one goroutine.
type Flusher struct {
	config FlusherConfig

	flushReqs   chan flushRequest
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	stopped     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewFlusher validates config and applies defaults.
func NewFlusher(config FlusherConfig) (*Flusher, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if config.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Flusher{
		config:    config,
		flushReqs: make(chan flushRequest),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start launches the flush loop.
func (f *Flusher) Start() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running.Load() || f.stopped.Load() {
		return
	}
	f.running.Store(true)

	log.Info().
		Int("batch_size", f.config.BatchSize).
		Dur("interval", f.config.FlushInterval).
		Msg("Starting write-behind flusher")

	go f.loop()
}

// Stop ends the loop and makes a final attempt to flush everything pending,
// bounded by ShutdownTimeout.
func (f *Flusher) Stop() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.stopped.Swap(true) {
		return
	}
	if f.running.Load() {
		close(f.stopCh)
		<-f.doneCh
		f.running.Store(false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.config.ShutdownTimeout)
	defer cancel()

	n, err := f.flushAll(ctx)
	left := f.config.Queue.Pending() + f.config.Queue.InFlight()
	ev := log.Info()
	if err != nil || left > 0 {
		ev = log.Warn().Err(err)
	}
	ev.Int("flushed", n).Int("pending", left).Msg("Write-behind flusher stopped")
}

// Flush writes everything pending at call time and returns the number of
// records written. It stops at the first failed batch; failed records stay
// queued with their retry state.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	if f.stopped.Load() {
		return 0, ErrFlusherStopped
	}
	if !f.running.Load() {
		return f.flushAll(ctx)
	}

	p := future.NewPromise[int]()
	select {
	case f.flushReqs <- flushRequest{ctx: ctx, promise: p}:
	case <-f.doneCh:
		return 0, ErrFlusherStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	type result struct {
		n   int
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := p.Future().Get()
		res <- result{n, err}
	}()

	select {
	case r := <-res:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *Flusher) loop() {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.flushReady(context.Background())
		case <-f.config.Queue.Threshold():
			f.flushReady(context.Background())
		case req := <-f.flushReqs:
			req.promise.Set(f.flushAll(req.ctx))
		}
	}
}

// flushReady writes records whose backoff has elapsed.
func (f *Flusher) flushReady(ctx context.Context) {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		recs := f.config.Queue.Drain(f.config.BatchSize)
		if len(recs) == 0 {
			return
		}
		f.flushBatch(ctx, recs)
		if len(recs) < f.config.BatchSize {
			return
		}
	}
}

// flushAll writes every record pending now, ignoring backoff.
func (f *Flusher) flushAll(ctx context.Context) (int, error) {
	budget := f.config.Queue.Pending()
	written := 0
	for budget > 0 {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		recs := f.config.Queue.DrainNow(min(f.config.BatchSize, budget))
		if len(recs) == 0 {
			break
		}
		budget -= len(recs)

		failures := f.flushBatch(ctx, recs)
		written += len(recs) - len(failures)
		if len(failures) > 0 {
			return written, &store.PartialFailureError{Op: "flush", Failed: failures}
		}
	}
	return written, nil
}

// flushBatch writes recs and settles them on the queue. It returns the
// failed keys.
func (f *Flusher) flushBatch(ctx context.Context, recs []Record) map[string]error {
	stores := make(map[string]any)
	var deletes []string
	for _, rec := range recs {
		if rec.Tombstone {
			deletes = append(deletes, rec.Key)
		} else {
			stores[rec.Key] = rec.Value
		}
	}
	telemetry.WriteBehindBatchSize.Observe(float64(len(recs)))

	failures := make(map[string]error)
	if len(stores) > 0 {
		keys := make([]string, 0, len(stores))
		for k := range stores {
			keys = append(keys, k)
		}
		f.collect("store", keys, f.config.Writer.StoreAll(ctx, stores), failures)
	}
	if len(deletes) > 0 {
		f.collect("delete", deletes, f.config.Writer.DeleteAll(ctx, deletes), failures)
	}

	f.config.Queue.OnFlushResult(recs, failures)

	if f.config.OnFlushed != nil {
		var stored, deleted []string
		for _, rec := range recs {
			if _, failed := failures[rec.Key]; failed {
				continue
			}
			if rec.Tombstone {
				deleted = append(deleted, rec.Key)
			} else {
				stored = append(stored, rec.Key)
			}
		}
		f.config.OnFlushed(stored, deleted)
	}
	return failures
}

// collect maps an external call result to per-key failures.
func (f *Flusher) collect(op string, keys []string, err error, failures map[string]error) {
	if err == nil {
		telemetry.WriteBehindFlushTotal.With(op, "ok").Inc()
		return
	}

	var partial *store.PartialFailureError
	if errors.As(err, &partial) {
		telemetry.WriteBehindFlushTotal.With(op, "partial").Inc()
		for _, k := range keys {
			if kerr, ok := partial.Failed[k]; ok {
				failures[k] = kerr
			}
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Int("failed", len(partial.Failed)).
			Int("batch", len(keys)).
			Msg("Write-behind batch partially failed")
		return
	}

	telemetry.WriteBehindFlushTotal.With(op, "error").Inc()
	for _, k := range keys {
		failures[k] = err
	}
	log.Warn().
		Err(err).
		Str("op", op).
		Int("batch", len(keys)).
		Bool("retryable", store.IsRetryable(err)).
		Msg("Write-behind batch failed")
}

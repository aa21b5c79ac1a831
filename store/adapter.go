package store

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/driftmap/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize      = 500
	DefaultConnectTimeout = 5 * time.Second
	DefaultCallTimeout    = 2 * time.Second
)

// AdapterConfig bounds adapter calls.
type AdapterConfig struct {
	BatchSize      int           // Max keys per backend call
	ConnectTimeout time.Duration // Bound for Open
	CallTimeout    time.Duration // Bound for every other call
}

// Adapter owns a backend and mediates every call to it. It is safe for
// concurrent use and holds no lock across backend I/O.
type Adapter struct {
	backend MapStore
	config  AdapterConfig

	openMu sync.Mutex
	opened bool

	stateMu sync.RWMutex
	closed  bool
	calls   sync.WaitGroup
}

// NewAdapter wraps backend. The backend is not opened until the first call
// or Start.
func NewAdapter(backend MapStore, config AdapterConfig) *Adapter {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	return &Adapter{backend: backend, config: config}
}

// Backend returns the wrapped backend name.
func (a *Adapter) Backend() string {
	return a.backend.Name()
}

// Start opens the backend eagerly.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.calls.Done()
	return a.ensureOpen(ctx)
}

// begin registers an in-flight call unless the adapter is closed.
func (a *Adapter) begin() error {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	a.calls.Add(1)
	return nil
}

// ensureOpen opens the backend once. A failed open is retried by the next
// call.
func (a *Adapter) ensureOpen(ctx context.Context) error {
	a.openMu.Lock()
	defer a.openMu.Unlock()
	if a.opened {
		return nil
	}

	octx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer cancel()

	start := time.Now()
	if err := a.backend.Open(octx); err != nil {
		telemetry.StoreErrorsTotal.With("open", "connectivity").Inc()
		log.Error().Err(err).Str("backend", a.backend.Name()).Msg("Failed to open external store")
		var conn *ConnectivityError
		if errors.As(err, &conn) {
			return err
		}
		return &ConnectivityError{Backend: a.backend.Name(), Err: err}
	}

	a.opened = true
	log.Info().
		Str("backend", a.backend.Name()).
		Dur("took", time.Since(start)).
		Msg("External store opened")
	return nil
}

// call runs fn under the call timeout with metrics.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := a.begin(); err != nil {
		return err
	}
	defer a.calls.Done()

	if err := a.ensureOpen(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	telemetry.StoreCallSeconds.With(op).Observe(time.Since(start).Seconds())

	if err != nil {
		var timeout *TimeoutError
		if !errors.As(err, &timeout) && ctx.Err() == nil &&
			(errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)) {
			err = &TimeoutError{Op: op, Timeout: a.config.CallTimeout, Err: err}
		}
		telemetry.StoreErrorsTotal.With(op, errorKind(err)).Inc()
	}
	return err
}

// Load reads one key.
func (a *Adapter) Load(ctx context.Context, key string) (any, bool, error) {
	var (
		value any
		ok    bool
	)
	err := a.call(ctx, "load", func(ctx context.Context) error {
		var err error
		value, ok, err = a.backend.Load(ctx, key)
		return err
	})
	return value, ok, err
}

// LoadAll reads keys in chunks of BatchSize. Any chunk error fails the call.
func (a *Adapter) LoadAll(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, chunk := range chunkKeys(keys, a.config.BatchSize) {
		err := a.call(ctx, "load_all", func(ctx context.Context) error {
			values, err := a.backend.LoadAll(ctx, chunk)
			if err != nil {
				return err
			}
			for k, v := range values {
				out[k] = v
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadAllKeys streams every key stored in the backend. The stream is bounded
// by ctx only, not by the call timeout.
func (a *Adapter) LoadAllKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := a.begin(); err != nil {
			yield("", err)
			return
		}
		defer a.calls.Done()

		if err := a.ensureOpen(ctx); err != nil {
			yield("", err)
			return
		}

		for key, err := range a.backend.LoadAllKeys(ctx) {
			if err != nil {
				telemetry.StoreErrorsTotal.With("load_all_keys", errorKind(err)).Inc()
			}
			if !yield(key, err) || err != nil {
				return
			}
		}
	}
}

// Store writes one key.
func (a *Adapter) Store(ctx context.Context, key string, value any) error {
	err := a.call(ctx, "store", func(ctx context.Context) error {
		return a.backend.StoreAll(ctx, map[string]any{key: value})
	})
	return keyError(err, key)
}

// Delete removes one key.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	err := a.call(ctx, "delete", func(ctx context.Context) error {
		return a.backend.DeleteAll(ctx, []string{key})
	})
	return keyError(err, key)
}

// keyError unwraps a single-key batch failure to the error of that key.
func keyError(err error, key string) error {
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		if kerr, ok := partial.Failed[key]; ok && kerr != nil {
			return kerr
		}
	}
	return err
}

// StoreAll writes entries in chunks of BatchSize. When more than one chunk is
// needed, chunk failures are merged into a single *PartialFailureError.
func (a *Adapter) StoreAll(ctx context.Context, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chunks := chunkKeys(keys, a.config.BatchSize)
	return a.runChunks(ctx, "store_all", chunks, func(ctx context.Context, chunk []string) error {
		batch := make(map[string]any, len(chunk))
		for _, k := range chunk {
			batch[k] = entries[k]
		}
		return a.backend.StoreAll(ctx, batch)
	})
}

// DeleteAll removes keys in chunks of BatchSize.
func (a *Adapter) DeleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	chunks := chunkKeys(keys, a.config.BatchSize)
	return a.runChunks(ctx, "delete_all", chunks, a.backend.DeleteAll)
}

func (a *Adapter) runChunks(ctx context.Context, op string, chunks [][]string, fn func(context.Context, []string) error) error {
	if len(chunks) == 1 {
		return a.call(ctx, op, func(ctx context.Context) error { return fn(ctx, chunks[0]) })
	}

	failed := make(map[string]error)
	for _, chunk := range chunks {
		err := a.call(ctx, op, func(ctx context.Context) error { return fn(ctx, chunk) })
		if err == nil {
			continue
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		var partial *PartialFailureError
		if errors.As(err, &partial) {
			for k, e := range partial.Failed {
				failed[k] = e
			}
			continue
		}
		for _, k := range chunk {
			failed[k] = err
		}
	}
	if len(failed) > 0 {
		return &PartialFailureError{Op: op, Failed: failed}
	}
	return nil
}

// Close rejects new calls, waits for in-flight ones and closes the backend.
// It returns ctx.Err() if in-flight calls do not finish in time.
func (a *Adapter) Close(ctx context.Context) error {
	a.stateMu.Lock()
	if a.closed {
		a.stateMu.Unlock()
		return nil
	}
	a.closed = true
	a.stateMu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.calls.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		log.Warn().Str("backend", a.backend.Name()).Msg("Closing external store with calls still in flight")
	}

	a.openMu.Lock()
	defer a.openMu.Unlock()
	if !a.opened {
		return ctx.Err()
	}
	a.opened = false
	if err := a.backend.Close(ctx); err != nil {
		return err
	}
	log.Info().Str("backend", a.backend.Name()).Msg("External store closed")
	return ctx.Err()
}

func chunkKeys(keys []string, size int) [][]string {
	if len(keys) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(keys)+size-1)/size)
	for len(keys) > size {
		chunks = append(chunks, keys[:size])
		keys = keys[size:]
	}
	return append(chunks, keys)
}

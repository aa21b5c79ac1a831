// Package dmap is the partitioned in-memory map. Every mutation is applied
// under its partition lock, optionally persisted (write-through or
// write-behind) and published to the notification engine.
package dmap

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/notify"
	"github.com/maxpert/driftmap/store"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/maxpert/driftmap/writebehind"
	"github.com/rs/zerolog/log"
)

type partition struct {
	id      int
	mu      sync.Mutex
	entries map[string]any
	seq     uint64
}

// Map is a partitioned key/value map with change notifications.
type Map struct {
	config     Config
	partitions []*partition
	size       atomic.Int64

	adapter   *store.Adapter
	queue     *writebehind.Queue
	flusher   *writebehind.Flusher
	engine    *notify.Engine
	ownEngine bool
	filter    *KeyFilter
	nodeID    uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a map. No external calls are made until Start or the first
// operation that needs the store.
func New(config Config, opts ...Option) (*Map, error) {
	if config.Partitions <= 0 {
		config.Partitions = DefaultPartitions
	}
	if config.WriteMode == "" {
		config.WriteMode = cfg.WriteModeNone
	}
	if config.InitialLoad == "" {
		config.InitialLoad = cfg.InitialLoadLazy
	}
	if config.LoadBatchSize <= 0 {
		config.LoadBatchSize = DefaultLoadBatch
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}

	m := &Map{config: config}
	for _, opt := range opts {
		opt(m)
	}

	switch config.WriteMode {
	case cfg.WriteModeNone, cfg.WriteModeWriteThrough, cfg.WriteModeWriteBehind:
	default:
		return nil, fmt.Errorf("invalid write mode: %s", config.WriteMode)
	}
	needsStore := config.WriteMode != cfg.WriteModeNone ||
		config.ReadThrough ||
		config.InitialLoad == cfg.InitialLoadEager
	if needsStore && m.adapter == nil {
		return nil, ErrNoAdapter
	}

	if m.engine == nil {
		m.engine = notify.NewEngine(notify.EngineOptions{NaturalEventTypes: config.NaturalEventTypes})
		m.ownEngine = true
	}
	if config.KeyFilter && config.ReadThrough {
		m.filter = NewKeyFilter()
	}

	if config.WriteMode == cfg.WriteModeWriteBehind {
		if m.queue == nil {
			m.queue = writebehind.NewQueue(writebehind.QueueOptions{BatchSize: config.FlushBatchSize})
		}
		f, err := writebehind.NewFlusher(writebehind.FlusherConfig{
			Queue:           m.queue,
			Writer:          m.adapter,
			BatchSize:       config.FlushBatchSize,
			FlushInterval:   config.FlushInterval,
			ShutdownTimeout: config.ShutdownTimeout,
			OnFlushed:       m.onFlushed,
		})
		if err != nil {
			return nil, err
		}
		m.flusher = f
	} else {
		m.queue = nil
	}

	m.partitions = make([]*partition, config.Partitions)
	for i := range m.partitions {
		m.partitions[i] = &partition{id: i, entries: make(map[string]any)}
	}
	return m, nil
}

// Start opens the store, runs eager population and starts the write-behind
// flusher.
func (m *Map) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.adapter != nil {
		if err := m.adapter.Start(ctx); err != nil {
			return err
		}
	}
	if m.config.InitialLoad == cfg.InitialLoadEager {
		n, err := m.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("initial load: %w", err)
		}
		log.Info().Str("map", m.config.Name).Int("entries", n).Msg("Initial load complete")
	}
	if m.flusher != nil {
		m.flusher.Start()
	}
	return nil
}

// Name returns the configured map name.
func (m *Map) Name() string { return m.config.Name }

// Engine returns the notification engine.
func (m *Map) Engine() *notify.Engine { return m.engine }

// Queue returns the write-behind queue, or nil when write-behind is off.
func (m *Map) Queue() *writebehind.Queue { return m.queue }

// Backend names the external store, or "" when the map has none.
func (m *Map) Backend() string {
	if m.adapter == nil {
		return ""
	}
	return m.adapter.Backend()
}

// Partitions returns the partition count.
func (m *Map) Partitions() int { return len(m.partitions) }

// WriteMode returns the configured write mode.
func (m *Map) WriteMode() cfg.WriteMode { return m.config.WriteMode }

// KeyFilter returns the read-through key filter, or nil when disabled.
func (m *Map) KeyFilter() *KeyFilter { return m.filter }

func (m *Map) partitionFor(key string) *partition {
	return m.partitions[xxhash.Sum64String(key)%uint64(len(m.partitions))]
}

// PartitionID returns the partition key belongs to.
func (m *Map) PartitionID(key string) int {
	return m.partitionFor(key).id
}

// Put sets key to value and returns the previous value.
func (m *Map) Put(ctx context.Context, key string, value any) (any, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	if err := m.preload(ctx, key); err != nil {
		return nil, false, err
	}

	p := m.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	old, existed := p.entries[key]
	if err := m.writeThrough(ctx, key, value, false); err != nil {
		return nil, false, err
	}
	p.entries[key] = value
	kind := common.EventUpdated
	if !existed {
		m.size.Add(1)
		kind = common.EventAdded
	}
	m.commit(p, kind, key, old, value, common.OriginLocal, "put")
	return old, existed, nil
}

// Update replaces the value of an existing key.
func (m *Map) Update(ctx context.Context, key string, value any) (any, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := m.preload(ctx, key); err != nil {
		return nil, err
	}

	p := m.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	old, existed := p.entries[key]
	if !existed {
		return nil, ErrNotFound
	}
	if err := m.writeThrough(ctx, key, value, false); err != nil {
		return nil, err
	}
	p.entries[key] = value
	m.commit(p, common.EventUpdated, key, old, value, common.OriginLocal, "update")
	return old, nil
}

// Remove deletes key and returns its last value.
func (m *Map) Remove(ctx context.Context, key string) (any, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := m.preload(ctx, key); err != nil {
		return nil, err
	}

	p := m.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	old, existed := p.entries[key]
	if !existed {
		return nil, ErrNotFound
	}
	if err := m.writeThrough(ctx, key, nil, true); err != nil {
		return nil, err
	}
	delete(p.entries, key)
	m.size.Add(-1)
	m.commit(p, common.EventRemoved, key, old, nil, common.OriginLocal, "remove")
	return old, nil
}

// ApplyReplicated applies a mutation received from the partition owner. It
// is published to cluster-scope listeners only and is never written to the
// external store from this node.
func (m *Map) ApplyReplicated(kind common.EventKind, key string, value any) error {
	if m.closed.Load() {
		return ErrClosed
	}

	p := m.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	old, existed := p.entries[key]
	switch kind {
	case common.EventAdded, common.EventUpdated:
		p.entries[key] = value
		if !existed {
			m.size.Add(1)
		}
	case common.EventRemoved:
		if !existed {
			return nil
		}
		delete(p.entries, key)
		m.size.Add(-1)
		value = nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}

	// The owner's kind is corrected against local state
	if kind != common.EventRemoved {
		kind = common.EventUpdated
		if !existed {
			kind = common.EventAdded
		}
	}
	m.commit(p, kind, key, old, value, common.OriginRemote, "replicated")
	return nil
}

// commit finishes a mutation. Caller holds p.mu.
func (m *Map) commit(p *partition, kind common.EventKind, key string, old, value any, origin common.Origin, op string) {
	p.seq++
	if m.queue != nil && origin == common.OriginLocal {
		m.queue.Enqueue(key, value, kind == common.EventRemoved)
	}
	m.engine.Publish(common.Mutation{
		Kind:      kind,
		Key:       key,
		OldValue:  old,
		NewValue:  value,
		Partition: p.id,
		Sequence:  p.seq,
		Origin:    origin,
		NodeID:    m.nodeID,
		Timestamp: time.Now(),
	})
	telemetry.MapMutationsTotal.With(op).Inc()
}

func (m *Map) writeThrough(ctx context.Context, key string, value any, remove bool) error {
	if m.config.WriteMode != cfg.WriteModeWriteThrough {
		return nil
	}
	if remove {
		if err := m.adapter.Delete(ctx, key); err != nil {
			return fmt.Errorf("write-through delete %q: %w", key, err)
		}
		m.forget(key)
		return nil
	}
	if err := m.adapter.Store(ctx, key, value); err != nil {
		return fmt.Errorf("write-through store %q: %w", key, err)
	}
	m.remember(key)
	return nil
}

// Get returns the value for key, loading it from the store on a miss when
// read-through is enabled.
func (m *Map) Get(ctx context.Context, key string) (any, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}

	p := m.partitionFor(key)
	p.mu.Lock()
	v, ok := p.entries[key]
	p.mu.Unlock()
	if ok || !m.config.ReadThrough {
		return v, ok, nil
	}
	return m.load(ctx, p, key)
}

// ContainsKey reports whether key exists, with the same read-through
// behavior as Get.
func (m *Map) ContainsKey(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// preload makes a read-through map see the stored value of key before a
// mutation, so that old values and event kinds reflect the store.
func (m *Map) preload(ctx context.Context, key string) error {
	if !m.config.ReadThrough {
		return nil
	}
	p := m.partitionFor(key)
	p.mu.Lock()
	_, ok := p.entries[key]
	p.mu.Unlock()
	if ok {
		return nil
	}
	_, _, err := m.load(ctx, p, key)
	return err
}

// load reads key from the store without holding the partition lock and
// installs it only if the key is still absent and its partition saw no
// mutation meanwhile. Loads emit no events.
func (m *Map) load(ctx context.Context, p *partition, key string) (any, bool, error) {
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if cur, ok := p.entries[key]; ok {
			p.mu.Unlock()
			return cur, true, nil
		}
		seq := p.seq
		p.mu.Unlock()

		// A write not yet flushed is newer than anything stored
		if rec, ok := m.pendingWrite(key); ok && rec.Tombstone {
			telemetry.MapLoadsTotal.With("skipped").Inc()
			return nil, false, nil
		}
		if m.filter != nil && !m.filter.MayContain(key) {
			telemetry.MapLoadsTotal.With("skipped").Inc()
			return nil, false, nil
		}

		v, found, err := m.adapter.Load(ctx, key)
		if err != nil {
			telemetry.MapLoadsTotal.With("error").Inc()
			return nil, false, err
		}
		if !found {
			telemetry.MapLoadsTotal.With("miss").Inc()
			return nil, false, nil
		}

		outcome, cur := m.installIfUnchanged(p, key, v, seq)
		switch {
		case outcome == loadInstalled || outcome == loadPresent:
			telemetry.MapLoadsTotal.With("hit").Inc()
			return cur, true, nil
		case outcome == loadTombstoned || attempt+1 >= maxLoadAttempts:
			telemetry.MapLoadsTotal.With("skipped").Inc()
			return nil, false, nil
		}
	}
}

type loadOutcome int

const (
	loadInstalled  loadOutcome = iota // value installed
	loadPresent                       // key already in memory, current value returned
	loadTombstoned                    // a removal is pending, nothing installed
	loadStale                         // partition mutated since the read began
)

// installIfUnchanged installs v when p has not been mutated since seq was
// read and no tombstone is pending for key.
func (m *Map) installIfUnchanged(p *partition, key string, v any, seq uint64) (loadOutcome, any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[key]; ok {
		return loadPresent, cur
	}
	if p.seq != seq {
		return loadStale, nil
	}
	if rec, pending := m.pendingWrite(key); pending && rec.Tombstone {
		return loadTombstoned, nil
	}
	p.entries[key] = v
	m.size.Add(1)
	return loadInstalled, v
}

// LoadAll populates the map from every key in the store. Keys already in
// memory keep their value. It primes the key filter and returns the number
// of entries installed.
func (m *Map) LoadAll(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if m.adapter == nil {
		return 0, ErrNoAdapter
	}

	installed := 0
	batch := make([]string, 0, m.config.LoadBatchSize)
	loadBatch := func() error {
		keys := batch
		for attempt := 0; len(keys) > 0; attempt++ {
			if attempt >= maxLoadAttempts {
				log.Debug().Str("map", m.config.Name).Int("keys", len(keys)).Msg("Skipped keys mutated during load")
				break
			}
			seqs := m.partitionSeqs(keys)
			values, err := m.adapter.LoadAll(ctx, keys)
			if err != nil {
				return err
			}
			var retry []string
			for k, v := range values {
				switch outcome, _ := m.installIfUnchanged(m.partitionFor(k), k, v, seqs[k]); outcome {
				case loadInstalled:
					installed++
				case loadStale:
					retry = append(retry, k)
				}
			}
			keys = retry
		}
		batch = batch[:0]
		return nil
	}

	for key, err := range m.adapter.LoadAllKeys(ctx) {
		if err != nil {
			return installed, err
		}
		m.remember(key)
		batch = append(batch, key)
		if len(batch) == m.config.LoadBatchSize {
			if err := loadBatch(); err != nil {
				return installed, err
			}
		}
	}
	if len(batch) > 0 {
		if err := loadBatch(); err != nil {
			return installed, err
		}
	}

	if m.filter != nil {
		m.filter.Prime()
	}
	log.Debug().Str("map", m.config.Name).Int("installed", installed).Msg("Loaded entries from store")
	return installed, nil
}

func (m *Map) partitionSeqs(keys []string) map[string]uint64 {
	seqs := make(map[string]uint64, len(keys))
	for _, k := range keys {
		p := m.partitionFor(k)
		p.mu.Lock()
		seqs[k] = p.seq
		p.mu.Unlock()
	}
	return seqs
}

func (m *Map) pendingWrite(key string) (writebehind.Record, bool) {
	if m.queue == nil {
		return writebehind.Record{}, false
	}
	return m.queue.Latest(key)
}

func (m *Map) remember(key string) {
	if m.filter != nil {
		m.filter.Add(key)
	}
}

func (m *Map) forget(key string) {
	if m.filter != nil {
		m.filter.Remove(key)
	}
}

func (m *Map) onFlushed(stored, deleted []string) {
	for _, k := range stored {
		m.remember(k)
	}
	for _, k := range deleted {
		m.forget(k)
	}
}

// Size returns the number of in-memory entries.
func (m *Map) Size() int {
	return int(m.size.Load())
}

// Keys returns a sorted snapshot of the in-memory keys.
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.Size())
	for _, p := range m.partitions {
		p.mu.Lock()
		for k := range p.entries {
			keys = append(keys, k)
		}
		p.mu.Unlock()
	}
	slices.Sort(keys)
	return keys
}

// AddEntryListener registers l and returns the registration id.
func (m *Map) AddEntryListener(l notify.Listener, opts notify.RegisterOptions) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	return m.engine.Register(opts, l)
}

// RemoveEntryListener deregisters a listener. No event is delivered to it
// after this returns.
func (m *Map) RemoveEntryListener(id string) bool {
	return m.engine.Deregister(id)
}

// Flush writes every pending write-behind record now.
func (m *Map) Flush(ctx context.Context) (int, error) {
	if m.flusher == nil {
		return 0, nil
	}
	return m.flusher.Flush(ctx)
}

// Stats implements telemetry.StatsProvider.
func (m *Map) Stats() telemetry.Stats {
	s := telemetry.Stats{
		Entries:   m.Size(),
		Listeners: m.engine.Count(),
	}
	if m.queue != nil {
		s.Pending = m.queue.Pending()
		s.InFlight = m.queue.InFlight()
		s.DeadLetters = m.queue.DeadLetters().Len()
	}
	return s
}

// Close stops the flusher after a final flush and shuts down an engine the
// map created. The adapter and a shared engine are left to their owner.
func (m *Map) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.flusher != nil {
			m.flusher.Stop()
		}
		if m.ownEngine {
			timeout := m.config.CloseTimeout
			if dl, ok := ctx.Deadline(); ok {
				timeout = min(timeout, time.Until(dl))
			}
			m.engine.Close(timeout)
		}
		log.Info().Str("map", m.config.Name).Int("entries", m.Size()).Msg("Map closed")
	})
	return nil
}

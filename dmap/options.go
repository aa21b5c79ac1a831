package dmap

import (
	"time"

	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/notify"
	"github.com/maxpert/driftmap/store"
	"github.com/maxpert/driftmap/writebehind"
)

const (
	DefaultPartitions   = 271
	DefaultLoadBatch    = 500
	DefaultCloseTimeout = 5 * time.Second
)

// maxLoadAttempts bounds store reads retried because the partition changed
// while the read was in flight.
const maxLoadAttempts = 3

// Config controls a Map.
type Config struct {
	Name              string
	Partitions        int
	WriteMode         cfg.WriteMode
	ReadThrough       bool
	InitialLoad       cfg.InitialLoadMode
	KeyFilter         bool // Needs ReadThrough; primed by LoadAll
	NaturalEventTypes bool // Ignored when WithEngine supplies the engine

	// Write-behind flushing
	FlushBatchSize  int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration

	LoadBatchSize int           // Keys per LoadAll call during population
	CloseTimeout  time.Duration // Bound for draining listener mailboxes on Close
}

// ConfigFromGlobal builds a Config from the loaded configuration.
func ConfigFromGlobal(c *cfg.Configuration) Config {
	return Config{
		Name:              c.Map.Name,
		Partitions:        c.Map.Partitions,
		WriteMode:         c.Map.WriteMode,
		ReadThrough:       c.Map.ReadThrough,
		InitialLoad:       c.Map.InitialLoad,
		KeyFilter:         c.Map.KeyFilter,
		NaturalEventTypes: c.Map.NaturalEventTypes,
		FlushBatchSize:    c.WriteBehind.BatchSize,
		FlushInterval:     time.Duration(c.WriteBehind.FlushIntervalMS) * time.Millisecond,
		ShutdownTimeout:   time.Duration(c.WriteBehind.ShutdownTimeoutMS) * time.Millisecond,
		LoadBatchSize:     c.Store.BatchSize,
	}
}

// Option customizes a Map.
type Option func(*Map)

// WithAdapter sets the external store used by write-through, write-behind
// and read-through.
func WithAdapter(a *store.Adapter) Option {
	return func(m *Map) { m.adapter = a }
}

// WithQueue sets the write-behind queue. Without it a write-behind map
// creates an in-memory queue with default settings.
func WithQueue(q *writebehind.Queue) Option {
	return func(m *Map) { m.queue = q }
}

// WithEngine shares a notification engine. The map closes only engines it
// created itself.
func WithEngine(e *notify.Engine) Option {
	return func(m *Map) { m.engine = e }
}

// WithNodeID stamps events with the local node id.
func WithNodeID(id uint64) Option {
	return func(m *Map) { m.nodeID = id }
}

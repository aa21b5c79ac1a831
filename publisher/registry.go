package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/notify"
	"github.com/rs/zerolog/log"
)

// DefaultFormat is used when a sink does not name a format
const DefaultFormat = "json"

// ListenerHost is where forwarders are registered (*dmap.Map)
type ListenerHost interface {
	AddEntryListener(l notify.Listener, opts notify.RegisterOptions) (string, error)
	RemoveEntryListener(id string) bool
}

type registeredSink struct {
	config    cfg.SinkConfiguration
	forwarder *Forwarder
	sink      Sink
	opts      notify.RegisterOptions
	id        string
}

// SinkStatus describes a configured sink for the admin API
type SinkStatus struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	RegistrationID string `json:"registration_id,omitempty"`
	Published      uint64 `json:"published"`
	Failed         uint64 `json:"failed"`
}

// Registry manages the lifecycle of all sink forwarders
type Registry struct {
	sinks   []*registeredSink
	host    ListenerHost
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates forwarders for every sink configuration. Nothing is
// registered until Start.
func NewRegistry(sinkConfigs []cfg.SinkConfiguration) (*Registry, error) {
	registry := &Registry{
		sinks: make([]*registeredSink, 0, len(sinkConfigs)),
	}

	for _, sinkCfg := range sinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close sinks created so far
			for _, s := range registry.sinks {
				s.sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("sinks", len(registry.sinks)).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates a forwarder for the given sink configuration. A sink added
// to a running registry is registered immediately.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds, ok := common.ParseKinds(config.Kinds)
	if !ok {
		return fmt.Errorf("invalid event kinds: %v", config.Kinds)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	format := config.Format
	if format == "" {
		format = DefaultFormat
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterKeys)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	fwd, err := NewForwarder(ForwarderConfig{
		Name:            config.Name,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		Topic:           config.Topic,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create forwarder: %w", err)
	}

	rs := &registeredSink{
		config:    config,
		forwarder: fwd,
		sink:      snk,
		opts: notify.RegisterOptions{
			Name:         "sink:" + config.Name,
			Kinds:        kinds,
			IncludeValue: config.IncludeValue,
			// Every node forwards only the mutations it applied
			Scope: common.ScopeLocal,
		},
	}
	if r.running.Load() {
		if err := r.register(rs); err != nil {
			snk.Close()
			return err
		}
	}
	r.sinks = append(r.sinks, rs)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Str("topic", config.Topic).
		Msg("Added sink")

	return nil
}

func (r *Registry) register(rs *registeredSink) error {
	id, err := r.host.AddEntryListener(rs.forwarder, rs.opts)
	if err != nil {
		return fmt.Errorf("failed to register sink %q: %w", rs.config.Name, err)
	}
	rs.id = id
	return nil
}

// Start registers every forwarder as a listener on host
func (r *Registry) Start(host ListenerHost) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	if host == nil {
		return fmt.Errorf("listener host is required")
	}
	r.host = host

	log.Info().Int("sinks", len(r.sinks)).Msg("Starting publisher registry")

	for i, rs := range r.sinks {
		if err := r.register(rs); err != nil {
			for _, done := range r.sinks[:i] {
				host.RemoveEntryListener(done.id)
				done.id = ""
			}
			return err
		}
	}

	r.running.Store(true)
	return nil
}

// Stop deregisters all forwarders, aborts their retries and closes the sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping publisher registry")

	for _, rs := range r.sinks {
		rs.forwarder.Stop()
		if rs.id != "" {
			r.host.RemoveEntryListener(rs.id)
			rs.id = ""
		}
		if err := rs.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", rs.config.Name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Publisher registry stopped")
}

// Status returns a snapshot of every configured sink
func (r *Registry) Status() []SinkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SinkStatus, 0, len(r.sinks))
	for _, rs := range r.sinks {
		out = append(out, SinkStatus{
			Name:           rs.config.Name,
			Type:           rs.config.Type,
			Topic:          rs.config.Topic,
			RegistrationID: rs.id,
			Published:      rs.forwarder.Published(),
			Failed:         rs.forwarder.Failed(),
		})
	}
	return out
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}

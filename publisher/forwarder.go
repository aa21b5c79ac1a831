package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/notify"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 100
)

// ForwarderConfig configures a Forwarder
type ForwarderConfig struct {
	Name            string      // Sink name (for logs and metrics)
	Sink            Sink        // Destination sink
	Transformer     Transformer // Event transformer
	Filter          Filter      // Key filter
	Topic           string      // Destination topic or subject
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int // Attempts per event before it is dropped
}

// Forwarder is a notify.Listener that publishes every event it receives to
// a sink. Events arrive in order from the registration's mailbox, so a slow
// or failing sink holds back only this forwarder.
type Forwarder struct {
	config ForwarderConfig

	stopCh    chan struct{}
	stopOnce  sync.Once
	published atomic.Uint64
	failed    atomic.Uint64
}

var _ notify.Listener = (*Forwarder)(nil)

// NewForwarder validates config and applies defaults
func NewForwarder(config ForwarderConfig) (*Forwarder, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("forwarder name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.Filter == nil {
		config.Filter = &GlobFilter{}
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Forwarder{
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Name returns the sink name
func (f *Forwarder) Name() string { return f.config.Name }

// Published returns the number of events published
func (f *Forwarder) Published() uint64 { return f.published.Load() }

// Failed returns the number of events dropped after exhausting retries
func (f *Forwarder) Failed() uint64 { return f.failed.Load() }

// OnEvent publishes ev. Delivery is at-most-once: an event that still fails
// after MaxRetries, or while the forwarder stops, is logged and dropped.
func (f *Forwarder) OnEvent(ev common.ChangeEvent) {
	if !f.config.Filter.Match(ev.Key) {
		telemetry.SinkPublishTotal.With(f.config.Name, "filtered").Inc()
		return
	}

	if err := f.forward(ev); err != nil {
		f.failed.Add(1)
		telemetry.SinkPublishTotal.With(f.config.Name, "failed").Inc()
		log.Error().
			Err(err).
			Str("sink", f.config.Name).
			Str("key", ev.Key).
			Uint64("seq", ev.Sequence).
			Msg("Failed to forward event")
		return
	}
	f.published.Add(1)
	telemetry.SinkPublishTotal.With(f.config.Name, "ok").Inc()
}

func (f *Forwarder) forward(ev common.ChangeEvent) error {
	data, err := f.config.Transformer.Transform(ev)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	headers := EventHeaders(ev)
	msg := Message{Topic: f.config.Topic, Key: ev.Key, Value: data, Headers: headers}
	if err := f.publishWithRetry(msg); err != nil {
		return err
	}

	// For removals, also send a tombstone for log compaction
	if ev.Kind == common.EventRemoved {
		tombstone := Message{
			Topic:   f.config.Topic,
			Key:     ev.Key,
			Value:   f.config.Transformer.Tombstone(ev.Key),
			Headers: headers,
		}
		if err := f.publishWithRetry(tombstone); err != nil {
			return err
		}
	}
	return nil
}

// publishWithRetry publishes msg with exponential backoff retry.
// Returns error if max retries exhausted or the forwarder stopped.
func (f *Forwarder) publishWithRetry(msg Message) error {
	delay := f.config.RetryInitial
	attempts := 0

	for {
		err := f.config.Sink.Publish(msg)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= f.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", f.config.MaxRetries, msg.Topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", f.config.Name).
			Str("topic", msg.Topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !f.sleep(delay) {
			return fmt.Errorf("forwarder stopped during retry")
		}

		delay = time.Duration(float64(delay) * f.config.RetryMultiplier)
		if delay > f.config.RetryMax {
			delay = f.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (f *Forwarder) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Stop aborts pending retries. Safe to call more than once.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Package notify fans map mutations out to registered listeners.
//
// Each registration has its own unbounded mailbox and dispatch goroutine, so
// a slow or blocked listener never delays the mutation that produced the
// event, nor listeners on other registrations. Events for one registration
// are delivered in the order Publish was called.
package notify

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/predicate"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// EngineOptions configure event classification.
type EngineOptions struct {
	// NaturalEventTypes reclassifies updates by predicate transitions. An
	// entry moving into the predicate's set is reported as added, one moving
	// out as removed. When false an update is reported only if the new value
	// matches.
	NaturalEventTypes bool
}

// RegistrationInfo is a point-in-time view of a registration.
type RegistrationInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Kinds        []string `json:"kinds"`
	Predicate    string   `json:"predicate,omitempty"`
	IncludeValue bool     `json:"include_value"`
	Scope        string   `json:"scope"`
	State        string   `json:"state"`
	Pending      int      `json:"pending"`
	Delivered    uint64   `json:"delivered"`
	Dropped      uint64   `json:"dropped"`
}

// Engine routes mutations to matching registrations.
type Engine struct {
	opts   EngineOptions
	regs   *xsync.MapOf[string, *registration]
	closed atomic.Bool
}

// NewEngine creates an engine with no registrations.
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		opts: opts,
		regs: xsync.NewMapOf[string, *registration](),
	}
}

// Register adds a listener and returns its registration ID. The listener
// receives events for mutations published after Register returns.
func (e *Engine) Register(opts RegisterOptions, l Listener) (string, error) {
	if l == nil {
		return "", ErrNilListener
	}
	if e.closed.Load() {
		return "", ErrEngineClosed
	}

	id := uuid.Must(uuid.NewV7()).String()
	reg := newRegistration(id, opts, l)
	go reg.run()

	reg.state.Store(int32(StateActive))
	e.regs.Store(id, reg)
	telemetry.Listeners.Inc()

	// Close may have swept the table before the store above
	if e.closed.Load() {
		e.Deregister(id)
		return "", ErrEngineClosed
	}

	log.Debug().
		Str("registration", id).
		Str("listener", opts.Name).
		Str("predicate", describe(opts.Predicate)).
		Str("scope", opts.Scope.String()).
		Msg("Listener registered")
	return id, nil
}

// Deregister removes a registration. Events not yet delivered are discarded;
// an event already being delivered completes. It reports whether id was
// registered and is safe to call repeatedly, including from a listener.
func (e *Engine) Deregister(id string) bool {
	reg, ok := e.regs.LoadAndDelete(id)
	if !ok {
		return false
	}
	if reg.deactivate() {
		telemetry.Listeners.Dec()
		log.Debug().Str("registration", id).Msg("Listener deregistered")
	}
	return true
}

// Publish classifies m for every registration and enqueues matching events.
// It never blocks on a listener.
func (e *Engine) Publish(m common.Mutation) {
	if e.closed.Load() {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	e.regs.Range(func(_ string, reg *registration) bool {
		e.dispatch(reg, m)
		return true
	})
}

func (e *Engine) dispatch(reg *registration, m common.Mutation) {
	if !reg.active() || !reg.opts.Scope.Accepts(m.Origin) {
		return
	}

	kind, ok := e.classify(reg, m)
	if !ok || !reg.opts.Kinds.Has(kind) {
		return
	}

	ev := common.ChangeEvent{
		Kind:           kind,
		Key:            m.Key,
		Partition:      m.Partition,
		Sequence:       m.Sequence,
		Origin:         m.Origin,
		NodeID:         m.NodeID,
		RegistrationID: reg.id,
		Timestamp:      m.Timestamp,
	}
	if reg.opts.IncludeValue {
		switch kind {
		case common.EventAdded:
			ev.NewValue = m.NewValue
		case common.EventRemoved:
			ev.OldValue = m.OldValue
		default:
			ev.OldValue = m.OldValue
			ev.NewValue = m.NewValue
		}
	}

	if reg.enqueue(ev) {
		telemetry.EventsPublishedTotal.With(kind.String()).Inc()
	}
}

// classify decides which event, if any, a registration sees for m.
func (e *Engine) classify(reg *registration, m common.Mutation) (common.EventKind, bool) {
	switch m.Kind {
	case common.EventAdded:
		if !reg.opts.Kinds.Has(common.EventAdded) {
			return 0, false
		}
		return common.EventAdded, e.matches(reg, m.Key, m.NewValue)

	case common.EventRemoved:
		if !reg.opts.Kinds.Has(common.EventRemoved) {
			return 0, false
		}
		return common.EventRemoved, e.matches(reg, m.Key, m.OldValue)

	case common.EventUpdated:
		if !e.opts.NaturalEventTypes || reg.opts.Predicate == nil {
			if !reg.opts.Kinds.Has(common.EventUpdated) {
				return 0, false
			}
			return common.EventUpdated, e.matches(reg, m.Key, m.NewValue)
		}

		oldMatch := e.matches(reg, m.Key, m.OldValue)
		newMatch := e.matches(reg, m.Key, m.NewValue)
		switch {
		case oldMatch && newMatch:
			return common.EventUpdated, true
		case oldMatch:
			return common.EventRemoved, true
		case newMatch:
			return common.EventAdded, true
		}
	}
	return 0, false
}

// matches evaluates the registration predicate. Evaluation errors count as a
// non-match and never reach the mutation path.
func (e *Engine) matches(reg *registration, key string, value any) bool {
	ok, err := predicate.Evaluate(reg.opts.Predicate, key, value)
	if err != nil {
		telemetry.PredicateErrorsTotal.Inc()
		log.Warn().
			Err(err).
			Str("registration", reg.id).
			Str("listener", reg.opts.Name).
			Str("key", key).
			Msg("Predicate evaluation failed, treating as non-match")
		return false
	}
	return ok
}

// Count returns the number of active registrations.
func (e *Engine) Count() int {
	return e.regs.Size()
}

// Registration returns a snapshot of one registration.
func (e *Engine) Registration(id string) (RegistrationInfo, bool) {
	reg, ok := e.regs.Load(id)
	if !ok {
		return RegistrationInfo{}, false
	}
	return reg.info(), true
}

// Registrations returns snapshots of all registrations sorted by ID.
func (e *Engine) Registrations() []RegistrationInfo {
	out := make([]RegistrationInfo, 0, e.regs.Size())
	e.regs.Range(func(_ string, reg *registration) bool {
		out = append(out, reg.info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close deregisters every listener and waits up to timeout for dispatch
// goroutines to exit. Must not be called from a listener.
func (e *Engine) Close(timeout time.Duration) {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	var regs []*registration
	e.regs.Range(func(id string, reg *registration) bool {
		if r, ok := e.regs.LoadAndDelete(id); ok {
			if r.deactivate() {
				telemetry.Listeners.Dec()
			}
			regs = append(regs, r)
		}
		return true
	})

	deadline := time.After(timeout)
	for _, reg := range regs {
		select {
		case <-reg.done:
		case <-deadline:
			log.Warn().Int("registrations", len(regs)).Msg("Timed out waiting for listeners to finish")
			return
		}
	}
}

func (r *registration) info() RegistrationInfo {
	kinds := r.opts.Kinds.Slice()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return RegistrationInfo{
		ID:           r.id,
		Name:         r.opts.Name,
		Kinds:        names,
		Predicate:    describe(r.opts.Predicate),
		IncludeValue: r.opts.IncludeValue,
		Scope:        r.opts.Scope.String(),
		State:        r.currentState().String(),
		Pending:      r.pending(),
		Delivered:    r.delivered.Load(),
		Dropped:      r.dropped.Load(),
	}
}

func describe(p predicate.Predicate) string {
	if p == nil {
		return ""
	}
	return p.String()
}

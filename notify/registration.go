package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/predicate"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a registration.
type State int32

const (
	StateRegistered State = iota
	StateActive
	StateDeregistered
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDeregistered:
		return "deregistered"
	}
	return "unknown"
}

// Listener receives change events. One goroutine delivers events to a given
// registration, in the order they were published.
type Listener interface {
	OnEvent(event common.ChangeEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(event common.ChangeEvent)

func (f ListenerFunc) OnEvent(event common.ChangeEvent) { f(event) }

// RegisterOptions describes what a listener wants to receive.
type RegisterOptions struct {
	Name         string              // Shown in logs and the admin API
	Kinds        common.KindSet      // Zero means all kinds
	Predicate    predicate.Predicate // Nil matches every entry
	IncludeValue bool                // Populate OldValue/NewValue
	Scope        common.Scope
}

// registration owns a FIFO mailbox and the goroutine draining it.
type registration struct {
	id       string
	opts     RegisterOptions
	listener Listener

	state atomic.Int32

	mu    sync.Mutex
	queue []common.ChangeEvent
	wake  chan struct{}
	done  chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newRegistration(id string, opts RegisterOptions, l Listener) *registration {
	if opts.Kinds == 0 {
		opts.Kinds = common.AllKinds
	}
	r := &registration{
		id:       id,
		opts:     opts,
		listener: l,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	r.state.Store(int32(StateRegistered))
	return r
}

func (r *registration) currentState() State {
	return State(r.state.Load())
}

func (r *registration) active() bool {
	return r.currentState() == StateActive
}

// enqueue appends an event without blocking. Returns false if the
// registration no longer accepts events.
func (r *registration) enqueue(ev common.ChangeEvent) bool {
	r.mu.Lock()
	if !r.active() {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// deactivate moves the registration to its terminal state. Queued events are
// discarded by the dispatch goroutine.
func (r *registration) deactivate() bool {
	r.mu.Lock()
	prev := State(r.state.Swap(int32(StateDeregistered)))
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return prev != StateDeregistered
}

func (r *registration) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// run delivers queued events until the registration is deactivated.
func (r *registration) run() {
	defer close(r.done)

	for range r.wake {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		if !r.active() {
			r.mu.Unlock()
			r.drop(len(batch))
			return
		}
		r.mu.Unlock()

		for i, ev := range batch {
			// Deregistration stops delivery between events
			if !r.active() {
				r.drop(len(batch) - i)
				return
			}
			r.deliver(ev)
		}
	}
}

func (r *registration) drop(n int) {
	if n == 0 {
		return
	}
	r.dropped.Add(uint64(n))
	telemetry.EventsDroppedTotal.Add(float64(n))
}

func (r *registration) deliver(ev common.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.ListenerPanicsTotal.Inc()
			log.Error().
				Str("registration", r.id).
				Str("listener", r.opts.Name).
				Str("key", ev.Key).
				Interface("panic", rec).
				Msg("Listener panicked, continuing with next event")
		}
	}()

	r.listener.OnEvent(ev)
	r.delivered.Add(1)
	telemetry.EventsDeliveredTotal.Inc()
}

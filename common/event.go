// Package common provides the event model shared by the map, the
// notification engine and the publisher.
package common

import (
	"strings"
	"time"
)

// EventKind is the discriminant of a ChangeEvent.
type EventKind uint8

const (
	EventAdded EventKind = 1 << iota
	EventUpdated
	EventRemoved
)

// String returns the lower-case name used in logs, metrics and config.
func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseEventKind parses "added", "updated" or "removed" (case-insensitive).
func ParseEventKind(s string) (EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "added", "add", "insert":
		return EventAdded, true
	case "updated", "update":
		return EventUpdated, true
	case "removed", "remove", "delete":
		return EventRemoved, true
	}
	return 0, false
}

// KindSet is a set of event kinds a listener is interested in.
type KindSet uint8

// AllKinds matches every event kind.
const AllKinds = KindSet(EventAdded | EventUpdated | EventRemoved)

// Kinds builds a KindSet from individual kinds.
func Kinds(kinds ...EventKind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= KindSet(k)
	}
	return s
}

// ParseKinds builds a KindSet from names. An empty slice yields AllKinds.
func ParseKinds(names []string) (KindSet, bool) {
	if len(names) == 0 {
		return AllKinds, true
	}
	var s KindSet
	for _, n := range names {
		k, ok := ParseEventKind(n)
		if !ok {
			return 0, false
		}
		s |= KindSet(k)
	}
	return s, true
}

// Has reports whether k is in the set.
func (s KindSet) Has(k EventKind) bool {
	return s&KindSet(k) != 0
}

// Slice returns the kinds in the set in declaration order.
func (s KindSet) Slice() []EventKind {
	var out []EventKind
	for _, k := range []EventKind{EventAdded, EventUpdated, EventRemoved} {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Origin tells whether a mutation was applied by this node or replicated
// from the partition owner elsewhere.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Scope restricts which mutation origins a registration observes.
type Scope uint8

const (
	// ScopeCluster receives local and replicated mutations.
	ScopeCluster Scope = iota
	// ScopeLocal receives only mutations applied on this node.
	ScopeLocal
)

func (s Scope) String() string {
	if s == ScopeLocal {
		return "local"
	}
	return "cluster"
}

// Accepts reports whether a registration with this scope observes o.
func (s Scope) Accepts(o Origin) bool {
	return s == ScopeCluster || o == OriginLocal
}

// Mutation describes one change applied to a partition. It is the input to
// the notification engine.
type Mutation struct {
	Kind      EventKind
	Key       string
	OldValue  any // nil for EventAdded
	NewValue  any // nil for EventRemoved
	Partition int
	Sequence  uint64
	Origin    Origin
	NodeID    uint64
	Timestamp time.Time
}

// ChangeEvent is delivered to listeners. OldValue and NewValue are set only
// when the registration asked for values.
type ChangeEvent struct {
	Kind           EventKind
	Key            string
	OldValue       any
	NewValue       any
	Partition      int
	Sequence       uint64
	Origin         Origin
	NodeID         uint64
	RegistrationID string
	Timestamp      time.Time
}

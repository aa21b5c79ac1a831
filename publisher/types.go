package publisher

import "github.com/maxpert/driftmap/common"

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends one message to the sink
	Publish(msg Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink-specific formats
type Transformer interface {
	// Transform converts a change event to bytes for publishing
	Transform(event common.ChangeEvent) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether an event for key should be published
type Filter interface {
	Match(key string) bool
}

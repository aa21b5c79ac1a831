// Package writebehind persists map mutations to an external store
// asynchronously.
//
// Mutations are coalesced per key in a Queue: at most one pending Record
// exists for a key and it always carries the most recent value. A Flusher
// drains the queue in batches and reports per-key results back, so only keys
// that actually failed are retried. Records that keep failing are moved to
// the dead letter set instead of retrying forever.
package writebehind

import "time"

// Record is a pending write for one key.
type Record struct {
	Key        string    `msgpack:"key" json:"key"`
	Value      any       `msgpack:"value,omitempty" json:"value,omitempty"`
	Tombstone  bool      `msgpack:"tomb,omitempty" json:"tombstone"`
	EnqueuedAt time.Time `msgpack:"at" json:"enqueued_at"`
	Attempts   int       `msgpack:"attempts" json:"attempts"`
	NotBefore  time.Time `msgpack:"nb,omitempty" json:"not_before,omitempty"`
	LastError  string    `msgpack:"err,omitempty" json:"last_error,omitempty"`
}

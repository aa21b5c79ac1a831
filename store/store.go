// Package store persists map entries in an external system.
//
// Backends implement MapStore. The map never calls a backend directly: it
// goes through an Adapter, which opens the backend lazily, bounds each call
// with a timeout, splits large batches and drains in-flight calls on Close.
package store

import (
	"context"
	"iter"
)

// MapStore is the contract an external store backend implements.
//
// Batch operations that fail for only some keys return *PartialFailureError
// naming the failed keys. Any other error means the whole call failed.
type MapStore interface {
	// Name identifies the backend in logs and errors.
	Name() string

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Load returns the value for key. ok is false if the key does not exist.
	Load(ctx context.Context, key string) (value any, ok bool, err error)

	// LoadAll returns the values for keys. Missing keys are omitted.
	LoadAll(ctx context.Context, keys []string) (map[string]any, error)

	// LoadAllKeys streams every stored key. The sequence is lazy; iteration
	// stops at the first error.
	LoadAllKeys(ctx context.Context) iter.Seq2[string, error]

	StoreAll(ctx context.Context, entries map[string]any) error
	DeleteAll(ctx context.Context, keys []string) error
}

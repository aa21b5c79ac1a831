package dmap

import "errors"

var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("map closed")
	ErrNoAdapter   = errors.New("write mode or read-through requires a store adapter")
	ErrInvalidKind = errors.New("invalid event kind")
)

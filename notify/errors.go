package notify

import "errors"

var (
	ErrNilListener  = errors.New("listener is nil")
	ErrEngineClosed = errors.New("notification engine closed")
)

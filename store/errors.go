package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrClosed is returned by every Adapter call after Close.
var ErrClosed = errors.New("store adapter closed")

// ConnectivityError means the backend could not be reached or initialized.
type ConnectivityError struct {
	Backend string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("store %s unreachable: %v", e.Backend, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TimeoutError means a call exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("store %s timed out after %s: %v", e.Op, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// PartialFailureError reports the keys of a batch operation that failed.
// Keys not listed succeeded.
type PartialFailureError struct {
	Op     string
	Failed map[string]error
}

func (e *PartialFailureError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = append(keys[:5], "...")
	}
	return fmt.Sprintf("store %s failed for %d keys: %s", e.Op, len(e.Failed), strings.Join(keys, ", "))
}

// DeadLetterError is raised when a write-behind record exhausted its retries.
type DeadLetterError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("key %q dead-lettered after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *DeadLetterError) Unwrap() error { return e.Err }

// IsRetryable reports whether retrying the failed operation can succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	var dl *DeadLetterError
	return !errors.As(err, &dl)
}

// errorKind is the label used for store error metrics.
func errorKind(err error) string {
	var (
		conn    *ConnectivityError
		timeout *TimeoutError
		partial *PartialFailureError
	)
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &conn):
		return "connectivity"
	case errors.As(err, &partial):
		return "partial"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "other"
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent means an idempotency key was already sequenced.
	// Submitting it again is a no-op, never an error the feed must handle.
	ErrDuplicateEvent = errors.New("event already sequenced")

	// ErrMalformedEvent means an upstream payload could not be normalized.
	ErrMalformedEvent = errors.New("malformed feed event")

	// ErrMatchNotFound means no events have been sequenced for the match.
	ErrMatchNotFound = errors.New("match not found")

	// ErrBrokerUnavailable means the pub/sub backbone is unreachable.
	// The instance degrades to reconciliation-only delivery until it recovers.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrResultsUnavailable is the user-visible terminal state after
	// reconciliation retries are exhausted.
	ErrResultsUnavailable = errors.New("results temporarily unavailable")
)

// PersistenceError wraps a durable store failure. The event was not
// published; the caller retries with backoff.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

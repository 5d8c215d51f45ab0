package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrStoreNoEvents       = errors.New("no events to store")
	ErrTransport           = errors.New("transport error")
	ErrSerialization       = errors.New("serialization error")
	ErrChainIntegrity      = errors.New("chain integrity violation")
)

// TransportError wraps a broker or network failure. Appends that fail this
// way are safe to retry with the same idempotency token.
type TransportError struct {
	Op  string
	Err error
}

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string   { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// SerializationError marks a single message whose payload cannot be decoded.
type SerializationError struct {
	EventID string
	Seq     uint64
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization: event_id=%q seq=%d: %v", e.EventID, e.Seq, e.Err)
}
func (e *SerializationError) Unwrap() []error { return []error{ErrSerialization, e.Err} }

// ChainIntegrityError reports a broken content chain inside one aggregate
// stream. It means the log was reordered, has a hole or was modified.
type ChainIntegrityError struct {
	AggregateType string
	AggregateID   string
	Version       Version
	Reason        string
	Expected      string
	Actual        string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf(
		"chain integrity: %s/%s@%d: %s (expected=%q actual=%q)",
		e.AggregateType, e.AggregateID, e.Version, e.Reason, e.Expected, e.Actual,
	)
}
func (e *ChainIntegrityError) Unwrap() error { return ErrChainIntegrity }

// IsRetryable reports whether err is worth retrying with the same input.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransport) }

func conflictError(aggType, aggID string, expected, actual Version) error {
	return fmt.Errorf(
		"%w: expected version %d, got %d (agg_type=%s agg_id=%s)",
		ErrConcurrencyConflict, expected, actual, aggType, aggID,
	)
}

package sequencer

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGapExceeded = errors.New("sequence gap exceeded")
	ErrBufferFull          = errors.New("sequencer buffer full")
	// ErrStale is the drop reason for duplicates and events behind the
	// expected sequence.
	ErrStale = errors.New("stale sequence")
)

// GapExceededError is returned when an event is further ahead of the
// expected sequence than the sequencer is willing to buffer.
type GapExceededError struct {
	Scope       Scope
	AggregateID string
	Expected    uint64
	Got         uint64
	MaxGap      uint64
}

func (e *GapExceededError) Error() string {
	return fmt.Sprintf(
		"%s sequence gap too large for %q: expected %d, got %d (max %d)",
		e.Scope, e.AggregateID, e.Expected, e.Got, e.MaxGap,
	)
}

func (e *GapExceededError) Unwrap() error { return ErrSequenceGapExceeded }

package cqrs

import (
	"errors"
	"fmt"
)

var (
	ErrRejected       = errors.New("command rejected")
	ErrNotImplemented = errors.New("command not implemented")
	// ErrAggregateHalted is returned for every command to an aggregate whose
	// stream failed chain verification, until Release is called.
	ErrAggregateHalted = errors.New("aggregate halted")
)

// Rejection names the rule a command violated. It is an ordinary result,
// not a failure of the handler.
type Rejection struct {
	Rule   string
	Reason string
}

func Reject(rule, reason string, args ...any) *Rejection {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &Rejection{Rule: rule, Reason: reason}
}

func (r *Rejection) Error() string { return fmt.Sprintf("rejected by %s: %s", r.Rule, r.Reason) }
func (r *Rejection) Unwrap() error { return ErrRejected }

type NotImplementedError struct {
	Command string
}

func NotImplemented(cmd any) error { return &NotImplementedError{Command: fmt.Sprintf("%T", cmd)} }

func (e *NotImplementedError) Error() string { return "command not implemented: " + e.Command }
func (e *NotImplementedError) Unwrap() error { return ErrNotImplemented }

// AsRejection returns the rejection inside err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

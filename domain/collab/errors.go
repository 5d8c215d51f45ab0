package collab

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrUserNotInSession = errors.New("user not in session")
	ErrSessionFull      = errors.New("session is full")
	ErrElementLocked    = errors.New("element locked")
	ErrNotOwner         = errors.New("graph owned by another member")
)

// ElementLockedError is returned by StartEditing when another user holds
// the element. It is ordinary contention, not a failure.
type ElementLockedError struct {
	Element ElementKey
	Holder  string
}

func (e *ElementLockedError) Error() string {
	return fmt.Sprintf("element %s is locked by %s", e.Element, e.Holder)
}
func (e *ElementLockedError) Unwrap() error { return ErrElementLocked }

// NotOwnerError names the member that owns the sessions of a graph.
type NotOwnerError struct {
	GraphID string
	Owner   string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("graph %s is owned by %s", e.GraphID, e.Owner)
}
func (e *NotOwnerError) Unwrap() error { return ErrNotOwner }

package es

import (
	"fmt"
)

// Aggregate is a consistency boundary whose state is the left fold of its
// event stream. Domain types embed BaseAggregate and implement
// GetAggType, Register and Apply.
//
// The lifecycle is:
//  1. the Repository replays the stream through Apply
//  2. a command method decides and calls RaiseAndApply for each new event
//  3. the Repository appends Uncommitted() and calls ClearUncommitted()
type Aggregate interface {
	GetAggType() string
	GetID() string
	SetID(string)

	// GetVersion is the number of events applied.
	GetVersion() Version
	setVersion(Version)

	// GetSeq is the global stream sequence of the last applied event.
	GetSeq() uint64
	setSeq(uint64)

	// GetLastCID is the content identifier of the last applied event.
	GetLastCID() string
	setLastCID(string)

	Register(r Registrar)
	Raise(event any)
	Apply(event any) error

	Uncommitted() []any
	ClearUncommitted()
}

// BaseAggregate tracks identity, version and uncommitted events.
type BaseAggregate struct {
	id          string
	version     Version
	seq         uint64
	lastCID     string
	uncommitted []any
}

func (b *BaseAggregate) GetID() string         { return b.id }
func (b *BaseAggregate) SetID(id string)       { b.id = id }
func (b *BaseAggregate) GetVersion() Version   { return b.version }
func (b *BaseAggregate) setVersion(v Version)  { b.version = v }
func (b *BaseAggregate) GetSeq() uint64        { return b.seq }
func (b *BaseAggregate) setSeq(s uint64)       { b.seq = s }
func (b *BaseAggregate) GetLastCID() string    { return b.lastCID }
func (b *BaseAggregate) setLastCID(cid string) { b.lastCID = cid }

func (b *BaseAggregate) Raise(event any)   { b.uncommitted = append(b.uncommitted, event) }
func (b *BaseAggregate) ClearUncommitted() { b.uncommitted = nil }
func (b *BaseAggregate) Uncommitted() []any {
	out := make([]any, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply validates all events first, then records and applies them
// in order. A validation failure leaves the aggregate untouched.
func RaiseAndApply(a raiseApplier, events ...any) error {
	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			if err := ev.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", e, err)
			}
		}
	}
	for _, e := range events {
		a.Raise(e)
		if err := a.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

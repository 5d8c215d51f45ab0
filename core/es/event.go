package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/cimcore/internal/reflector"
)

// EventRegistry maps event type tags to constructors so that stored
// envelopes can be decoded back into concrete event values.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, &SerializationError{EventID: env.ID, Seq: env.Seq, Err: err}
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// Event returns a constructor producing a fresh *T per call.
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers constructors under the type tag of the value
// each of them produces.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

// EventTypeOf returns the type tag of ev: its EventType() if it has one,
// otherwise the bare Go type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

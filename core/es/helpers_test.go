package es_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/es"
)

type counter struct {
	es.BaseAggregate

	Count int `json:"count"`
}

type incremented struct {
	By int `json:"by"`
}

func (incremented) EventType() string { return "incremented" }

func (i *incremented) Validate() error {
	if i.By <= 0 {
		return errors.New("increment must be positive")
	}
	return nil
}

func (c *counter) GetAggType() string      { return "counter" }
func (c *counter) Register(r es.Registrar) { es.RegisterEvents(r, es.Event[incremented]()) }
func (c *counter) Apply(event any) error {
	switch e := event.(type) {
	case *incremented:
		c.Count += e.By
		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

func (c *counter) Inc(by int) error { return es.RaiseAndApply(c, &incremented{By: by}) }

func newRegistry() *es.EventRegistry {
	reg := es.NewRegistry()
	new(counter).Register(reg)
	return reg
}

func appendIncs(t *testing.T, store es.EventStore, aggID string, expect es.Version, by ...int) *es.StoreAppendResult {
	t.Helper()
	events := make([]any, 0, len(by))
	for _, b := range by {
		events = append(events, &incremented{By: b})
	}
	res, err := es.AppendEvents(t.Context(), store, "counter", aggID, expect, events)
	require.NoError(t, err)
	return res
}

// countingStore counts Load calls reaching the wrapped store.
type countingStore struct {
	es.EventStore
	loads atomic.Int32
}

func (c *countingStore) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) ([]es.Envelope, error) {
	c.loads.Add(1)
	return c.EventStore.Load(ctx, aggType, aggID, opts...)
}

// tamperingStore rewrites the payload of one loaded version.
type tamperingStore struct {
	es.EventStore
	version es.Version
}

func (s *tamperingStore) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) ([]es.Envelope, error) {
	envs, err := s.EventStore.Load(ctx, aggType, aggID, opts...)
	for i := range envs {
		if envs[i].Version == s.version {
			envs[i].Data = []byte(`{"by":1000}`)
		}
	}
	return envs, err
}

package cqrs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/cqrs"
	"github.com/codewandler/cimcore/core/es"
)

type account struct {
	es.BaseAggregate

	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
}

type (
	opened    struct{ Owner string }
	deposited struct{ Amount int }
	withdrawn struct{ Amount int }
)

type (
	openAccount struct {
		ID, Owner, Request string
	}
	deposit struct {
		ID     string
		Amount int
	}
	withdraw struct {
		ID     string
		Amount int
	}
	requestedDeposit struct {
		ID, Request string
		Amount      int
	}
	touch struct{ ID string }
	audit struct{ ID string }
)

func (c openAccount) AggregateID() string      { return c.ID }
func (c openAccount) Creates() bool            { return true }
func (c openAccount) CommandID() string        { return c.Request }
func (c deposit) AggregateID() string          { return c.ID }
func (c withdraw) AggregateID() string         { return c.ID }
func (c requestedDeposit) AggregateID() string { return c.ID }
func (c requestedDeposit) CommandID() string   { return c.Request }
func (c touch) AggregateID() string            { return c.ID }
func (c audit) AggregateID() string            { return c.ID }

func (a *account) GetAggType() string { return "account" }
func (a *account) Register(r es.Registrar) {
	es.RegisterEvents(r, es.Event[opened](), es.Event[deposited](), es.Event[withdrawn]())
}

func (a *account) Apply(event any) error {
	switch e := event.(type) {
	case *opened:
		a.Owner = e.Owner
	case *deposited:
		a.Balance += e.Amount
	case *withdrawn:
		a.Balance -= e.Amount
	default:
		return fmt.Errorf("unknown event: %T", event)
	}
	return nil
}

func (a *account) Execute(cmd cqrs.Command) error {
	switch c := cmd.(type) {
	case openAccount:
		if err := cqrs.Check(cqrs.True(c.Owner != "", "owner_required", "owner is empty")); err != nil {
			return err
		}
		return es.RaiseAndApply(a, &opened{Owner: c.Owner})
	case deposit:
		if err := cqrs.Check(cqrs.True(c.Amount > 0, "amount_positive", "amount %d", c.Amount)); err != nil {
			return err
		}
		return es.RaiseAndApply(a, &deposited{Amount: c.Amount})
	case requestedDeposit:
		return es.RaiseAndApply(a, &deposited{Amount: c.Amount})
	case withdraw:
		if err := cqrs.Check(
			cqrs.True(c.Amount > 0, "amount_positive", "amount %d", c.Amount),
			cqrs.False(c.Amount > a.Balance, "sufficient_funds", "balance %d < %d", a.Balance, c.Amount),
		); err != nil {
			return err
		}
		return es.RaiseAndApply(a, &withdrawn{Amount: c.Amount})
	case touch:
		return nil
	}
	return cqrs.NotImplemented(cmd)
}

func newHandler(t *testing.T, store es.EventStore, opts ...cqrs.Option) *cqrs.Handler[*account] {
	t.Helper()
	h := cqrs.NewHandler[*account](store, es.NewRegistry(), opts...)
	t.Cleanup(h.Close)
	return h
}

func open(t *testing.T, h *cqrs.Handler[*account], id string) {
	t.Helper()
	_, err := h.Handle(t.Context(), openAccount{ID: id, Owner: "alice"})
	require.NoError(t, err)
}

func TestHandler_Decide(t *testing.T) {
	store := es.NewInMemoryStore()
	h := newHandler(t, store)
	ctx := t.Context()
	open(t, h, "a1")

	out, err := h.Handle(ctx, deposit{ID: "a1", Amount: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, es.Version(2), out[0].Version)
	require.Equal(t, "deposited", out[0].Type)
	require.NotEmpty(t, out[0].CID)

	_, err = h.Handle(ctx, withdraw{ID: "a1", Amount: 20})
	require.ErrorIs(t, err, cqrs.ErrRejected)
	r, ok := cqrs.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, "sufficient_funds", r.Rule)
	require.Equal(t, "balance 10 < 20", r.Reason)

	out, err = h.Handle(ctx, touch{ID: "a1"})
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = h.Handle(ctx, audit{ID: "a1"})
	require.ErrorIs(t, err, cqrs.ErrNotImplemented)

	envs, err := store.Load(ctx, "account", "a1")
	require.NoError(t, err)
	require.Len(t, envs, 2)

	a, err := h.Load(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 10, a.Balance)
	require.Equal(t, "alice", a.Owner)
}

func TestHandler_MissingAggregate(t *testing.T) {
	h := newHandler(t, es.NewInMemoryStore())

	_, err := h.Handle(t.Context(), deposit{ID: "nope", Amount: 1})
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	_, err = h.Handle(t.Context(), deposit{Amount: 1})
	r, ok := cqrs.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, "aggregate_id", r.Rule)
}

func TestHandler_Creation(t *testing.T) {
	store := es.NewInMemoryStore()
	h := newHandler(t, store)
	ctx := t.Context()

	_, err := h.Handle(ctx, openAccount{ID: "a1"})
	r, ok := cqrs.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, "owner_required", r.Rule)

	first, err := h.Handle(ctx, openAccount{ID: "a1", Owner: "alice", Request: "r1"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	t.Run("retry with the same request id", func(t *testing.T) {
		again, err := h.Handle(ctx, openAccount{ID: "a1", Owner: "alice", Request: "r1"})
		require.NoError(t, err)
		require.Equal(t, first, again)
	})

	t.Run("another request", func(t *testing.T) {
		_, err := h.Handle(ctx, openAccount{ID: "a1", Owner: "bob", Request: "r2"})
		r, ok := cqrs.AsRejection(err)
		require.True(t, ok)
		require.Equal(t, "aggregate_exists", r.Rule)
	})

	t.Run("no request id", func(t *testing.T) {
		_, err := h.Handle(ctx, openAccount{ID: "a1", Owner: "bob"})
		r, ok := cqrs.AsRejection(err)
		require.True(t, ok)
		require.Equal(t, "aggregate_exists", r.Rule)
	})

	envs, err := store.Load(ctx, "account", "a1")
	require.NoError(t, err)
	require.Len(t, envs, 1)
}

func TestHandler_CreationUnderLastWriterWins(t *testing.T) {
	store := es.NewInMemoryStore()
	h := newHandler(t, store, cqrs.WithRepositoryOptions(es.WithConcurrencyPolicy(es.LastWriterWins)))
	ctx := t.Context()

	first, err := h.Handle(ctx, openAccount{ID: "a1", Owner: "alice", Request: "r1"})
	require.NoError(t, err)
	_, err = h.Handle(ctx, deposit{ID: "a1", Amount: 5})
	require.NoError(t, err)

	_, err = h.Handle(ctx, openAccount{ID: "a1", Owner: "bob", Request: "fresh"})
	r, ok := cqrs.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, "aggregate_exists", r.Rule)

	again, err := h.Handle(ctx, openAccount{ID: "a1", Owner: "alice", Request: "r1"})
	require.NoError(t, err)
	require.Equal(t, first, again)

	envs, err := store.Load(ctx, "account", "a1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, "opened", envs[0].Type)
	require.Equal(t, "deposited", envs[1].Type)
}

func TestHandler_RequestIDsArePerAggregate(t *testing.T) {
	store := es.NewInMemoryStore()
	h := newHandler(t, store)
	ctx := t.Context()
	open(t, h, "a1")
	open(t, h, "a2")

	for _, id := range []string{"a1", "a2"} {
		out, err := h.Handle(ctx, requestedDeposit{ID: id, Amount: 3, Request: "req-1"})
		require.NoError(t, err)
		require.Len(t, out, 1, id)
		require.Equal(t, id, out[0].AggregateID)

		a, err := h.Load(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 3, a.Balance, id)
	}
}

func TestHandler_RetryAfterCommitReturnsStoredEvents(t *testing.T) {
	h := newHandler(t, es.NewInMemoryStore())
	ctx := t.Context()
	open(t, h, "a1")

	first, err := h.Handle(ctx, requestedDeposit{ID: "a1", Amount: 3, Request: "req-1"})
	require.NoError(t, err)
	_, err = h.Handle(ctx, deposit{ID: "a1", Amount: 1})
	require.NoError(t, err)

	again, err := h.Handle(ctx, requestedDeposit{ID: "a1", Amount: 3, Request: "req-1"})
	require.NoError(t, err)
	require.Equal(t, first, again)

	a, err := h.Load(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 4, a.Balance, "the retry was not applied twice")
}

func TestHandler_SerializesPerAggregate(t *testing.T) {
	h := newHandler(t, es.NewInMemoryStore())
	ctx := t.Context()
	open(t, h, "a1")
	open(t, h, "a2")

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(ctx, deposit{ID: fmt.Sprintf("a%d", i%2+1), Amount: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []string{"a1", "a2"} {
		a, err := h.Load(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 50, a.Balance)
		require.Equal(t, es.Version(51), a.GetVersion())
	}
}

// lossyStore stores appends but reports the first failures as transport
// errors, like a broker whose acknowledgement got lost.
type lossyStore struct {
	es.EventStore
	lose    atomic.Int32
	appends atomic.Int32
}

func (s *lossyStore) Append(ctx context.Context, aggType, aggID string, expect es.Version, envs []es.Envelope, opts ...es.AppendOption) (*es.StoreAppendResult, error) {
	s.appends.Add(1)
	res, err := s.EventStore.Append(ctx, aggType, aggID, expect, envs, opts...)
	if err == nil && s.lose.Add(-1) >= 0 {
		return nil, es.NewTransportError("publish", errors.New("ack timeout"))
	}
	return res, err
}

// downStore fails every append.
type downStore struct {
	es.EventStore
	appends atomic.Int32
}

func (s *downStore) Append(context.Context, string, string, es.Version, []es.Envelope, ...es.AppendOption) (*es.StoreAppendResult, error) {
	s.appends.Add(1)
	return nil, es.NewTransportError("publish", errors.New("no responders"))
}

func TestHandler_RetriesTransportErrors(t *testing.T) {
	t.Run("lost ack", func(t *testing.T) {
		store := &lossyStore{EventStore: es.NewInMemoryStore()}
		h := newHandler(t, store, cqrs.WithRetryBudget(3, time.Millisecond))
		open(t, h, "a1")

		store.lose.Store(2)
		out, err := h.Handle(t.Context(), deposit{ID: "a1", Amount: 5})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, es.Version(2), out[0].Version)

		envs, err := store.Load(t.Context(), "account", "a1")
		require.NoError(t, err)
		require.Len(t, envs, 2)
		require.Equal(t, out[0], envs[1])
	})

	t.Run("budget exhausted", func(t *testing.T) {
		mem := es.NewInMemoryStore()
		open(t, newHandler(t, mem), "a1")

		store := &downStore{EventStore: mem}
		h := newHandler(t, store, cqrs.WithRetryBudget(2, time.Millisecond))
		_, err := h.Handle(t.Context(), deposit{ID: "a1", Amount: 5})
		require.ErrorIs(t, err, es.ErrTransport)
		require.EqualValues(t, 3, store.appends.Load())
	})
}

// racingStore lets a competing writer append between load and save.
type racingStore struct {
	es.EventStore
	race atomic.Bool
}

func (s *racingStore) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) ([]es.Envelope, error) {
	envs, err := s.EventStore.Load(ctx, aggType, aggID, opts...)
	if err == nil && s.race.CompareAndSwap(true, false) {
		if _, err := es.AppendEvents(ctx, s.EventStore, aggType, aggID, es.AnyVersion, []any{&deposited{Amount: 1}}); err != nil {
			return nil, err
		}
	}
	return envs, err
}

func TestHandler_StaleWriter(t *testing.T) {
	store := &racingStore{EventStore: es.NewInMemoryStore()}
	h := newHandler(t, store)
	open(t, h, "a1")

	store.race.Store(true)
	_, err := h.Handle(t.Context(), deposit{ID: "a1", Amount: 5})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	out, err := h.Handle(t.Context(), deposit{ID: "a1", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, es.Version(3), out[0].Version)
}

// corruptStore rewrites a stored payload while armed.
type corruptStore struct {
	es.EventStore
	armed atomic.Bool
}

func (s *corruptStore) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) ([]es.Envelope, error) {
	envs, err := s.EventStore.Load(ctx, aggType, aggID, opts...)
	if s.armed.Load() && len(envs) > 1 {
		envs[1].Data = []byte(`{"Amount":1000}`)
	}
	return envs, err
}

func TestHandler_HaltsOnBrokenChain(t *testing.T) {
	store := &corruptStore{EventStore: es.NewInMemoryStore()}
	h := newHandler(t, store)
	ctx := t.Context()
	open(t, h, "a1")
	open(t, h, "a2")
	_, err := h.Handle(ctx, deposit{ID: "a1", Amount: 5})
	require.NoError(t, err)

	store.armed.Store(true)
	_, err = h.Handle(ctx, deposit{ID: "a1", Amount: 5})
	require.ErrorIs(t, err, cqrs.ErrAggregateHalted)
	require.ErrorIs(t, err, es.ErrChainIntegrity)
	require.Equal(t, []string{"a1"}, h.Halted())

	// other aggregates keep working
	_, err = h.Handle(ctx, deposit{ID: "a2", Amount: 1})
	require.NoError(t, err)

	store.armed.Store(false)
	_, err = h.Handle(ctx, deposit{ID: "a1", Amount: 5})
	require.ErrorIs(t, err, cqrs.ErrAggregateHalted)

	h.Release("a1")
	require.Empty(t, h.Halted())
	_, err = h.Handle(ctx, deposit{ID: "a1", Amount: 5})
	require.NoError(t, err)

	a, err := h.Load(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 10, a.Balance)
}

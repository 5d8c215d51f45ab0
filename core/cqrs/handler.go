// Package cqrs is the command side: a Handler loads an aggregate, lets it
// decide on a command and appends the resulting events.
package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/core/perkey"
)

type Command interface {
	AggregateID() string
}

// Creator is implemented by commands that start a new aggregate.
type Creator interface {
	Creates() bool
}

// Identified commands carry a caller-chosen id that makes retries of the same
// command idempotent.
type Identified interface {
	CommandID() string
}

// Aggregate is an event-sourced aggregate with a pure decision function.
// Execute inspects state and cmd and either raises events through
// es.RaiseAndApply or returns a *Rejection. Unknown commands return
// NotImplemented(cmd).
type Aggregate interface {
	es.Aggregate
	Execute(cmd Command) error
}

type handlerOpts struct {
	log          *slog.Logger
	repoOpts     []es.RepositoryOption
	retryBudget  int
	retryBackoff time.Duration
}

type Option func(*handlerOpts)

func WithLog(log *slog.Logger) Option { return func(o *handlerOpts) { o.log = log } }

func WithRepositoryOptions(opts ...es.RepositoryOption) Option {
	return func(o *handlerOpts) { o.repoOpts = append(o.repoOpts, opts...) }
}

// WithRetryBudget sets how often an append failing with a transport error is
// retried before the error is returned.
func WithRetryBudget(n int, backoff time.Duration) Option {
	return func(o *handlerOpts) {
		o.retryBudget = n
		o.retryBackoff = backoff
	}
}

// Handler serializes commands per aggregate id. Commands for different
// aggregates run concurrently.
type Handler[T Aggregate] struct {
	store   es.EventStore
	repo    es.TypedRepository[T]
	aggType string
	sched   *perkey.Scheduler[string]
	log     *slog.Logger
	opts    handlerOpts

	mu     sync.Mutex
	halted map[string]error
}

func NewHandler[T Aggregate](store es.EventStore, registry *es.EventRegistry, opts ...Option) *Handler[T] {
	o := handlerOpts{
		log:          slog.Default(),
		retryBudget:  3,
		retryBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	repo := es.NewTypedRepository[T](store, registry, append([]es.RepositoryOption{es.WithLog(o.log)}, o.repoOpts...)...)
	aggType := repo.GetAggType()
	return &Handler[T]{
		store:   store,
		repo:    repo,
		aggType: aggType,
		sched:   perkey.New[string](),
		log:     o.log.With(slog.String("handler", aggType)),
		opts:    o,
		halted:  map[string]error{},
	}
}

// Handle runs cmd against its aggregate and returns the events it appended.
// Nothing is returned unless it was stored; on any error the loaded
// aggregate is discarded.
func (h *Handler[T]) Handle(ctx context.Context, cmd Command) ([]es.Envelope, error) {
	aggID := cmd.AggregateID()
	if aggID == "" {
		return nil, Reject("aggregate_id", "command %T has no aggregate id", cmd)
	}
	if err := h.haltedErr(aggID); err != nil {
		return nil, err
	}

	var out []es.Envelope
	err := h.sched.DoContext(ctx, aggID, func() (err error) {
		out, err = h.handle(ctx, aggID, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handler[T]) handle(ctx context.Context, aggID string, cmd Command) ([]es.Envelope, error) {
	log := h.log.With(slog.String("agg_id", aggID), slog.String("cmd", fmt.Sprintf("%T", cmd)))

	// a retry of a command that already committed gets its events back
	// instead of being decided again against the newer state
	if envs, err := h.committed(ctx, aggID, commandID(cmd)); err != nil || len(envs) > 0 {
		if len(envs) > 0 {
			log.Debug("command already committed", slog.Int("num_events", len(envs)))
		}
		return envs, err
	}

	agg, err := h.load(ctx, aggID, cmd)
	if err != nil {
		if errors.Is(err, es.ErrChainIntegrity) {
			h.halt(aggID, err)
			log.Error("aggregate halted", slog.Any("error", err))
			return nil, fmt.Errorf("%w: %w", ErrAggregateHalted, err)
		}
		return nil, err
	}

	if err := agg.Execute(cmd); err != nil {
		log.Debug("command not applied", slog.Any("error", err))
		return nil, err
	}
	n := len(agg.Uncommitted())
	if n == 0 {
		return nil, nil
	}

	token := commandID(cmd)
	if token == "" {
		token = uuid.NewString()
	}

	saveOpts := []es.SaveOption{es.WithIdempotencyToken(token)}
	if creates(cmd) {
		saveOpts = append(saveOpts, es.WithExpectedVersion(0))
	}

	var res *es.StoreAppendResult
	for attempt := 0; ; attempt++ {
		res, err = h.repo.Save(ctx, agg, saveOpts...)
		if err == nil {
			break
		}
		if creates(cmd) && errors.Is(err, es.ErrConcurrencyConflict) {
			return nil, Reject("aggregate_exists", "%s %s already exists", h.aggType, aggID)
		}
		if !es.IsRetryable(err) || attempt >= h.opts.retryBudget {
			return nil, err
		}
		log.Warn("append failed, retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.opts.retryBackoff):
		}
	}

	if !res.Duplicate {
		return res.Events, nil
	}
	// an earlier attempt of this command was stored; report its events
	envs, err := h.store.Load(ctx, h.aggType, aggID, es.WithStartVersion(res.LastVersion-es.Version(n)+1))
	if err != nil {
		return nil, err
	}
	if len(envs) > n {
		envs = envs[:n]
	}
	return envs, nil
}

func (h *Handler[T]) committed(ctx context.Context, aggID, token string) ([]es.Envelope, error) {
	lookup, ok := h.store.(es.TokenLookup)
	if !ok || token == "" {
		return nil, nil
	}
	return lookup.Committed(ctx, h.aggType, aggID, token)
}

func creates(cmd Command) bool {
	c, ok := cmd.(Creator)
	return ok && c.Creates()
}

func commandID(cmd Command) string {
	if id, ok := cmd.(Identified); ok {
		return id.CommandID()
	}
	return ""
}

// load returns the aggregate cmd runs against. Creation commands start from
// an empty aggregate. When one already exists they are rejected, unless they
// carry a command id: then the append, which always expects version 0, either
// finds the earlier attempt of the same command in the dedup window or fails
// the version check.
func (h *Handler[T]) load(ctx context.Context, aggID string, cmd Command) (T, error) {
	if !creates(cmd) {
		return h.repo.GetByID(ctx, aggID)
	}
	var zero T
	err := h.repo.Load(ctx, h.repo.NewWithID(aggID))
	switch {
	case errors.Is(err, es.ErrAggregateNotFound):
	case err != nil:
		return zero, err
	case commandID(cmd) == "":
		return zero, Reject("aggregate_exists", "%s %s already exists", h.aggType, aggID)
	}
	return h.repo.NewWithID(aggID), nil
}

// Load returns the current state of an aggregate.
func (h *Handler[T]) Load(ctx context.Context, aggID string) (T, error) {
	return h.repo.GetByID(ctx, aggID)
}

func (h *Handler[T]) halt(aggID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted[aggID] = err
}

func (h *Handler[T]) haltedErr(aggID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.halted[aggID]; ok {
		return fmt.Errorf("%w: %w", ErrAggregateHalted, err)
	}
	return nil
}

// Release lifts the halt of an aggregate after its stream was repaired.
func (h *Handler[T]) Release(aggID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.halted, aggID)
}

// Halted lists the ids of halted aggregates.
func (h *Handler[T]) Halted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.halted))
	for id := range h.halted {
		out = append(out, id)
	}
	return out
}

func (h *Handler[T]) Close() { h.sched.Close() }

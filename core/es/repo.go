package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// ConcurrencyPolicy decides what Save does when the stream moved since the
// aggregate was loaded.
type ConcurrencyPolicy int

const (
	// RejectOnConflict fails the save with ErrConcurrencyConflict.
	RejectOnConflict ConcurrencyPolicy = iota
	// LastWriterWins appends regardless of the stream's current version.
	LastWriterWins
)

func (p ConcurrencyPolicy) String() string {
	if p == LastWriterWins {
		return "last_writer_wins"
	}
	return "reject"
}

type (
	repoOptions struct {
		log           *slog.Logger
		metrics       ESMetrics
		snapshotter   Snapshotter
		snapshotEvery uint64
		verifyChain   bool
		policy        ConcurrencyPolicy
	}
	RepositoryOption        interface{ applyToRepository(*repoOptions) }
	SnapshotterOption       valueOption[Snapshotter]
	SnapshotEveryOption     valueOption[uint64]
	VerifyChainOption       valueOption[bool]
	ConcurrencyPolicyOption valueOption[ConcurrencyPolicy]
)

func WithSnapshotter(s Snapshotter) SnapshotterOption { return SnapshotterOption{v: s} }

// WithSnapshotEvery saves a snapshot whenever a save crosses a multiple of n
// versions. Zero disables automatic snapshots.
func WithSnapshotEvery(n uint64) SnapshotEveryOption { return SnapshotEveryOption{v: n} }

// WithChainVerification toggles CID chain checks on load. On by default.
func WithChainVerification(on bool) VerifyChainOption { return VerifyChainOption{v: on} }

func WithConcurrencyPolicy(p ConcurrencyPolicy) ConcurrencyPolicyOption {
	return ConcurrencyPolicyOption{v: p}
}

func (o LogOption) applyToRepository(r *repoOptions)               { r.log = o.l }
func (o ESMetricsOption) applyToRepository(r *repoOptions)         { r.metrics = o.m }
func (o SnapshotterOption) applyToRepository(r *repoOptions)       { r.snapshotter = o.v }
func (o SnapshotEveryOption) applyToRepository(r *repoOptions)     { r.snapshotEvery = o.v }
func (o VerifyChainOption) applyToRepository(r *repoOptions)       { r.verifyChain = o.v }
func (o ConcurrencyPolicyOption) applyToRepository(r *repoOptions) { r.policy = o.v }

type (
	repoSaveOptions struct {
		snapshot bool
		token    string
		expect   *Version
	}
	repoLoadOptions struct {
		snapshot *bool
	}
	SaveOption     interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption     interface{ applyToRepoLoadOptions(*repoLoadOptions) }
	SnapshotOption valueOption[bool]
	ExpectOption   valueOption[Version]
)

// WithSnapshot forces a snapshot after Save, or on Load decides whether the
// configured snapshotter is consulted (default: yes).
func WithSnapshot(on bool) SnapshotOption { return SnapshotOption{v: on} }

// WithExpectedVersion makes Save expect the stream at v regardless of the
// concurrency policy. Creation uses 0 so that it never lands on an existing
// stream.
func WithExpectedVersion(v Version) ExpectOption { return ExpectOption{v: v} }

func (o SnapshotOption) applyToSaveOptions(s *repoSaveOptions)     { s.snapshot = o.v }
func (o ExpectOption) applyToSaveOptions(s *repoSaveOptions)       { s.expect = &o.v }
func (o SnapshotOption) applyToRepoLoadOptions(l *repoLoadOptions) { l.snapshot = &o.v }
func (o TokenOption) applyToSaveOptions(s *repoSaveOptions)        { s.token = o.v }

type Repository interface {
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) (*StoreAppendResult, error)
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

// repository rehydrates aggregates and persists their uncommitted events.
type repository struct {
	log      *slog.Logger
	store    EventStore
	registry *EventRegistry
	opts     repoOptions
}

func NewRepository(store EventStore, registry *EventRegistry, opts ...RepositoryOption) Repository {
	options := repoOptions{
		log:         slog.Default(),
		metrics:     NopESMetrics(),
		verifyChain: true,
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return &repository{
		log:      options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:    store,
		registry: registry,
		opts:     options,
	}
}

func checkIdentity(agg Aggregate) error {
	if agg.GetAggType() == "" {
		return errors.New("aggregate type is empty")
	}
	if agg.GetID() == "" {
		return errors.New("aggregate id is empty")
	}
	return nil
}

// Load folds the stored stream of agg into it, starting from the latest
// snapshot when a snapshotter is configured. The loaded events are checked
// against the CID chain before they are applied.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error {
	if err := checkIdentity(agg); err != nil {
		return err
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events")
	}
	aggType, aggID := agg.GetAggType(), agg.GetID()
	defer r.opts.metrics.RepoLoadDuration(aggType).ObserveDuration()

	lo := repoLoadOptions{}
	for _, opt := range opts {
		opt.applyToRepoLoadOptions(&lo)
	}
	useSnapshot := r.opts.snapshotter != nil
	if lo.snapshot != nil {
		useSnapshot = *lo.snapshot
	}

	log := r.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)))

	if useSnapshot {
		ss, err := ApplySnapshot(ctx, r.opts.snapshotter, agg)
		switch {
		case errors.Is(err, ErrSnapshotNotFound):
		case err != nil:
			return fmt.Errorf("failed to apply snapshot: %w", err)
		default:
			log.Debug("snapshot applied", ss.logAttrs())
		}
	}

	cur := agg.GetVersion()
	loaded, err := r.store.Load(ctx, aggType, aggID, WithStartVersion(cur+1))
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) && cur > 0 {
			loaded = nil
		} else {
			return err
		}
	}

	if r.opts.verifyChain && len(loaded) > 0 {
		if loaded[0].Version != cur+1 {
			r.opts.metrics.ChainViolation(aggType)
			return &ChainIntegrityError{
				AggregateType: aggType,
				AggregateID:   aggID,
				Version:       loaded[0].Version,
				Reason:        "stream does not continue the loaded state",
				Expected:      (cur + 1).String(),
				Actual:        loaded[0].Version.String(),
			}
		}
		if err := VerifyChain(loaded, agg.GetLastCID()); err != nil {
			r.opts.metrics.ChainViolation(aggType)
			log.Error("chain verification failed", slog.Any("error", err))
			return err
		}
	}

	for _, e := range loaded {
		if expect := agg.GetVersion() + 1; e.Version != expect {
			return fmt.Errorf("expect version %d, got %d", expect, e.Version)
		}
		evt, err := r.registry.Decode(e)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}
		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
		agg.setLastCID(e.CID)
	}

	if agg.GetVersion() == 0 {
		return ErrAggregateNotFound
	}

	log.Debug("loaded", agg.GetVersion().SlogAttr(), slog.Int("num_events", len(loaded)))
	return nil
}

// Save appends the uncommitted events of agg. Under RejectOnConflict the
// append expects the version agg was loaded at. On success agg takes the
// store's version, sequence and CID; on failure agg is left dirty and must be
// discarded by the caller.
func (r *repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) (*StoreAppendResult, error) {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return &StoreAppendResult{LastSeq: agg.GetSeq(), LastVersion: agg.GetVersion(), LastCID: agg.GetLastCID()}, nil
	}
	if err := checkIdentity(agg); err != nil {
		return nil, err
	}
	aggType, aggID := agg.GetAggType(), agg.GetID()
	defer r.opts.metrics.RepoSaveDuration(aggType).ObserveDuration()

	so := repoSaveOptions{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&so)
	}

	envs := make([]Envelope, 0, len(uncommitted))
	for _, ev := range uncommitted {
		env, err := NewEnvelope(aggType, aggID, ev)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		envs = append(envs, env)
	}

	expect := agg.GetVersion()
	switch {
	case so.expect != nil:
		expect = *so.expect
	case r.opts.policy == LastWriterWins:
		expect = AnyVersion
	}
	var appendOpts []AppendOption
	if so.token != "" {
		appendOpts = append(appendOpts, WithIdempotencyToken(so.token))
	}

	before := agg.GetVersion()
	res, err := r.store.Append(ctx, aggType, aggID, expect, envs, appendOpts...)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.opts.metrics.ConcurrencyConflict(aggType)
		}
		return nil, fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if res == nil {
		return nil, errors.New("append returned nil result")
	}

	agg.setVersion(res.LastVersion)
	agg.setSeq(res.LastSeq)
	agg.setLastCID(res.LastCID)
	agg.ClearUncommitted()

	if n := r.opts.snapshotEvery; so.snapshot || (n > 0 && uint64(before)/n != uint64(res.LastVersion)/n) {
		if r.opts.snapshotter == nil {
			if so.snapshot {
				return res, ErrSnapshotterUnconfigured
			}
		} else if _, err := r.CreateSnapshot(ctx, agg); err != nil {
			return res, err
		}
	}

	r.log.Debug(
		"saved",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID), slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr()),
		slog.Int("num_events", len(res.Events)),
		slog.Bool("duplicate", res.Duplicate),
	)
	return res, nil
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	if r.opts.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	defer r.opts.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()
	ss, err := CreateSnapshot(agg)
	if err != nil {
		return nil, err
	}
	if err := r.opts.snapshotter.SaveSnapshot(ctx, ss); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	r.log.Debug("snapshot saved", ss.logAttrs())
	return ss, nil
}

var _ Repository = (*repository)(nil)

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(id string) T
	Load(ctx context.Context, a T, opts ...LoadOption) error
	GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	Save(ctx context.Context, agg T, opts ...SaveOption) (*StoreAppendResult, error)
	CreateSnapshot(ctx context.Context, agg T) (*Snapshot, error)
}

type typedRepo[T Aggregate] struct {
	r        Repository
	registry *EventRegistry
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

// NewWithID allocates a fresh T. Pointer types are allocated with
// reflection, and their event types are registered on first use.
func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	}
	a.SetID(id)
	if t.registry != nil {
		a.Register(t.registry)
	}
	return a
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) (*StoreAppendResult, error) {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) CreateSnapshot(ctx context.Context, agg T) (*Snapshot, error) {
	return t.r.CreateSnapshot(ctx, agg)
}

func (t *typedRepo[T]) GetAggType() string { return t.New().GetAggType() }

func NewTypedRepository[T Aggregate](s EventStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](NewRepository(s, reg, opts...), reg)
}

func NewTypedRepositoryFrom[T Aggregate](r Repository, reg *EventRegistry) TypedRepository[T] {
	return &typedRepo[T]{r: r, registry: reg}
}

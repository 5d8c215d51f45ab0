package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cimcore/core/bridge"
	"github.com/codewandler/cimcore/core/cache"
	"github.com/codewandler/cimcore/core/cqrs"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/core/sequencer"
	"github.com/codewandler/cimcore/domain/collab"
	"github.com/codewandler/cimcore/domain/graph"
)

var ErrUnknownCommand = errors.New("unknown command")

type Metrics struct {
	ES        es.ESMetrics
	Sequencer sequencer.Metrics
	Collab    collab.Metrics
	Bridge    bridge.Metrics
}

type CommandOptions struct {
	QueueSize       int
	ResultQueueSize int
	Workers         int
	// RetryBudget bounds retries of appends that failed in transport.
	RetryBudget  int
	RetryBackoff time.Duration
}

type CollabOptions struct {
	MaxUsersPerSession int
	// InactiveThreshold and CleanupInterval drive the periodic removal of
	// idle users. A zero interval disables it.
	InactiveThreshold time.Duration
	CleanupInterval   time.Duration
	NodeID            string
	Members           []string
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	// Store is required. Subjects must match the ones the store publishes on.
	Store    es.EventStore
	Subjects es.Subjects
	// Cache, when set, keeps recently used aggregate streams in memory.
	Cache         cache.Cache
	Snapshotter   es.Snapshotter
	SnapshotEvery uint64
	// SkipChainVerification disables CID chain checks when loading graphs.
	SkipChainVerification bool
	// DisableSequencing feeds the session projection without reordering.
	DisableSequencing bool
	SequenceTimeout   time.Duration

	Metrics  Metrics
	Commands CommandOptions
	Collab   CollabOptions
}

// Reply is the outcome of one command. Graph commands fill Events,
// collaboration commands fill Collab.
type Reply struct {
	Events []es.Envelope
	Collab []collab.Event
}

type App struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	cfg       Config

	store    es.EventStore
	graphs   *cqrs.Handler[*graph.Graph]
	collab   *collab.Manager
	sessions *collab.ActiveSessionsProjection
	consumer *es.Consumer
	commands *bridge.Bridge[any, Reply]
	// cleanup is closed when the cleanup loop ended; nil before Run
	cleanup chan struct{}
}

func New(config Config) (app *App, err error) {
	if config.Store == nil {
		return nil, errors.New("app: store is required")
	}

	// === defaults ===
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.Context == nil {
		config.Context = context.Background()
	}
	m := config.Metrics
	if m.ES == nil {
		m.ES = es.NopESMetrics()
	}
	if m.Sequencer == nil {
		m.Sequencer = sequencer.NopMetrics()
	}
	if m.Collab == nil {
		m.Collab = collab.NopMetrics()
	}
	if m.Bridge == nil {
		m.Bridge = bridge.NopMetrics()
	}
	if config.Commands.RetryBudget == 0 && config.Commands.RetryBackoff == 0 {
		config.Commands.RetryBudget, config.Commands.RetryBackoff = 3, 50*time.Millisecond
	}
	if config.SequenceTimeout == 0 {
		config.SequenceTimeout = sequencer.DefaultSequenceTimeout
	}

	app = &App{
		log:   config.Log.With(slog.String("component", "app")),
		cfg:   config,
		store: config.Store,
	}
	app.ctx, app.cancelCtx = context.WithCancel(config.Context)

	// === store ===
	if config.Cache != nil {
		app.store = es.NewCachedStore(config.Store, config.Cache, es.WithLog(config.Log), es.WithMetrics(m.ES))
	}

	// === graphs ===
	repoOpts := []es.RepositoryOption{
		es.WithMetrics(m.ES),
		es.WithChainVerification(!config.SkipChainVerification),
	}
	if config.Snapshotter != nil {
		repoOpts = append(repoOpts, es.WithSnapshotter(config.Snapshotter), es.WithSnapshotEvery(config.SnapshotEvery))
	}
	app.graphs = cqrs.NewHandler[*graph.Graph](app.store, es.NewRegistry(),
		cqrs.WithLog(config.Log),
		cqrs.WithRepositoryOptions(repoOpts...),
		cqrs.WithRetryBudget(config.Commands.RetryBudget, config.Commands.RetryBackoff),
	)

	// === collaboration ===
	collabOpts := []collab.Option{
		collab.WithLog(config.Log),
		collab.WithMetrics(m.Collab),
		collab.WithSubjects(config.Subjects),
	}
	if n := config.Collab.MaxUsersPerSession; n > 0 {
		collabOpts = append(collabOpts, collab.WithMaxUsersPerSession(n))
	}
	if members := config.Collab.Members; len(members) > 0 {
		if config.Collab.NodeID == "" {
			return nil, errors.New("app: collab node id is required with members")
		}
		collabOpts = append(collabOpts, collab.WithOwnership(config.Collab.NodeID, func() []string { return members }))
	}
	app.collab = collab.NewManager(app.store, collabOpts...)

	// === read model ===
	app.sessions = collab.NewActiveSessionsProjection()
	app.consumer = es.NewConsumer(app.store, app.sessions.Registry(), app.sessions,
		es.WithConsumerName("collab-sessions-"+gonanoid.Must(6)),
		es.WithConsumerLog(config.Log),
		es.WithConsumerMetrics(m.ES),
		es.WithSubject(config.Subjects.Type(collab.AggregateType)),
		es.WithSequencing(!config.DisableSequencing, config.SequenceTimeout),
		es.WithSequencerMetrics(m.Sequencer),
	)

	// === commands ===
	app.commands = bridge.New[any, Reply](app.ctx, app.dispatch, bridge.Options{
		CommandQueueSize: config.Commands.QueueSize,
		ResultQueueSize:  config.Commands.ResultQueueSize,
		Workers:          config.Commands.Workers,
		Log:              config.Log,
		Metrics:          m.Bridge,
		OnPanic: func(recovered any, stack []byte, cmd any) {
			app.log.Error("command panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)), slog.String("cmd", fmt.Sprintf("%T", cmd)))
		},
	})

	app.log.Debug("created app",
		slog.Bool("cache", config.Cache != nil),
		slog.Bool("snapshots", config.Snapshotter != nil),
		slog.String("node", config.Collab.NodeID),
	)
	return app, nil
}

func (a *App) dispatch(ctx context.Context, cmd any) (Reply, error) {
	switch c := cmd.(type) {
	case graph.Command:
		events, err := a.graphs.Handle(ctx, c)
		return Reply{Events: events}, err
	case collab.Command:
		events, err := a.collab.Handle(ctx, c)
		return Reply{Collab: events}, err
	default:
		return Reply{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// Run restores the session table from the store, starts the session
// projection and the idle-user cleanup.
func (a *App) Run() error {
	n, err := a.collab.Restore(a.ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	a.log.Info("restored sessions", slog.Int("events", n), slog.Int("sessions", a.collab.SessionCount()))

	if err := a.consumer.Start(a.ctx); err != nil {
		return fmt.Errorf("start session projection: %w", err)
	}

	a.cleanup = make(chan struct{})
	if every := a.cfg.Collab.CleanupInterval; every > 0 {
		go a.runCleanup(every, a.cfg.Collab.InactiveThreshold)
	} else {
		close(a.cleanup)
	}

	a.log.Info("app started")
	return nil
}

func (a *App) runCleanup(every, threshold time.Duration) {
	defer close(a.cleanup)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			events, err := a.commands.Request(a.ctx, collab.CleanupInactiveSessions{Threshold: threshold})
			if err != nil && !errors.Is(err, bridge.ErrStopped) && a.ctx.Err() == nil {
				a.log.Warn("cleanup failed", slog.Any("error", err))
				continue
			}
			if n := len(events.Collab); n > 0 {
				a.log.Info("removed inactive users", slog.Int("count", n))
			}
		}
	}
}

// Execute runs cmd through the command bridge and waits for its reply.
func (a *App) Execute(ctx context.Context, cmd any) (Reply, error) {
	return a.commands.Request(ctx, cmd)
}

// Submit queues cmd. The outcome is delivered on Results.
func (a *App) Submit(ctx context.Context, cmd any) error {
	return a.commands.Submit(ctx, cmd)
}

func (a *App) Results() <-chan bridge.Result[any, Reply] { return a.commands.Results() }

func (a *App) Graphs() *cqrs.Handler[*graph.Graph] { return a.graphs }
func (a *App) Collab() *collab.Manager             { return a.collab }

// Sessions is the read model of all sessions in the store, including those
// owned by other hosts.
func (a *App) Sessions() *collab.ActiveSessionsProjection { return a.sessions }

// Stop drains queued commands, then stops the consumer and the handlers.
func (a *App) Stop(ctx context.Context) error {
	err := a.commands.Stop(ctx)
	a.cancelCtx()
	a.consumer.Stop()
	if a.cleanup != nil {
		<-a.cleanup
	}
	a.collab.Close()
	a.graphs.Close()
	a.log.Info("app stopped")
	return err
}

func Run(config Config) (app *App, err error) {
	app, err = New(config)
	if err != nil {
		return nil, err
	}

	err = app.Run()
	if err != nil {
		app.cancelCtx()
		return nil, err
	}

	return app, nil
}

package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cimcore/core/sequencer"
)

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandlerFunc func(msgCtx MsgCtx) error

	HandlerLifecycleStart interface {
		Start(ctx context.Context) error
	}
	HandlerLifecycleShutdown interface {
		Shutdown(ctx context.Context) error
	}
)

func (f HandlerFunc) Handle(msgCtx MsgCtx) error { return f(msgCtx) }

// MsgCtx is what a Handler sees of one event.
type MsgCtx struct {
	ctx  context.Context
	log  *slog.Logger
	ev   Envelope
	evt  any
	live bool
}

func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Event() any               { return c.evt }

// Live reports whether the consumer had caught up with the stream head
// before this event.
func (c MsgCtx) Live() bool { return c.live }

func (c MsgCtx) Seq() uint64           { return c.ev.Seq }
func (c MsgCtx) Envelope() Envelope    { return c.ev }
func (c MsgCtx) Version() Version      { return c.ev.Version }
func (c MsgCtx) AggregateID() string   { return c.ev.AggregateID }
func (c MsgCtx) AggregateType() string { return c.ev.AggregateType }
func (c MsgCtx) Data() json.RawMessage { return c.ev.Data }
func (c MsgCtx) Type() string          { return c.ev.Type }
func (c MsgCtx) OccurredAt() time.Time { return c.ev.OccurredAt }

type consumerOpts struct {
	name            string
	log             *slog.Logger
	metrics         ESMetrics
	req             ReplayRequest
	sequencing      bool
	sequenceTimeout time.Duration
	seqMetrics      sequencer.Metrics
	maxRetries      int
	retryBackoff    time.Duration
	shutdownTimeout time.Duration
}

type ConsumerOption func(*consumerOpts)

func WithConsumerName(name string) ConsumerOption {
	return func(o *consumerOpts) { o.name = name }
}

func WithConsumerLog(log *slog.Logger) ConsumerOption {
	return func(o *consumerOpts) { o.log = log }
}

func WithConsumerMetrics(m ESMetrics) ConsumerOption {
	return func(o *consumerOpts) { o.metrics = m }
}

// WithSubject restricts the consumer to a subject pattern, e.g.
// Subjects{}.Type("graph").
func WithSubject(subject string) ConsumerOption {
	return func(o *consumerOpts) { o.req.Subject = subject }
}

// WithDurable resumes from the last acknowledged event of an earlier
// consumer with the same durable name.
func WithDurable(name string) ConsumerOption {
	return func(o *consumerOpts) { o.req.Durable = name }
}

func WithSince(t time.Time) ConsumerOption {
	return func(o *consumerOpts) { o.req.Since = t }
}

// WithSequencing puts a per-aggregate sequencer between the replay and the
// handler so that redelivered or reordered events reach the handler once and
// in version order. On by default.
func WithSequencing(on bool, timeout time.Duration) ConsumerOption {
	return func(o *consumerOpts) {
		o.sequencing = on
		o.sequenceTimeout = timeout
	}
}

func WithSequencerMetrics(m sequencer.Metrics) ConsumerOption {
	return func(o *consumerOpts) { o.seqMetrics = m }
}

// WithMaxRetries bounds the handler attempts per event. An event that still
// fails is terminated and logged.
func WithMaxRetries(n int, backoff time.Duration) ConsumerOption {
	return func(o *consumerOpts) {
		o.maxRetries = n
		o.retryBackoff = backoff
	}
}

func WithShutdownTimeout(d time.Duration) ConsumerOption {
	return func(o *consumerOpts) { o.shutdownTimeout = d }
}

// Consumer follows the event stream and dispatches every event to a Handler,
// acknowledging it only after the handler succeeded.
type Consumer struct {
	store   EventStore
	decoder Decoder
	handler Handler
	opts    consumerOpts
	log     *slog.Logger
	metrics ESMetrics
	seq     *sequencer.Sequencer[*ReplayMsg]

	liveAt    uint64
	isLive    atomic.Bool
	live      chan struct{}
	liveOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewConsumer(store EventStore, decoder Decoder, handler Handler, opts ...ConsumerOption) *Consumer {
	o := consumerOpts{
		name:            "consumer-" + gonanoid.Must(8),
		log:             slog.Default(),
		metrics:         NopESMetrics(),
		sequencing:      true,
		sequenceTimeout: sequencer.DefaultSequenceTimeout,
		maxRetries:      3,
		retryBackoff:    100 * time.Millisecond,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.req.Follow = true

	c := &Consumer{
		store:   store,
		decoder: decoder,
		handler: handler,
		opts:    o,
		log:     o.log.With(slog.String("consumer", o.name)),
		metrics: o.metrics,
		live:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if o.sequencing {
		c.seq = sequencer.New(sequencer.Options[*ReplayMsg]{
			SequenceTimeout:       o.sequenceTimeout,
			DisableGlobalOrdering: true,
			AdoptFirstSequence:    true,
			Log:                   c.log,
			Metrics:               o.seqMetrics,
			OnDrop: func(in sequencer.Input[*ReplayMsg], reason error) {
				if errors.Is(reason, sequencer.ErrStale) {
					// already handled
					_ = in.Event.Ack()
					return
				}
				_ = in.Event.Term()
			},
		})
	}
	return c
}

func (c *Consumer) Name() string { return c.opts.name }

// Live is closed once the consumer caught up with the stream head it saw at
// start.
func (c *Consumer) Live() <-chan struct{} { return c.live }

// Start opens the replay and blocks until the consumer is live.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("starting event consumer", slog.String("handler", fmt.Sprintf("%T", c.handler)))

	if lc, ok := c.handler.(HandlerLifecycleStart); ok {
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer lifecycle: %w", err)
		}
	}

	replay, err := c.store.Replay(ctx, c.opts.req)
	if err != nil {
		return err
	}
	c.liveAt = replay.Head()
	if c.liveAt == 0 {
		c.goLive()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx, replay)

	select {
	case <-c.live:
		c.log.Debug("became live", slog.Uint64("head", c.liveAt))
		return nil
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	case <-c.done:
		return errors.New("consumer stopped before becoming live")
	}
}

func (c *Consumer) Stop() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}

func (c *Consumer) goLive() {
	c.liveOnce.Do(func() {
		c.isLive.Store(true)
		close(c.live)
	})
}

func (c *Consumer) run(ctx context.Context, replay Replay) {
	defer func() {
		_ = replay.Stop()
		if lc, ok := c.handler.(HandlerLifecycleShutdown); ok {
			sctx, cancel := context.WithTimeout(context.Background(), c.opts.shutdownTimeout)
			defer cancel()
			if err := lc.Shutdown(sctx); err != nil {
				c.log.Error("failed to shutdown consumer lifecycle", slog.Any("error", err))
			}
		}
		c.log.Info("stopped")
		close(c.done)
	}()

	// a busy replay never times out, so timeouts are also checked between
	// messages
	lastCheck := time.Now()
	for {
		if c.seq != nil && time.Since(lastCheck) >= c.opts.sequenceTimeout/2 {
			c.dispatchAll(ctx, c.seq.CheckTimeouts())
			lastCheck = time.Now()
		}

		msg, err := c.next(ctx, replay)
		switch {
		case ctx.Err() != nil, errors.Is(err, io.EOF):
			return
		case errors.Is(err, context.DeadlineExceeded) && c.seq != nil:
			c.dispatchAll(ctx, c.seq.CheckTimeouts())
			lastCheck = time.Now()
			continue
		case err != nil:
			c.log.Error("replay failed", slog.Any("error", err))
			if !sleep(ctx, c.opts.retryBackoff) {
				return
			}
			continue
		}

		if msg.Err != nil {
			c.log.Warn("skipping undecodable message", slog.Any("error", msg.Err))
			_ = msg.Term()
			c.progress(msg.Envelope.Seq)
			continue
		}

		if c.seq == nil {
			c.dispatch(ctx, msg)
			continue
		}
		env := msg.Envelope
		ds, err := c.seq.Process(msg, env.AggregateID, env.Seq, env.Version.Uint64())
		if err != nil {
			c.log.Error("sequencing failed", env.LogAttr(), slog.Any("error", err))
			_ = msg.Term()
			c.progress(env.Seq)
			continue
		}
		if len(ds) == 0 {
			c.progress(env.Seq)
		}
		c.dispatchAll(ctx, ds)
	}
}

// next waits for the next message. With sequencing on it wakes up at least
// once per sequence timeout so that stalled gaps get skipped.
func (c *Consumer) next(ctx context.Context, replay Replay) (*ReplayMsg, error) {
	if c.seq == nil {
		return replay.Next(ctx)
	}
	nctx, cancel := context.WithTimeout(ctx, c.opts.sequenceTimeout/2)
	defer cancel()
	return replay.Next(nctx)
}

func (c *Consumer) dispatchAll(ctx context.Context, ds []sequencer.Delivery[*ReplayMsg]) {
	for _, d := range ds {
		if d.IsGap() {
			c.log.Warn(
				"skipped missing events",
				slog.String("aggregate_id", d.Gap.AggregateID),
				slog.Uint64("from_version", d.Gap.From),
				slog.Uint64("to_version", d.Gap.To),
			)
			continue
		}
		c.dispatch(ctx, d.Event)
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *ReplayMsg) {
	env := msg.Envelope
	for attempt := 0; ; attempt++ {
		err := c.handle(ctx, env)
		if err == nil {
			if err := msg.Ack(); err != nil {
				c.log.Error("ack failed", env.LogAttr(), slog.Any("error", err))
			}
			break
		}
		if attempt >= c.opts.maxRetries || errors.Is(err, ErrSerialization) || ctx.Err() != nil {
			c.log.Error("event handler failed", env.LogAttr(), slog.Int("attempts", attempt+1), slog.Any("error", err))
			_ = msg.Term()
			break
		}
		if !sleep(ctx, c.opts.retryBackoff) {
			return
		}
	}
	c.progress(env.Seq)
}

func (c *Consumer) progress(seq uint64) {
	if seq >= c.liveAt {
		c.goLive()
	}
	lag := int64(0)
	if c.liveAt > seq {
		lag = int64(c.liveAt - seq)
	}
	c.metrics.ConsumerLag(c.opts.name, lag)
}

func (c *Consumer) handle(ctx context.Context, env Envelope) error {
	live := c.isLive.Load()
	evt, err := c.decoder.Decode(env)
	if err != nil {
		c.metrics.ConsumerEventProcessed(env.Type, live, false)
		return fmt.Errorf("failed to decode event: %w", err)
	}
	if err := c.handler.Handle(MsgCtx{ctx: ctx, ev: env, evt: evt, live: live, log: c.log.With(env.LogAttr())}); err != nil {
		c.metrics.ConsumerEventProcessed(env.Type, live, false)
		return fmt.Errorf("failed to handle event: %w", err)
	}
	c.metrics.ConsumerEventProcessed(env.Type, live, true)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

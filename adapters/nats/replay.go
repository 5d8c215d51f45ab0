package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cimcore/core/es"
)

const replayBatch = 128

// Replay opens a pull consumer on the stream. Durable replays keep their
// position on the server; anonymous ones get an ephemeral consumer that is
// deleted on Stop.
func (e *EventStore) Replay(ctx context.Context, req es.ReplayRequest) (es.Replay, error) {
	filter := req.Subject
	if filter == "" {
		filter = e.subjects.All()
	}

	var headSeq uint64
	lm, err := e.stream.GetLastMsgForSubject(ctx, filter)
	switch {
	case err == nil:
		headSeq = lm.Sequence
	case errors.Is(err, jetstream.ErrMsgNotFound):
	default:
		return nil, es.NewTransportError("get last message", err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       req.Durable,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       e.ackWait,
		FilterSubject: filter,
	}
	if req.Durable == "" {
		cfg.InactiveThreshold = 10 * time.Minute
	}
	if !req.Since.IsZero() {
		since := req.Since
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &since
	}

	cons, err := e.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, es.NewTransportError("create consumer", err)
	}

	e.log.Debug(
		"replay",
		slog.String("filter", filter),
		slog.String("durable", req.Durable),
		slog.Bool("follow", req.Follow),
		slog.Uint64("head", headSeq),
	)

	return &jsReplay{
		e:       e,
		cons:    cons,
		name:    cons.CachedInfo().Name,
		durable: req.Durable != "",
		follow:  req.Follow,
		head:    headSeq,
		stopped: make(chan struct{}),
	}, nil
}

type jsReplay struct {
	e       *EventStore
	cons    jetstream.Consumer
	name    string
	durable bool
	follow  bool
	head    uint64

	mu       sync.Mutex
	buf      []jetstream.Msg
	done     bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func (r *jsReplay) Head() uint64 { return r.head }

func (r *jsReplay) Next(ctx context.Context) (*es.ReplayMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		select {
		case <-r.stopped:
			return nil, io.EOF
		default:
		}

		if len(r.buf) > 0 {
			msg := r.buf[0]
			r.buf = r.buf[1:]
			md, err := msg.Metadata()
			if err != nil {
				return nil, es.NewTransportError("metadata", err)
			}
			if !r.follow && md.Sequence.Stream > r.head {
				r.done = true
				r.nakBufferedLocked(msg)
				return nil, io.EOF
			}
			return r.replayMsg(msg), nil
		}
		if r.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := r.cons.FetchNoWait(replayBatch)
		if err != nil {
			return nil, es.NewTransportError("fetch", err)
		}
		for msg := range mb.Messages() {
			r.buf = append(r.buf, msg)
		}
		if err := mb.Error(); err != nil && len(r.buf) == 0 && !isTimeout(err) {
			return nil, es.NewTransportError("fetch", err)
		}
		if len(r.buf) > 0 {
			continue
		}
		if !r.follow {
			r.done = true
			return nil, io.EOF
		}

		wait := r.e.fetchWait
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < wait {
				if left <= 0 {
					return nil, context.DeadlineExceeded
				}
				wait = left
			}
		}
		msg, err := r.cons.Next(jetstream.FetchMaxWait(wait))
		switch {
		case err == nil:
			r.buf = append(r.buf, msg)
		case isTimeout(err):
		default:
			return nil, es.NewTransportError("fetch", err)
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (r *jsReplay) replayMsg(msg jetstream.Msg) *es.ReplayMsg {
	env, err := decodeMsg(msg)
	return es.NewReplayMsg(env, err, msg.Ack, msg.Nak, msg.Term)
}

// nakBufferedLocked hands fetched but undelivered messages back to the server.
func (r *jsReplay) nakBufferedLocked(first jetstream.Msg) {
	if first != nil {
		_ = first.Nak()
	}
	for _, m := range r.buf {
		_ = m.Nak()
	}
	r.buf = nil
}

func (r *jsReplay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopped)

		r.mu.Lock()
		r.nakBufferedLocked(nil)
		r.mu.Unlock()

		if r.durable {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if derr := r.e.stream.DeleteConsumer(ctx, r.name); derr != nil && !errors.Is(derr, jetstream.ErrConsumerNotFound) {
			err = es.NewTransportError("delete consumer", derr)
		}
	})
	return err
}

var _ es.Replay = (*jsReplay)(nil)

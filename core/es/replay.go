package es

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ReplayRequest selects what a Replay delivers.
type ReplayRequest struct {
	// Since skips events that occurred before it. Zero means from the start.
	Since time.Time
	// Subject is a subject pattern such as "events.graph.>". Empty means all.
	Subject string
	// Durable names a server-side position. A replay reopened under the same
	// name resumes after the last acknowledged message.
	Durable string
	// Follow keeps the replay open for new events. Without it Next returns
	// io.EOF once everything present at open time was delivered.
	Follow bool
}

// Replay is a lazy, consumer-driven event sequence. A message counts as
// consumed only once acknowledged; unacknowledged messages are delivered
// again after a restart, so consumers must be idempotent.
type Replay interface {
	Next(ctx context.Context) (*ReplayMsg, error)
	// Head is the last stream sequence matching the request at open time.
	Head() uint64
	Stop() error
}

type ReplayMsg struct {
	Envelope Envelope
	// Err is a *SerializationError when the payload could not be decoded.
	Err error

	ack, nak, term func() error
}

func NewReplayMsg(env Envelope, err error, ack, nak, term func() error) *ReplayMsg {
	return &ReplayMsg{Envelope: env, Err: err, ack: ack, nak: nak, term: term}
}

func call(f func() error) error {
	if f == nil {
		return nil
	}
	return f()
}

// Ack marks the message consumed.
func (m *ReplayMsg) Ack() error { return call(m.ack) }

// Nak asks for redelivery.
func (m *ReplayMsg) Nak() error { return call(m.nak) }

// Term drops the message for good.
func (m *ReplayMsg) Term() error { return call(m.term) }

// ReplayInto feeds r into apply, acknowledging each message only after apply
// returned nil. Undecodable messages are logged and terminated so the stream
// keeps moving. A failing apply naks the message and stops the replay; the
// next replay under the same durable name starts at that message.
func ReplayInto(
	ctx context.Context,
	r Replay,
	log *slog.Logger,
	apply func(context.Context, Envelope) error,
) (applied int, err error) {
	if log == nil {
		log = slog.Default()
	}
	for {
		msg, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return applied, nil
		}
		if err != nil {
			return applied, err
		}

		if msg.Err != nil {
			log.Warn("skipping undecodable message", slog.Any("error", msg.Err))
			if err := msg.Term(); err != nil {
				return applied, NewTransportError("term", err)
			}
			continue
		}

		if err := apply(ctx, msg.Envelope); err != nil {
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error("nak failed", slog.Any("error", nakErr))
			}
			return applied, fmt.Errorf("apply seq=%d: %w", msg.Envelope.Seq, err)
		}
		if err := msg.Ack(); err != nil {
			return applied, NewTransportError("ack", err)
		}
		applied++
	}
}

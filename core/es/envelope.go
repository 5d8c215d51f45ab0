package es

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Envelope is the stored form of one domain event and the transport payload.
type Envelope struct {
	// ID is random and unique per event.
	ID string `json:"event_id"`
	// Seq is the global stream sequence assigned by the store. It orders
	// delivery and carries no identity.
	Seq uint64 `json:"seq,omitempty"`
	// Version is the per-aggregate position, starting at 1.
	Version       Version `json:"version"`
	AggregateType string  `json:"aggregate_type"`
	AggregateID   string  `json:"aggregate_id"`
	// Type is the event type tag used to decode Data.
	Type       string          `json:"event_type"`
	OccurredAt time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"event"`
	// CID is the content identifier of this event, PreviousCID the CID of the
	// event before it in the same aggregate stream (empty for the first).
	CID         string `json:"cid,omitempty"`
	PreviousCID string `json:"previous_cid,omitempty"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return errors.New("envelope aggregate id is empty")
	}
	if e.AggregateType == "" {
		return errors.New("envelope aggregate type is empty")
	}
	if e.Type == "" {
		return errors.New("envelope type is empty")
	}
	if !validToken(e.Type) || !validToken(e.AggregateType) || !validToken(e.AggregateID) {
		return errors.New("envelope type, aggregate type and aggregate id must be valid subject tokens")
	}
	return nil
}

func (e Envelope) LogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.Uint64("seq", e.Seq),
		e.Version.SlogAttr(),
		slog.String("type", e.Type),
		slog.String("aggregate_type", e.AggregateType),
		slog.String("aggregate_id", e.AggregateID),
	)
}

type Decoder interface{ Decode(e Envelope) (any, error) }

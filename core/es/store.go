package es

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type (
	// LoadOptions narrows a Load to the tail of a stream.
	LoadOptions struct {
		StartVersion Version
	}

	// AppendOptions carries the idempotency token of an append.
	AppendOptions struct {
		Token string
	}

	StoreLoadOption    interface{ applyToLoadOptions(*LoadOptions) }
	AppendOption       interface{ applyToAppendOptions(*AppendOptions) }
	StartVersionOption valueOption[Version]
	TokenOption        valueOption[string]
)

func WithStartVersion(v Version) StartVersionOption { return StartVersionOption{v: v} }

// WithIdempotencyToken makes an append safely retryable: message i of the
// batch is deduplicated under "<aggType>/<aggID>/<token>/<i>" within the
// store's dedup window. Tokens are scoped to one aggregate.
func WithIdempotencyToken(token string) TokenOption { return TokenOption{v: token} }

func (o StartVersionOption) applyToLoadOptions(l *LoadOptions) { l.StartVersion = o.v }
func (o TokenOption) applyToAppendOptions(a *AppendOptions)    { a.Token = o.v }

func NewLoadOptions(opts ...StoreLoadOption) LoadOptions {
	o := LoadOptions{}
	for _, opt := range opts {
		opt.applyToLoadOptions(&o)
	}
	return o
}

func NewAppendOptions(opts ...AppendOption) AppendOptions {
	o := AppendOptions{}
	for _, opt := range opts {
		opt.applyToAppendOptions(&o)
	}
	return o
}

// MsgID is the deduplication id of the i-th message of a batch for aggregate
// aggType/aggID.
func (o AppendOptions) MsgID(aggType, aggID string, env Envelope, i int) string {
	if o.Token == "" {
		return env.ID
	}
	return TokenMsgIDPrefix(aggType, aggID, o.Token) + strconv.Itoa(i)
}

// TokenMsgIDPrefix is the prefix shared by the message ids of every event
// appended for aggType/aggID under token.
func TokenMsgIDPrefix(aggType, aggID, token string) string {
	return aggType + "/" + aggID + "/" + token + "/"
}

type (
	StoreAppendResult struct {
		LastSeq     uint64
		LastVersion Version
		LastCID     string
		// Duplicate is set when the whole batch had already been stored
		// within the dedup window; nothing was written.
		Duplicate bool
		// Events are the stored envelopes (with Seq, Version and CIDs) of
		// the messages written by this call.
		Events []Envelope
	}

	StoreStats struct {
		MessageCount   uint64 `json:"message_count"`
		ByteSize       uint64 `json:"byte_size"`
		FirstSeq       uint64 `json:"first_sequence"`
		LastSeq        uint64 `json:"last_sequence"`
		CacheOccupancy int    `json:"cache_occupancy"`
		CacheCapacity  int    `json:"cache_capacity"`
	}

	// EventStore persists per-aggregate ordered, deduplicated, content
	// chained event streams.
	//
	// Append assigns Version, Seq, PreviousCID and CID. expectedVersion must
	// equal the stream's current version unless it is AnyVersion.
	// Load returns events in append order, ErrAggregateNotFound when the
	// aggregate has none.
	EventStore interface {
		Append(ctx context.Context, aggType, aggID string, expectedVersion Version, events []Envelope, opts ...AppendOption) (*StoreAppendResult, error)
		Load(ctx context.Context, aggType, aggID string, opts ...StoreLoadOption) ([]Envelope, error)
		Replay(ctx context.Context, req ReplayRequest) (Replay, error)
		Stats(ctx context.Context) (StoreStats, error)
	}

	// TokenLookup is implemented by stores that can tell which events an
	// idempotency token committed for an aggregate within the dedup window.
	// Committed returns nil when the token is unknown.
	TokenLookup interface {
		Committed(ctx context.Context, aggType, aggID, token string) ([]Envelope, error)
	}

	// Compactor removes the prefix of an aggregate stream that is covered by
	// a snapshot. It returns the number of removed messages.
	Compactor interface {
		Compact(ctx context.Context, aggType, aggID string, upTo *Snapshot) (int, error)
	}
)

// NewEnvelope marshals ev into an envelope for aggID. Version, Seq and CIDs
// are left for the store to assign.
func NewEnvelope(aggType, aggID string, ev any) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          EventTypeOf(ev),
		AggregateType: aggType,
		AggregateID:   aggID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}, nil
}

// AppendEvents wraps events in envelopes and appends them.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	aggType string,
	aggID string,
	expect Version,
	events []any,
	opts ...AppendOption,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	envelopes := make([]Envelope, 0, len(events))
	for _, ev := range events {
		env, err := NewEnvelope(aggType, aggID, ev)
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		envelopes = append(envelopes, env)
	}
	return store.Append(ctx, aggType, aggID, expect, envelopes, opts...)
}

// StampBatch assigns versions and chains a batch onto a stream whose last
// event is at version cur with CID prevCID.
func StampBatch(events []Envelope, cur Version, prevCID string) ([]Envelope, error) {
	out := make([]Envelope, 0, len(events))
	for _, e := range events {
		cur++
		e.Version = cur
		if err := e.Validate(); err != nil {
			return nil, err
		}
		chained, err := Chain(e, prevCID)
		if err != nil {
			return nil, &SerializationError{EventID: e.ID, Err: err}
		}
		prevCID = chained.CID
		out = append(out, chained)
	}
	return out, nil
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/core/perkey"
)

const (
	DefaultStreamName      = "CIM-EVENTS"
	DefaultMaxAge          = 365 * 24 * time.Hour
	DefaultDuplicateWindow = 2 * time.Minute

	loadBatch = 256
)

// RetentionPolicy defines how messages are retained in the stream.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until limits (MaxMsgs, MaxBytes, MaxAge) are reached.
	RetentionLimits RetentionPolicy = iota

	// RetentionInterest keeps messages only while there are consumers with interest.
	RetentionInterest

	// RetentionWorkQueue makes each message available to only one consumer.
	RetentionWorkQueue
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	switch r {
	case RetentionInterest:
		return jetstream.InterestPolicy
	case RetentionWorkQueue:
		return jetstream.WorkQueuePolicy
	default:
		return jetstream.LimitsPolicy
	}
}

type EventStoreConfig struct {
	Connect  Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log      *slog.Logger // Log for diagnostics (optional)
	Metrics  es.ESMetrics // Metrics (optional)
	Subjects es.Subjects  // Subjects names the publish subjects, "events" by default
	Stream   string       // Stream name, DefaultStreamName when empty
	// StreamSubjects feed the stream. Defaults to everything under the subject prefix.
	StreamSubjects []string

	Retention RetentionPolicy
	// MemoryStorage keeps the stream in memory instead of on disk.
	MemoryStorage bool
	// MaxAge is the maximum age of messages. Zero means DefaultMaxAge.
	MaxAge time.Duration
	// MaxBytes and MaxMsgs bound the stream. Zero means unlimited.
	MaxBytes int64
	MaxMsgs  int64
	// MaxMsgsPerSubject bounds the messages kept per subject. Zero means
	// unlimited. Subjects are per aggregate and event type, so any bound
	// truncates aggregate history.
	MaxMsgsPerSubject int64
	// DuplicateWindow is how long the server remembers message ids.
	DuplicateWindow time.Duration
	// AckWait is how long a replayed message stays unacknowledged before it
	// is delivered again. Zero keeps the server default.
	AckWait time.Duration
	// FetchWait bounds one wait for new events while following.
	FetchWait time.Duration
}

// EventStore is an es.EventStore on a single JetStream stream. Every event is
// one message on es.Subjects.Event(env), deduplicated by the server via the
// Nats-Msg-Id header.
//
// Appends are serialized per aggregate inside the process. Across processes
// the expected-version check is best-effort: two writers that read the same
// head can both pass it, which the CID chain then surfaces on load.
type EventStore struct {
	js        jetstream.JetStream
	stream    jetstream.Stream
	closeNc   closeFunc
	log       *slog.Logger
	metrics   es.ESMetrics
	subjects  es.Subjects
	name      string
	ackWait   time.Duration
	fetchWait time.Duration
	dupWindow time.Duration
	writers   *perkey.Scheduler[string]
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = es.NopESMetrics()
	}

	name := strings.ToUpper(cfg.Stream)
	if name == "" {
		name = DefaultStreamName
	}
	streamSubjects := cfg.StreamSubjects
	if len(streamSubjects) == 0 {
		streamSubjects = []string{cfg.Subjects.All()}
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	dupWindow := cfg.DuplicateWindow
	if dupWindow == 0 {
		dupWindow = DefaultDuplicateWindow
	}
	fetchWait := cfg.FetchWait
	if fetchWait == 0 {
		fetchWait = time.Second
	}

	// 0 means unlimited for the server only when sent as -1
	unlimited := func(v int64) int64 {
		if v == 0 {
			return -1
		}
		return v
	}
	storage := jetstream.FileStorage
	if cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}

	log = log.With(slog.String("store", "nats_js"), slog.String("stream", name))
	log.Debug("ensuring stream", slog.Any("subjects", streamSubjects))

	stream, si, err := ensureStream(js, jetstream.StreamConfig{
		Name:              name,
		Subjects:          streamSubjects,
		Retention:         cfg.Retention.toJetStream(),
		Storage:           storage,
		MaxAge:            maxAge,
		MaxBytes:          unlimited(cfg.MaxBytes),
		MaxMsgs:           unlimited(cfg.MaxMsgs),
		MaxMsgsPerSubject: unlimited(cfg.MaxMsgsPerSubject),
		Duplicates:        dupWindow,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	log.Debug("ensured", slog.Uint64("msgs", si.State.Msgs), slog.Uint64("last_seq", si.State.LastSeq))

	return &EventStore{
		js:        js,
		stream:    stream,
		closeNc:   closeNc,
		log:       log,
		metrics:   m,
		subjects:  cfg.Subjects,
		name:      name,
		ackWait:   cfg.AckWait,
		fetchWait: fetchWait,
		dupWindow: dupWindow,
		writers:   perkey.New[string](),
	}, nil
}

func (e *EventStore) Close() error {
	e.writers.Close()
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// head is the last stored event of one aggregate.
type head struct {
	seq     uint64
	version es.Version
	cid     string
	msgID   string
}

func (e *EventStore) head(ctx context.Context, aggType, aggID string) (*head, error) {
	subj := e.subjects.Aggregate(aggType, aggID)
	lm, err := e.stream.GetLastMsgForSubject(ctx, subj)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, es.NewTransportError("get last message", err)
	}
	var env es.Envelope
	if err := json.Unmarshal(lm.Data, &env); err != nil {
		return nil, &es.SerializationError{Seq: lm.Sequence, Err: err}
	}
	return &head{
		seq:     lm.Sequence,
		version: env.Version,
		cid:     env.CID,
		msgID:   lm.Header.Get(natsgo.MsgIdHdr),
	}, nil
}

func (e *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
	opts ...es.AppendOption,
) (*es.StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	if aggType == "" || aggID == "" {
		return nil, errors.New("aggregate type and id are required")
	}
	defer e.metrics.StoreAppendDuration(aggType).ObserveDuration()

	// res is only read once the task reported back
	var res *es.StoreAppendResult
	err := e.writers.DoContext(ctx, aggType+"/"+aggID, func() (err error) {
		res, err = e.appendLocked(ctx, aggType, aggID, expectedVersion, events, es.NewAppendOptions(opts...))
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		e.metrics.AppendDeduplicated(aggType)
	} else {
		e.metrics.EventsAppended(aggType, len(res.Events))
	}
	return res, nil
}

func (e *EventStore) appendLocked(
	ctx context.Context,
	aggType string,
	aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
	ao es.AppendOptions,
) (*es.StoreAppendResult, error) {
	h, err := e.head(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &head{}
	}

	// batches are published in order, so the id on the head tells how much
	// of this batch an earlier attempt already stored
	skip := 0
	if h.msgID != "" {
		for i := range events {
			if ao.MsgID(aggType, aggID, events[i], i) == h.msgID {
				skip = i + 1
				break
			}
		}
	}
	if skip == len(events) {
		e.log.Debug("duplicate append", slog.String("agg_type", aggType), slog.String("agg_id", aggID))
		return &es.StoreAppendResult{LastSeq: h.seq, LastVersion: h.version, LastCID: h.cid, Duplicate: true}, nil
	}

	if expectedVersion != es.AnyVersion && h.version != expectedVersion+es.Version(skip) {
		return nil, fmt.Errorf(
			"%w: expected version %d, got %d (agg_type=%s agg_id=%s)",
			es.ErrConcurrencyConflict, expectedVersion, h.version, aggType, aggID,
		)
	}

	for _, ev := range events[skip:] {
		if ev.AggregateType != aggType || ev.AggregateID != aggID {
			return nil, fmt.Errorf("envelope %s belongs to %s/%s, not %s/%s", ev.ID, ev.AggregateType, ev.AggregateID, aggType, aggID)
		}
	}
	stamped, err := es.StampBatch(events[skip:], h.version, h.cid)
	if err != nil {
		return nil, err
	}

	futures := make([]jetstream.PubAckFuture, 0, len(stamped))
	for i, ev := range stamped {
		msg := natsgo.NewMsg(e.subjects.Event(ev))
		msg.Header.Set("x-event-type", ev.Type)
		msg.Header.Set("x-aggregate-type", aggType)
		msg.Header.Set("x-aggregate-id", aggID)
		msg.Data, err = json.Marshal(ev)
		if err != nil {
			return nil, &es.SerializationError{EventID: ev.ID, Err: err}
		}
		f, err := e.js.PublishMsgAsync(msg, jetstream.WithMsgID(ao.MsgID(aggType, aggID, events[skip+i], skip+i)))
		if err != nil {
			return nil, es.NewTransportError("publish", err)
		}
		futures = append(futures, f)
	}

	dups := 0
	for i, f := range futures {
		select {
		case <-ctx.Done():
			return nil, es.NewTransportError("publish", ctx.Err())
		case err := <-f.Err():
			return nil, es.NewTransportError("publish", err)
		case ack := <-f.Ok():
			stamped[i].Seq = ack.Sequence
			if ack.Duplicate {
				dups++
			}
		}
	}
	if dups > 0 {
		// another process stored the same ids after our head read; the
		// stamped events were dropped by the server and must not be reported
		e.log.Warn("server dropped duplicate messages", slog.String("agg_type", aggType), slog.String("agg_id", aggID), slog.Int("count", dups))
		return nil, fmt.Errorf(
			"%w: %d of %d messages were already stored by another writer (agg_type=%s agg_id=%s)",
			es.ErrConcurrencyConflict, dups, len(stamped), aggType, aggID,
		)
	}

	tail := stamped[len(stamped)-1]
	e.log.Debug(
		"append",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		slog.Uint64("last_seq", tail.Seq),
		slog.Int("num_events", len(stamped)),
		slog.Int("skipped", skip),
	)

	return &es.StoreAppendResult{
		LastSeq:     tail.Seq,
		LastVersion: tail.Version,
		LastCID:     tail.CID,
		Events:      stamped,
	}, nil
}

func (e *EventStore) Load(ctx context.Context, aggType, aggID string, opts ...es.StoreLoadOption) (loaded []es.Envelope, err error) {
	if aggType == "" || aggID == "" {
		return nil, errors.New("aggregate type and id are required")
	}
	lo := es.NewLoadOptions(opts...)
	defer e.metrics.StoreLoadDuration(aggType).ObserveDuration()

	h, err := e.head(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, es.ErrAggregateNotFound
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{e.subjects.Aggregate(aggType, aggID)},
	})
	if err != nil {
		return nil, es.NewTransportError("create consumer", err)
	}

	all, err := e.consumeEvents(ctx, cc, h.seq)
	if err != nil {
		return nil, err
	}
	for _, ev := range all {
		if ev.Version >= lo.StartVersion {
			loaded = append(loaded, ev)
		}
	}
	return loaded, nil
}

// consumeEvents drains cc up to and including endSeq.
func (e *EventStore) consumeEvents(ctx context.Context, cc jetstream.Consumer, endSeq uint64) ([]es.Envelope, error) {
	var out []es.Envelope
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.FetchNoWait(loadBatch)
		if err != nil {
			return nil, es.NewTransportError("fetch", err)
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			env, err := decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, env)
			if env.Seq >= endSeq {
				return out, nil
			}
		}
		if err := mb.Error(); err != nil {
			return nil, es.NewTransportError("fetch", err)
		}
		if empty {
			return out, nil
		}
	}
}

// Committed scans the aggregate's messages of the last dedup window for ids
// published under token.
func (e *EventStore) Committed(ctx context.Context, aggType, aggID, token string) ([]es.Envelope, error) {
	if token == "" {
		return nil, nil
	}
	h, err := e.head(ctx, aggType, aggID)
	if err != nil || h == nil {
		return nil, err
	}
	prefix := es.TokenMsgIDPrefix(aggType, aggID, token)
	since := time.Now().Add(-e.dupWindow)

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &since,
		FilterSubjects: []string{e.subjects.Aggregate(aggType, aggID)},
	})
	if err != nil {
		return nil, es.NewTransportError("create consumer", err)
	}

	var out []es.Envelope
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mb, err := cc.FetchNoWait(loadBatch)
		if err != nil {
			return nil, es.NewTransportError("fetch", err)
		}
		empty := true
		for msg := range mb.Messages() {
			empty = false
			env, err := decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(msg.Headers().Get(natsgo.MsgIdHdr), prefix) {
				out = append(out, env)
			}
			if env.Seq >= h.seq {
				return out, nil
			}
		}
		if err := mb.Error(); err != nil {
			return nil, es.NewTransportError("fetch", err)
		}
		if empty {
			return out, nil
		}
	}
}

func decodeMsg(msg jetstream.Msg) (es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return es.Envelope{}, es.NewTransportError("metadata", err)
	}
	var env es.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return es.Envelope{}, &es.SerializationError{Seq: md.Sequence.Stream, Err: err}
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

func (e *EventStore) Stats(ctx context.Context) (es.StoreStats, error) {
	si, err := e.stream.Info(ctx)
	if err != nil {
		return es.StoreStats{}, es.NewTransportError("stream info", err)
	}
	return es.StoreStats{
		MessageCount: si.State.Msgs,
		ByteSize:     si.State.Bytes,
		FirstSeq:     si.State.FirstSeq,
		LastSeq:      si.State.LastSeq,
	}, nil
}

// Compact purges the aggregate's events up to the snapshot's version. The
// newest event is always kept so that appends can continue the chain.
func (e *EventStore) Compact(ctx context.Context, aggType, aggID string, upTo *es.Snapshot) (int, error) {
	if upTo == nil || upTo.ObjType != aggType || upTo.ObjID != aggID {
		return 0, fmt.Errorf("compaction needs a snapshot of %s/%s", aggType, aggID)
	}

	var removed int
	err := e.writers.DoContext(ctx, aggType+"/"+aggID, func() error {
		events, err := e.Load(ctx, aggType, aggID)
		if err != nil {
			return err
		}
		if len(events) < 2 {
			return nil
		}
		var lastSeq uint64
		for _, ev := range events[:len(events)-1] {
			if ev.Version > upTo.ObjVersion {
				break
			}
			removed++
			lastSeq = ev.Seq
		}
		if removed == 0 {
			return nil
		}
		err = e.stream.Purge(ctx,
			jetstream.WithPurgeSubject(e.subjects.Aggregate(aggType, aggID)),
			jetstream.WithPurgeSequence(lastSeq+1),
		)
		if err != nil {
			return es.NewTransportError("purge", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.log.Debug("compacted", slog.String("agg_type", aggType), slog.String("agg_id", aggID), slog.Int("removed", removed))
	return removed, nil
}

var (
	_ es.EventStore  = (*EventStore)(nil)
	_ es.Compactor   = (*EventStore)(nil)
	_ es.TokenLookup = (*EventStore)(nil)
)

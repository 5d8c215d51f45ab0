package es

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const DefaultDedupWindow = 2 * time.Minute

type (
	memStoreOpts struct {
		log      *slog.Logger
		window   time.Duration
		now      func() time.Time
		subjects Subjects
	}
	MemoryStoreOption interface{ applyToMemoryStore(*memStoreOpts) }
	DedupWindowOption valueOption[time.Duration]
	ClockOption       valueOption[func() time.Time]
	SubjectsOption    valueOption[Subjects]
)

// WithDedupWindow sets how long idempotency tokens are remembered.
func WithDedupWindow(d time.Duration) DedupWindowOption { return DedupWindowOption{v: d} }
func WithClock(now func() time.Time) ClockOption        { return ClockOption{v: now} }
func WithSubjects(s Subjects) SubjectsOption            { return SubjectsOption{v: s} }

func (o LogOption) applyToMemoryStore(m *memStoreOpts)         { m.log = o.l }
func (o DedupWindowOption) applyToMemoryStore(m *memStoreOpts) { m.window = o.v }
func (o ClockOption) applyToMemoryStore(m *memStoreOpts)       { m.now = o.v }
func (o SubjectsOption) applyToMemoryStore(m *memStoreOpts)    { m.subjects = o.v }

type (
	memEntry struct {
		env     Envelope
		subject string
		size    int
	}
	memHead struct {
		version Version
		cid     string
	}
	dedupRecord struct {
		seq     uint64
		version Version
		cid     string
		at      time.Time
	}
)

// InMemoryStore is a process-local EventStore with the same semantics as the
// JetStream store: one global log, per-subject filtering, a time-bounded
// dedup window, durable replay positions and snapshot-anchored compaction.
// Several store values can share one log via Reopen.
type InMemoryStore struct {
	*memLog
	log      *slog.Logger
	window   time.Duration
	now      func() time.Time
	subjects Subjects
}

type memLog struct {
	mu      sync.Mutex
	seq     uint64
	bytes   uint64
	entries []memEntry
	streams map[string][]Envelope
	heads   map[string]memHead
	dedup   map[string]dedupRecord
	cursors map[string]uint64
	notify  chan struct{}
}

func NewInMemoryStore(opts ...MemoryStoreOption) *InMemoryStore {
	return newInMemoryStore(&memLog{
		streams: map[string][]Envelope{},
		heads:   map[string]memHead{},
		dedup:   map[string]dedupRecord{},
		cursors: map[string]uint64{},
		notify:  make(chan struct{}),
	}, opts...)
}

// Reopen returns a fresh store instance backed by the same log, the way a
// restarted process sees the same durable stream.
func (s *InMemoryStore) Reopen(opts ...MemoryStoreOption) *InMemoryStore {
	return newInMemoryStore(s.memLog, opts...)
}

func newInMemoryStore(l *memLog, opts ...MemoryStoreOption) *InMemoryStore {
	o := memStoreOpts{
		log:    slog.Default(),
		window: DefaultDedupWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.applyToMemoryStore(&o)
	}
	return &InMemoryStore{
		memLog:   l,
		log:      o.log.With(slog.String("store", "memory")),
		window:   o.window,
		now:      o.now,
		subjects: o.subjects,
	}
}

func streamKey(aggType, aggID string) string { return aggType + "/" + aggID }

func (s *InMemoryStore) Load(_ context.Context, aggType, aggID string, opts ...StoreLoadOption) ([]Envelope, error) {
	lo := NewLoadOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := streamKey(aggType, aggID)
	if _, ok := s.heads[sk]; !ok {
		return nil, ErrAggregateNotFound
	}
	out := make([]Envelope, 0, len(s.streams[sk]))
	for _, e := range s.streams[sk] {
		if e.Version < lo.StartVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType string,
	aggID string,
	expectedVersion Version,
	events []Envelope,
	opts ...AppendOption,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	ao := NewAppendOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneDedupLocked(now)

	// skip the prefix of the batch that an earlier attempt already stored
	var (
		skip int
		last dedupRecord
	)
	for i, e := range events {
		rec, ok := s.dedup[ao.MsgID(aggType, aggID, e, i)]
		if !ok {
			break
		}
		skip, last = i+1, rec
	}
	if skip == len(events) {
		s.log.Debug("duplicate append", slog.String("agg_type", aggType), slog.String("agg_id", aggID))
		return &StoreAppendResult{LastSeq: last.seq, LastVersion: last.version, LastCID: last.cid, Duplicate: true}, nil
	}

	sk := streamKey(aggType, aggID)
	head := s.heads[sk]
	if expectedVersion != AnyVersion && head.version != expectedVersion+Version(skip) {
		return nil, conflictError(aggType, aggID, expectedVersion, head.version)
	}

	for _, e := range events[skip:] {
		if e.AggregateType != aggType || e.AggregateID != aggID {
			return nil, fmt.Errorf("envelope %s belongs to %s/%s, not %s", e.ID, e.AggregateType, e.AggregateID, sk)
		}
	}
	stamped, err := StampBatch(events[skip:], head.version, head.cid)
	if err != nil {
		return nil, err
	}

	for i := range stamped {
		s.seq++
		stamped[i].Seq = s.seq
		data, err := json.Marshal(stamped[i])
		if err != nil {
			return nil, &SerializationError{EventID: stamped[i].ID, Err: err}
		}
		s.entries = append(s.entries, memEntry{env: stamped[i], subject: s.subjects.Event(stamped[i]), size: len(data)})
		s.bytes += uint64(len(data))
		s.dedup[ao.MsgID(aggType, aggID, events[skip+i], skip+i)] = dedupRecord{
			seq: s.seq, version: stamped[i].Version, cid: stamped[i].CID, at: now,
		}
	}
	s.streams[sk] = append(s.streams[sk], stamped...)
	tail := stamped[len(stamped)-1]
	s.heads[sk] = memHead{version: tail.Version, cid: tail.CID}

	close(s.notify)
	s.notify = make(chan struct{})

	s.log.Debug(
		"append",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		slog.Uint64("last_seq", tail.Seq),
		slog.Int("num_events", len(stamped)),
		slog.Int("skipped", skip),
	)

	return &StoreAppendResult{
		LastSeq:     tail.Seq,
		LastVersion: tail.Version,
		LastCID:     tail.CID,
		Events:      stamped,
	}, nil
}

// Committed returns the events stored under token for the aggregate, or nil
// when the token is unknown or fell out of the dedup window.
func (s *InMemoryStore) Committed(_ context.Context, aggType, aggID, token string) ([]Envelope, error) {
	if token == "" {
		return nil, nil
	}
	ao := AppendOptions{Token: token}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneDedupLocked(s.now())

	versions := map[Version]bool{}
	for i := 0; ; i++ {
		rec, ok := s.dedup[ao.MsgID(aggType, aggID, Envelope{}, i)]
		if !ok {
			break
		}
		versions[rec.version] = true
	}
	if len(versions) == 0 {
		return nil, nil
	}
	var out []Envelope
	for _, e := range s.streams[streamKey(aggType, aggID)] {
		if versions[e.Version] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) pruneDedupLocked(now time.Time) {
	for id, rec := range s.dedup {
		if now.Sub(rec.at) >= s.window {
			delete(s.dedup, id)
		}
	}
}

func (s *InMemoryStore) Stats(context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreStats{
		MessageCount: uint64(len(s.entries)),
		ByteSize:     s.bytes,
		LastSeq:      s.seq,
	}
	if len(s.entries) > 0 {
		st.FirstSeq = s.entries[0].env.Seq
	}
	return st, nil
}

// Compact drops every event of the aggregate up to and including the
// snapshot's version. The stream head is kept so appends continue the chain.
func (s *InMemoryStore) Compact(_ context.Context, aggType, aggID string, upTo *Snapshot) (int, error) {
	if upTo == nil || upTo.ObjType != aggType || upTo.ObjID != aggID {
		return 0, fmt.Errorf("compaction needs a snapshot of %s/%s", aggType, aggID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := streamKey(aggType, aggID)
	removed := 0
	kept := s.streams[sk][:0]
	for _, e := range s.streams[sk] {
		if e.Version <= upTo.ObjVersion {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.streams[sk] = kept

	entries := s.entries[:0]
	for _, e := range s.entries {
		if e.env.AggregateType == aggType && e.env.AggregateID == aggID && e.env.Version <= upTo.ObjVersion {
			s.bytes -= uint64(e.size)
			continue
		}
		entries = append(entries, e)
	}
	s.entries = entries
	return removed, nil
}

func (s *InMemoryStore) Replay(_ context.Context, req ReplayRequest) (Replay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &memReplay{
		s:    s,
		req:  req,
		next: 1,
		stop: make(chan struct{}),
	}
	if req.Durable != "" {
		r.next = s.cursors[req.Durable] + 1
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if r.matches(s.entries[i]) {
			r.head = s.entries[i].env.Seq
			break
		}
	}
	return r, nil
}

func (s *InMemoryStore) ack(durable string, seq uint64) {
	if durable == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[durable] {
		s.cursors[durable] = seq
	}
}

type memReplay struct {
	s        *InMemoryStore
	req      ReplayRequest
	head     uint64
	next     uint64
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *memReplay) matches(e memEntry) bool {
	if !r.req.Since.IsZero() && e.env.OccurredAt.Before(r.req.Since) {
		return false
	}
	return MatchSubject(r.req.Subject, e.subject)
}

func (r *memReplay) Head() uint64 { return r.head }

func (r *memReplay) Stop() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *memReplay) Next(ctx context.Context) (*ReplayMsg, error) {
	for {
		select {
		case <-r.stop:
			return nil, io.EOF
		default:
		}

		r.s.mu.Lock()
		entries := r.s.entries
		i := sort.Search(len(entries), func(i int) bool { return entries[i].env.Seq >= r.next })
		for ; i < len(entries); i++ {
			e := entries[i]
			if !r.req.Follow && e.env.Seq > r.head {
				break
			}
			if !r.matches(e) {
				continue
			}
			r.next = e.env.Seq + 1
			r.s.mu.Unlock()
			return r.msg(e.env), nil
		}
		if !r.req.Follow {
			r.s.mu.Unlock()
			return nil, io.EOF
		}
		if n := len(entries); n > 0 && entries[n-1].env.Seq >= r.next {
			r.next = entries[n-1].env.Seq + 1
		}
		wait := r.s.notify
		r.s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.stop:
			return nil, io.EOF
		case <-wait:
		}
	}
}

func (r *memReplay) msg(env Envelope) *ReplayMsg {
	seq := env.Seq
	ack := func() error {
		r.s.ack(r.req.Durable, seq)
		return nil
	}
	nak := func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if seq < r.next {
			r.next = seq
		}
		return nil
	}
	return NewReplayMsg(env, nil, ack, nak, ack)
}

var (
	_ EventStore  = (*InMemoryStore)(nil)
	_ Compactor   = (*InMemoryStore)(nil)
	_ TokenLookup = (*InMemoryStore)(nil)
)

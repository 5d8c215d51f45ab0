// Package sequencer restores strict delivery order for events arriving out
// of order or more than once. Events pass a per-aggregate stage ordered by
// aggregate sequence and then, unless disabled, a global stage ordered by
// global sequence.
//
// A gap that makes no progress for SequenceTimeout is skipped by
// CheckTimeouts. Every skip is announced with a Delivery carrying a Gap so
// that consumers never advance silently. CheckTimeouts also drops drained
// aggregate stages that stayed idle for IdleStageTimeout.
package sequencer

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

const (
	DefaultMaxSequenceGap   = 100
	DefaultSequenceTimeout  = 30 * time.Second
	DefaultMaxBufferSize    = 1000
	DefaultIdleStageTimeout = 10 * time.Minute
)

type Scope string

const (
	ScopeAggregate Scope = "aggregate"
	ScopeGlobal    Scope = "global"
)

type Options[E any] struct {
	// MaxSequenceGap is the largest distance ahead of the expected sequence
	// that is still buffered.
	MaxSequenceGap uint64
	// SequenceTimeout is how long a gap may stall before it is skipped.
	SequenceTimeout time.Duration
	// IdleStageTimeout is how long an aggregate stage with nothing buffered
	// is kept after its last delivery. A duplicate arriving after that is
	// treated like the first event of the aggregate.
	IdleStageTimeout time.Duration
	// MaxBufferSize bounds the number of buffered events over both stages.
	MaxBufferSize int
	// DisableGlobalOrdering skips the global stage. Use it when the input is
	// a filtered subset of the global sequence.
	DisableGlobalOrdering bool
	// AdoptFirstSequence takes the first sequence seen per aggregate (and
	// globally) as the starting point instead of 1. Use it when consuming
	// from the middle of a stream.
	AdoptFirstSequence bool

	Now     func() time.Time
	Log     *slog.Logger
	Metrics Metrics
	// OnDrop is called for every event that is not delivered: stale
	// duplicates (ErrStale) and, inside Run, events that Process rejected.
	OnDrop func(in Input[E], reason error)
}

type Input[E any] struct {
	Event        E
	AggregateID  string
	GlobalSeq    uint64
	AggregateSeq uint64
}

// Gap describes a skipped, inclusive sequence range.
type Gap struct {
	Scope       Scope
	AggregateID string
	From        uint64
	To          uint64
}

// Delivery is either an event (Gap == nil) or a gap marker.
type Delivery[E any] struct {
	Event        E
	AggregateID  string
	GlobalSeq    uint64
	AggregateSeq uint64
	// Forced is set on events released because a gap before them was skipped.
	Forced bool
	Gap    *Gap
}

func (d Delivery[E]) IsGap() bool { return d.Gap != nil }

type stage[E any] struct {
	next         uint64
	pending      map[uint64]Input[E]
	lastProgress time.Time
}

func newStage[E any](next uint64) *stage[E] {
	return &stage[E]{next: next, pending: map[uint64]Input[E]{}}
}

func (s *stage[E]) oldest() (uint64, bool) {
	if len(s.pending) == 0 {
		return 0, false
	}
	return slices.Min(slices.Collect(maps.Keys(s.pending))), true
}

type Sequencer[E any] struct {
	mu      sync.Mutex
	opts    Options[E]
	log     *slog.Logger
	aggs    map[string]*stage[E]
	global  *stage[E]
	pending int
}

func New[E any](opts Options[E]) *Sequencer[E] {
	if opts.MaxSequenceGap == 0 {
		opts.MaxSequenceGap = DefaultMaxSequenceGap
	}
	if opts.SequenceTimeout <= 0 {
		opts.SequenceTimeout = DefaultSequenceTimeout
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.IdleStageTimeout <= 0 {
		opts.IdleStageTimeout = DefaultIdleStageTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	s := &Sequencer[E]{
		opts: opts,
		log:  opts.Log.With(slog.String("component", "sequencer")),
		aggs: map[string]*stage[E]{},
	}
	if !opts.DisableGlobalOrdering {
		next := uint64(1)
		if opts.AdoptFirstSequence {
			next = 0
		}
		s.global = newStage[E](next)
	}
	return s
}

// Process accepts one event and returns everything that became deliverable,
// in order. It returns a *GapExceededError or ErrBufferFull when the event
// cannot be buffered; the sequencer state is unchanged in that case.
func (s *Sequencer[E]) Process(event E, aggregateID string, globalSeq, aggregateSeq uint64) ([]Delivery[E], error) {
	in := Input[E]{Event: event, AggregateID: aggregateID, GlobalSeq: globalSeq, AggregateSeq: aggregateSeq}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()

	agg, known := s.aggs[aggregateID]
	aggNext := uint64(1)
	if known {
		aggNext = agg.next
	} else if s.opts.AdoptFirstSequence {
		aggNext = aggregateSeq
	}

	if aggregateSeq < aggNext || (known && hasKey(agg.pending, aggregateSeq)) {
		s.dropLocked(in, ErrStale)
		return nil, nil
	}
	globalNext := uint64(0)
	if s.global != nil {
		globalNext = s.global.next
		if globalNext == 0 {
			globalNext = globalSeq
		}
		if globalSeq < globalNext || hasKey(s.global.pending, globalSeq) {
			s.dropLocked(in, ErrStale)
			return nil, nil
		}
	}

	if gap := aggregateSeq - aggNext; gap > s.opts.MaxSequenceGap {
		return nil, &GapExceededError{Scope: ScopeAggregate, AggregateID: aggregateID, Expected: aggNext, Got: aggregateSeq, MaxGap: s.opts.MaxSequenceGap}
	}
	if s.global != nil && globalSeq-globalNext > s.opts.MaxSequenceGap {
		return nil, &GapExceededError{Scope: ScopeGlobal, AggregateID: aggregateID, Expected: globalNext, Got: globalSeq, MaxGap: s.opts.MaxSequenceGap}
	}
	releasable := aggregateSeq == aggNext && (s.global == nil || globalSeq == globalNext)
	if !releasable && s.pending >= s.opts.MaxBufferSize {
		return nil, ErrBufferFull
	}

	if !known {
		agg = newStage[E](aggNext)
		agg.lastProgress = now
		s.aggs[aggregateID] = agg
	}
	if s.global != nil && s.global.next == 0 {
		s.global.next = globalNext
		s.global.lastProgress = now
	}

	if aggregateSeq > agg.next {
		s.bufferLocked(agg, aggregateSeq, in, now, false)
		return nil, nil
	}
	out := s.releaseAggregateLocked(agg, in, now, false)
	s.opts.Metrics.PendingEvents(s.pending)
	return out, nil
}

func hasKey[E any](m map[uint64]Input[E], k uint64) bool {
	_, ok := m[k]
	return ok
}

// bufferLocked parks in until seq becomes next. A stage that starts waiting
// also starts its stall clock unless the event was itself released by a
// forced skip, in which case the stall it inherits is already overdue.
func (s *Sequencer[E]) bufferLocked(st *stage[E], seq uint64, in Input[E], now time.Time, forced bool) {
	if len(st.pending) == 0 && !forced {
		st.lastProgress = now
	}
	st.pending[seq] = in
	s.pending++
	s.opts.Metrics.PendingEvents(s.pending)
}

// releaseAggregateLocked releases in and every contiguous successor from the
// aggregate stage into the global stage.
func (s *Sequencer[E]) releaseAggregateLocked(agg *stage[E], in Input[E], now time.Time, forced bool) []Delivery[E] {
	ready := []Input[E]{in}
	agg.next = in.AggregateSeq + 1
	agg.lastProgress = now
	for {
		nxt, ok := agg.pending[agg.next]
		if !ok {
			break
		}
		delete(agg.pending, agg.next)
		s.pending--
		ready = append(ready, nxt)
		agg.next++
	}
	s.opts.Metrics.EventsReleased(ScopeAggregate, len(ready))

	var out []Delivery[E]
	for _, r := range ready {
		out = append(out, s.releaseGlobalLocked(r, now, forced)...)
	}
	return out
}

func (s *Sequencer[E]) releaseGlobalLocked(in Input[E], now time.Time, forced bool) []Delivery[E] {
	if s.global == nil {
		return []Delivery[E]{deliver(in, forced)}
	}
	g := s.global
	switch {
	case in.GlobalSeq < g.next || hasKey(g.pending, in.GlobalSeq):
		s.dropLocked(in, ErrStale)
		return nil
	case in.GlobalSeq > g.next:
		s.bufferLocked(g, in.GlobalSeq, in, now, forced)
		return nil
	}
	return s.drainGlobalLocked(in, now, forced)
}

func (s *Sequencer[E]) drainGlobalLocked(in Input[E], now time.Time, forced bool) []Delivery[E] {
	g := s.global
	out := []Delivery[E]{deliver(in, forced)}
	g.next = in.GlobalSeq + 1
	g.lastProgress = now
	for {
		nxt, ok := g.pending[g.next]
		if !ok {
			break
		}
		delete(g.pending, g.next)
		s.pending--
		out = append(out, deliver(nxt, forced))
		g.next++
	}
	s.opts.Metrics.EventsReleased(ScopeGlobal, len(out))
	return out
}

func deliver[E any](in Input[E], forced bool) Delivery[E] {
	return Delivery[E]{
		Event:        in.Event,
		AggregateID:  in.AggregateID,
		GlobalSeq:    in.GlobalSeq,
		AggregateSeq: in.AggregateSeq,
		Forced:       forced,
	}
}

func (s *Sequencer[E]) dropLocked(in Input[E], reason error) {
	s.log.Debug(
		"dropping event",
		slog.String("aggregate_id", in.AggregateID),
		slog.Uint64("global_seq", in.GlobalSeq),
		slog.Uint64("aggregate_seq", in.AggregateSeq),
		slog.Any("reason", reason),
	)
	s.opts.Metrics.EventDropped(reason)
	if s.opts.OnDrop != nil {
		s.opts.OnDrop(in, reason)
	}
}

// CheckTimeouts skips every gap that has stalled for at least
// SequenceTimeout. For each skipped range it returns a gap marker followed by
// the events the skip released, marked Forced.
func (s *Sequencer[E]) CheckTimeouts() []Delivery[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()

	var out []Delivery[E]
	for _, id := range slices.Sorted(maps.Keys(s.aggs)) {
		agg := s.aggs[id]
		oldest, ok := agg.oldest()
		if !ok {
			if now.Sub(agg.lastProgress) >= s.opts.IdleStageTimeout {
				delete(s.aggs, id)
			}
			continue
		}
		if now.Sub(agg.lastProgress) < s.opts.SequenceTimeout {
			continue
		}
		gap := Gap{Scope: ScopeAggregate, AggregateID: id, From: agg.next, To: oldest - 1}
		s.log.Warn("forcing sequence progression", slog.String("aggregate_id", id), slog.Uint64("from", gap.From), slog.Uint64("to", gap.To))
		s.opts.Metrics.GapSkipped(ScopeAggregate, gap.To-gap.From+1)
		out = append(out, Delivery[E]{AggregateID: id, Forced: true, Gap: &gap})

		in := agg.pending[oldest]
		delete(agg.pending, oldest)
		s.pending--
		out = append(out, s.releaseAggregateLocked(agg, in, now, true)...)
	}

	if g := s.global; g != nil {
		if oldest, ok := g.oldest(); ok && now.Sub(g.lastProgress) >= s.opts.SequenceTimeout {
			gap := Gap{Scope: ScopeGlobal, From: g.next, To: oldest - 1}
			s.log.Warn("forcing global sequence progression", slog.Uint64("from", gap.From), slog.Uint64("to", gap.To))
			s.opts.Metrics.GapSkipped(ScopeGlobal, gap.To-gap.From+1)
			out = append(out, Delivery[E]{Forced: true, Gap: &gap})

			in := g.pending[oldest]
			delete(g.pending, oldest)
			s.pending--
			out = append(out, s.drainGlobalLocked(in, now, true)...)
		}
	}
	s.opts.Metrics.PendingEvents(s.pending)
	return out
}

// Forget drops the state of one aggregate, including anything it buffered.
func (s *Sequencer[E]) Forget(aggregateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agg, ok := s.aggs[aggregateID]; ok {
		s.pending -= len(agg.pending)
		delete(s.aggs, aggregateID)
	}
}

type StageStats struct {
	NextSequence  uint64
	PendingCount  int
	OldestPending uint64
	// StalledFor is the time since the stage last made progress while
	// holding buffered events.
	StalledFor time.Duration
}

type Stats struct {
	Aggregates map[string]StageStats
	Global     StageStats
	Pending    int
}

func (s *Sequencer[E]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()

	stats := func(st *stage[E]) StageStats {
		out := StageStats{NextSequence: st.next, PendingCount: len(st.pending)}
		if oldest, ok := st.oldest(); ok {
			out.OldestPending = oldest
			out.StalledFor = now.Sub(st.lastProgress)
		}
		return out
	}
	out := Stats{Aggregates: make(map[string]StageStats, len(s.aggs)), Pending: s.pending}
	for id, agg := range s.aggs {
		out.Aggregates[id] = stats(agg)
	}
	if s.global != nil {
		out.Global = stats(s.global)
	}
	return out
}

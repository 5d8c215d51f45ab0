package es

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/codewandler/cimcore/core/cache"
	"github.com/codewandler/cimcore/core/sf"
)

type (
	cachedStoreOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}
	CachedStoreOption interface{ applyToCachedStore(*cachedStoreOpts) }
)

func (o LogOption) applyToCachedStore(c *cachedStoreOpts)       { c.log = o.l }
func (o ESMetricsOption) applyToCachedStore(c *cachedStoreOpts) { c.metrics = o.m }

// CachedStore puts a bounded, recency-evicted cache of whole aggregate
// streams in front of another EventStore. The cache is an optimization only:
// an entry is dropped whenever the store reports a conflict, and appends
// that cannot be attached to the cached tail evict the entry instead.
// A load that raced with an append or eviction of its key is returned to the
// caller but never cached.
type CachedStore struct {
	EventStore
	cache   cache.TypedCache[[]Envelope]
	raw     cache.Cache
	loads   *sf.Group[[]Envelope]
	log     *slog.Logger
	metrics ESMetrics

	mu       sync.Mutex
	inflight map[string]map[*backfill]struct{}
}

// backfill is one cache-miss load of a key.
type backfill struct{ stale bool }

func NewCachedStore(inner EventStore, c cache.Cache, opts ...CachedStoreOption) *CachedStore {
	o := cachedStoreOpts{log: slog.Default(), metrics: NopESMetrics()}
	for _, opt := range opts {
		opt.applyToCachedStore(&o)
	}
	return &CachedStore{
		EventStore: inner,
		cache:      cache.NewTyped[[]Envelope](c),
		raw:        c,
		loads:      sf.New[[]Envelope](),
		log:        o.log.With(slog.String("store", "cached")),
		metrics:    o.metrics,
		inflight:   map[string]map[*backfill]struct{}{},
	}
}

func (c *CachedStore) Load(ctx context.Context, aggType, aggID string, opts ...StoreLoadOption) ([]Envelope, error) {
	lo := NewLoadOptions(opts...)
	key := streamKey(aggType, aggID)

	stream, ok := c.cache.Get(key)
	if ok {
		c.metrics.CacheHit(aggType)
	} else {
		c.metrics.CacheMiss(aggType)
		var err error
		stream, _, err = c.loads.Do(key, func() ([]Envelope, error) {
			bf := c.startBackfill(key)
			loaded, err := c.EventStore.Load(ctx, aggType, aggID)
			c.finishBackfill(key, bf, loaded, err)
			if err != nil {
				return nil, err
			}
			return loaded, nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]Envelope, 0, len(stream))
	for _, e := range stream {
		if e.Version >= lo.StartVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *CachedStore) Append(
	ctx context.Context,
	aggType, aggID string,
	expectedVersion Version,
	events []Envelope,
	opts ...AppendOption,
) (*StoreAppendResult, error) {
	key := streamKey(aggType, aggID)
	res, err := c.EventStore.Append(ctx, aggType, aggID, expectedVersion, events, opts...)
	c.invalidateBackfills(key)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			c.evict(key)
		}
		return nil, err
	}

	stream, ok := c.cache.Get(key)
	switch {
	case len(res.Events) == 0:
	case ok && len(stream) > 0 && stream[len(stream)-1].Version+1 == res.Events[0].Version:
		next := make([]Envelope, 0, len(stream)+len(res.Events))
		next = append(append(next, stream...), res.Events...)
		c.cache.Put(key, next)
	default:
		c.evict(key)
	}
	return res, nil
}

// Invalidate drops the cached stream of one aggregate.
func (c *CachedStore) Invalidate(aggType, aggID string) { c.evict(streamKey(aggType, aggID)) }

func (c *CachedStore) evict(key string) {
	c.invalidateBackfills(key)
	c.cache.Delete(key)
	c.loads.Forget(key)
}

func (c *CachedStore) startBackfill(key string) *backfill {
	c.mu.Lock()
	defer c.mu.Unlock()
	bf := &backfill{}
	if c.inflight[key] == nil {
		c.inflight[key] = map[*backfill]struct{}{}
	}
	c.inflight[key][bf] = struct{}{}
	return bf
}

// finishBackfill caches loaded unless the key changed while it was read.
func (c *CachedStore) finishBackfill(key string, bf *backfill, loaded []Envelope, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight[key], bf)
	if len(c.inflight[key]) == 0 {
		delete(c.inflight, key)
	}
	if err != nil {
		return
	}
	if bf.stale {
		c.log.Debug("skipped stale backfill", slog.String("key", key))
		return
	}
	c.cache.Put(key, loaded)
}

func (c *CachedStore) invalidateBackfills(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for bf := range c.inflight[key] {
		bf.stale = true
	}
}

// Committed forwards to the wrapped store when it can look up tokens.
func (c *CachedStore) Committed(ctx context.Context, aggType, aggID, token string) ([]Envelope, error) {
	tl, ok := c.EventStore.(TokenLookup)
	if !ok {
		return nil, nil
	}
	return tl.Committed(ctx, aggType, aggID, token)
}

func (c *CachedStore) Stats(ctx context.Context) (StoreStats, error) {
	st, err := c.EventStore.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.CacheOccupancy, st.CacheCapacity = cache.Occupancy(c.raw)
	return st, nil
}

// Compact forwards to the wrapped store when it supports compaction.
func (c *CachedStore) Compact(ctx context.Context, aggType, aggID string, upTo *Snapshot) (int, error) {
	cp, ok := c.EventStore.(Compactor)
	if !ok {
		return 0, errors.New("wrapped store does not support compaction")
	}
	defer c.Invalidate(aggType, aggID)
	return cp.Compact(ctx, aggType, aggID, upTo)
}

var (
	_ EventStore  = (*CachedStore)(nil)
	_ Compactor   = (*CachedStore)(nil)
	_ TokenLookup = (*CachedStore)(nil)
)

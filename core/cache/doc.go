// Package cache provides a small key-value cache abstraction with a bounded,
// recency-evicted in-memory implementation.
//
// [LRU] is owned by a single goroutine; all operations are channel round
// trips, so it is safe for concurrent use without external locking. Entries
// may carry a TTL via [WithTTL] and are evicted lazily on access.
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 10000})
//	defer c.Close()
//	c.Put("graph/42", events)
//
// [Nop] disables caching while keeping the same call sites.
package cache

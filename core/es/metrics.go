package es

import "github.com/codewandler/cimcore/core/metrics"

// ESMetrics is the instrumentation surface of the store, repository and
// consumer. Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)
	AppendDeduplicated(aggType string)

	// Repository
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)
	ChainViolation(aggType string)

	// Cache
	CacheHit(aggType string)
	CacheMiss(aggType string)

	// Snapshots
	SnapshotSaveDuration(aggType string) metrics.Timer

	// Consumer
	ConsumerEventProcessed(eventType string, live bool, success bool)
	ConsumerLag(consumer string, lag int64)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)                {}
func (nopESMetrics) AppendDeduplicated(string)                 {}
func (nopESMetrics) RepoLoadDuration(string) metrics.Timer     { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer     { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)                {}
func (nopESMetrics) ChainViolation(string)                     {}
func (nopESMetrics) CacheHit(string)                           {}
func (nopESMetrics) CacheMiss(string)                          {}
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConsumerEventProcessed(string, bool, bool) {}
func (nopESMetrics) ConsumerLag(string, int64)                 {}

func NopESMetrics() ESMetrics { return nopESMetrics{} }

type ESMetricsOption struct{ m ESMetrics }

func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

package bridge

import "github.com/codewandler/cimcore/core/metrics"

// Metrics instruments a Bridge. All methods are safe for concurrent use.
type Metrics interface {
	QueueDepth(depth int)
	CommandDuration() metrics.Timer
	CommandHandled(success bool)
	CommandPanicked()
	ResultDropped()
}

type nopMetrics struct{}

func (nopMetrics) QueueDepth(int)                 {}
func (nopMetrics) CommandDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandHandled(bool)            {}
func (nopMetrics) CommandPanicked()               {}
func (nopMetrics) ResultDropped()                 {}

func NopMetrics() Metrics { return nopMetrics{} }

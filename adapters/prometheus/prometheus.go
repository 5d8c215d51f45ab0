// Package prometheus implements the metrics interfaces of the event store,
// the sequencer, the command bridge and the collaboration manager.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cimcore/core/bridge"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/core/metrics"
	"github.com/codewandler/cimcore/core/sequencer"
	"github.com/codewandler/cimcore/domain/collab"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AllMetrics holds one implementation per instrumented component.
type AllMetrics struct {
	ES        es.ESMetrics
	Sequencer sequencer.Metrics
	Collab    collab.Metrics
	Bridge    bridge.Metrics
}

// NewAllMetrics registers the metrics of a whole host on reg. The bridge is
// labelled "commands".
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:        NewESMetrics(reg),
		Sequencer: NewSequencerMetrics(reg),
		Collab:    NewCollabMetrics(reg),
		Bridge:    NewBridgeMetrics(reg, "commands"),
	}
}

package prometheus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cimcore/core/sequencer"
)

// sequencerMetrics implements sequencer.Metrics using Prometheus.
type sequencerMetrics struct {
	released *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	gaps     *prometheus.CounterVec
	gapSize  *prometheus.HistogramVec
	pending  prometheus.Gauge
}

func NewSequencerMetrics(reg prometheus.Registerer) sequencer.Metrics {
	m := &sequencerMetrics{
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cim_sequencer_events_released_total",
			Help: "Events released in order",
		}, []string{"scope"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cim_sequencer_events_dropped_total",
			Help: "Events dropped before release",
		}, []string{"reason"}),

		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cim_sequencer_gaps_skipped_total",
			Help: "Sequence gaps skipped after the timeout",
		}, []string{"scope"}),

		gapSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cim_sequencer_gap_size",
			Help:    "Number of missing sequences per skipped gap",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"scope"}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cim_sequencer_pending_events",
			Help: "Events buffered waiting for a missing predecessor",
		}),
	}

	reg.MustRegister(
		m.released,
		m.dropped,
		m.gaps,
		m.gapSize,
		m.pending,
	)

	return m
}

func (m *sequencerMetrics) EventsReleased(scope sequencer.Scope, count int) {
	m.released.WithLabelValues(string(scope)).Add(float64(count))
}

func (m *sequencerMetrics) EventDropped(reason error) {
	m.dropped.WithLabelValues(dropReason(reason)).Inc()
}

func (m *sequencerMetrics) GapSkipped(scope sequencer.Scope, size uint64) {
	m.gaps.WithLabelValues(string(scope)).Inc()
	m.gapSize.WithLabelValues(string(scope)).Observe(float64(size))
}

func (m *sequencerMetrics) PendingEvents(count int) { m.pending.Set(float64(count)) }

// dropReason keeps the label set bounded.
func dropReason(err error) string {
	switch {
	case errors.Is(err, sequencer.ErrStale):
		return "stale"
	case errors.Is(err, sequencer.ErrSequenceGapExceeded):
		return "gap_exceeded"
	case errors.Is(err, sequencer.ErrBufferFull):
		return "buffer_full"
	default:
		return "other"
	}
}

var _ sequencer.Metrics = (*sequencerMetrics)(nil)

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cimcore/core/bridge"
	"github.com/codewandler/cimcore/core/metrics"
)

// bridgeMetrics implements bridge.Metrics using Prometheus.
type bridgeMetrics struct {
	queueDepth      prometheus.Gauge
	commandDuration prometheus.Histogram
	commandsTotal   *prometheus.CounterVec
	panicsTotal     prometheus.Counter
	resultsDropped  prometheus.Counter
}

// NewBridgeMetrics creates Prometheus metrics for one bridge. The name ends
// up in the "bridge" label so several bridges can share a registry.
func NewBridgeMetrics(reg prometheus.Registerer, name string) bridge.Metrics {
	labels := prometheus.Labels{"bridge": name}
	m := &bridgeMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cim_bridge_queue_depth",
			Help:        "Commands waiting for a worker",
			ConstLabels: labels,
		}),

		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "cim_bridge_command_duration_seconds",
			Help:        "Command handling time in seconds",
			Buckets:     defaultBuckets,
			ConstLabels: labels,
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cim_bridge_commands_total",
			Help:        "Total number of commands handled",
			ConstLabels: labels,
		}, []string{"success"}),

		panicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cim_bridge_panics_total",
			Help:        "Total number of handler panics",
			ConstLabels: labels,
		}),

		resultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cim_bridge_results_dropped_total",
			Help:        "Results dropped because nobody read them before shutdown",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.queueDepth,
		m.commandDuration,
		m.commandsTotal,
		m.panicsTotal,
		m.resultsDropped,
	)

	return m
}

func (m *bridgeMetrics) QueueDepth(depth int) { m.queueDepth.Set(float64(depth)) }

func (m *bridgeMetrics) CommandDuration() metrics.Timer { return newTimer(m.commandDuration) }

func (m *bridgeMetrics) CommandHandled(success bool) {
	m.commandsTotal.WithLabelValues(boolToStr(success)).Inc()
}

func (m *bridgeMetrics) CommandPanicked() { m.panicsTotal.Inc() }
func (m *bridgeMetrics) ResultDropped()   { m.resultsDropped.Inc() }

var _ bridge.Metrics = (*bridgeMetrics)(nil)

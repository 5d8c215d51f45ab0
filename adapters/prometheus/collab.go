package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cimcore/domain/collab"
)

// collabMetrics implements collab.Metrics using Prometheus.
type collabMetrics struct {
	commandsTotal  *prometheus.CounterVec
	lockContention prometheus.Counter
	activeSessions prometheus.Gauge
	activeUsers    prometheus.Gauge
}

func NewCollabMetrics(reg prometheus.Registerer) collab.Metrics {
	m := &collabMetrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cim_collab_commands_total",
			Help: "Total number of collaboration commands handled",
		}, []string{"command", "success"}),

		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cim_collab_lock_contended_total",
			Help: "Edit requests refused because another user holds the element",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cim_collab_active_sessions",
			Help: "Sessions with at least one user",
		}),

		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cim_collab_active_users",
			Help: "Users present across all sessions",
		}),
	}

	reg.MustRegister(
		m.commandsTotal,
		m.lockContention,
		m.activeSessions,
		m.activeUsers,
	)

	return m
}

func (m *collabMetrics) CommandHandled(cmd string, success bool) {
	m.commandsTotal.WithLabelValues(cmd, boolToStr(success)).Inc()
}

func (m *collabMetrics) LockContended()       { m.lockContention.Inc() }
func (m *collabMetrics) ActiveSessions(n int) { m.activeSessions.Set(float64(n)) }
func (m *collabMetrics) ActiveUsers(n int)    { m.activeUsers.Set(float64(n)) }

var _ collab.Metrics = (*collabMetrics)(nil)

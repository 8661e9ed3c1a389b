// Package http provides the control-plane HTTP adapter: session CRUD,
// history, health, and prometheus metrics.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Carapace. Pass to components
// that need to record metrics.
type Metrics struct {
	GateDecisions    *prometheus.CounterVec
	ApprovalOutcomes *prometheus.CounterVec
	PendingApprovals prometheus.Gauge
	ActiveChannels   prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		GateDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "carapace",
				Name:      "gate_decisions_total",
				Help:      "Total gate decisions by outcome",
			},
			[]string{"decision"}, // allow/needs_approval/block
		),
		ApprovalOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "carapace",
				Name:      "approval_outcomes_total",
				Help:      "Total approval round trips by result",
			},
			[]string{"result"}, // approved/denied/cancelled
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "carapace",
				Name:      "pending_approvals",
				Help:      "Number of approvals currently awaiting a user response",
			},
		),
		ActiveChannels: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "carapace",
				Name:      "active_channels",
				Help:      "Number of connected WebSocket channels",
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "carapace",
				Name:      "requests_total",
				Help:      "Total control-plane requests",
			},
			[]string{"method", "status"},
		),
	}
}

// RecordDecision implements service.GateMetrics.
func (m *Metrics) RecordDecision(decision string) {
	m.GateDecisions.WithLabelValues(decision).Inc()
}

// RecordApproval implements service.GateMetrics.
func (m *Metrics) RecordApproval(result string) {
	m.ApprovalOutcomes.WithLabelValues(result).Inc()
}

// SetPendingApprovals implements service.GateMetrics.
func (m *Metrics) SetPendingApprovals(n int) {
	m.PendingApprovals.Set(float64(n))
}

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
	frozen     prometheus.Counter
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "points_ledger_operations_total",
			Help: "Ledger operations processed, labeled by operation and outcome kind",
		}, []string{"operation", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "points_ledger_operation_duration_seconds",
			Help:    "Latency distribution of ledger operations including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "points_ledger_conflict_retries_total",
			Help: "Attempts retried after per-subject contention",
		}, []string{"operation"}),
		frozen: f.NewCounter(prometheus.CounterOpts{
			Name: "points_ledger_balances_frozen_total",
			Help: "Buyer balances frozen after a consistency violation",
		}),
	}
}

func (m *Metrics) observe(op string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) froze() {
	if m == nil {
		return
	}
	m.frozen.Inc()
}

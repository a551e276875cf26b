package expiration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/points-ledger/ledger"
)

// Metrics holds the scheduler's collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	expired  prometheus.Counter
	failures prometheus.Counter
	duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "points_expiration_runs_total",
			Help: "Expiration passes by final status",
		}, []string{"status"}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "points_expired_total",
			Help: "Points removed by quarterly expiration",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "points_expiration_subject_failures_total",
			Help: "Buyers or companies that could not be processed in a pass",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "points_expiration_run_duration_seconds",
			Help:    "Wall time of one expiration pass",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}
}

func (m *Metrics) observeRun(run ledger.ExpirationRun, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(run.Status)).Inc()
	m.expired.Add(float64(run.PointsExpired))
	m.failures.Add(float64(run.Failures))
	m.duration.Observe(took.Seconds())
}

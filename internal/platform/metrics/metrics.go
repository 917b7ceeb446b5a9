package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	AuthAttempts      *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	SessionEvents     *prometheus.CounterVec
	RecoveryExchanges *prometheus.CounterVec
	ForcedSignOuts    *prometheus.CounterVec
	IdentityCallDurMs *prometheus.HistogramVec
	ClassifiedErrors  *prometheus.CounterVec
	VerificationPolls prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		AuthAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_auth_attempts_total",
			Help: "Auth operations attempted, by operation",
		}, []string{"operation"}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_auth_failures_total",
			Help: "Auth operations that failed, by operation and classified code",
		}, []string{"operation", "code"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_session_events_total",
			Help: "Session change events observed from the identity provider, by type",
		}, []string{"type"}),
		RecoveryExchanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_recovery_exchanges_total",
			Help: "Recovery token exchanges, by outcome",
		}, []string{"outcome"}),
		ForcedSignOuts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_forced_sign_outs_total",
			Help: "Sign-outs not initiated by the user, by reason",
		}, []string{"reason"}),
		IdentityCallDurMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_identity_call_duration_ms",
			Help:    "Latency of identity provider calls in milliseconds",
			Buckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"endpoint"}),
		ClassifiedErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_classified_errors_total",
			Help: "Errors routed through the classifier, by resulting code",
		}, []string{"code"}),
		VerificationPolls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "passage_verification_polls_total",
			Help: "Email verification poll iterations executed",
		}),
	}
}

// ObserveIdentityCall records the latency of a single identity provider call.
func (m *Metrics) ObserveIdentityCall(endpoint string, d time.Duration) {
	m.IdentityCallDurMs.WithLabelValues(endpoint).Observe(float64(d.Microseconds()) / 1000.0)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the MFA engine. A nil *Metrics
// is valid and records nothing, so tests can pass nil.
type Metrics struct {
	verifications    *prometheus.CounterVec
	enrollmentEvents *prometheus.CounterVec
	recoveryTokens   *prometheus.CounterVec
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "mfa_verifications_total",
			Help:      "MFA verification attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		enrollmentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "mfa_enrollment_events_total",
			Help:      "Enrollment lifecycle events (started, activated, reset, disabled).",
		}, []string{"event"}),
		recoveryTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "mfa_recovery_tokens_total",
			Help:      "Recovery token events (issued, consumed, rejected).",
		}, []string{"event"}),
	}
}

// ObserveVerification counts one verification attempt.
func (m *Metrics) ObserveVerification(method string, success bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if success {
		outcome = "accepted"
	}
	m.verifications.WithLabelValues(method, outcome).Inc()
}

// ObserveEnrollmentEvent counts one lifecycle event.
func (m *Metrics) ObserveEnrollmentEvent(event string) {
	if m == nil {
		return
	}
	m.enrollmentEvents.WithLabelValues(event).Inc()
}

// ObserveRecoveryToken counts one recovery token event.
func (m *Metrics) ObserveRecoveryToken(event string) {
	if m == nil {
		return
	}
	m.recoveryTokens.WithLabelValues(event).Inc()
}

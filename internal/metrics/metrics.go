// Package metrics exposes verification counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics records nothing, so
// components can be built without a registry.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	ActiveSessions    prometheus.Gauge
	Verdicts          *prometheus.CounterVec // outcome, reason
	Violations        *prometheus.CounterVec // kind
	CacheLookups      *prometheus.CounterVec // result: trusted, blacklisted, miss
	Refused           *prometheus.CounterVec // reason
	CaptchaDowngrades prometheus.Counter

	VerificationDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limbo_sessions_started_total",
			Help: "Total number of verification sessions started",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limbo_sessions_active",
			Help: "Number of sessions currently verifying",
		}),

		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limbo_verdicts_total",
			Help: "Session verdicts by outcome and reason",
		}, []string{"outcome", "reason"}),

		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limbo_violations_total",
			Help: "Scored protocol violations by kind",
		}, []string{"kind"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limbo_cache_lookups_total",
			Help: "Verdict cache lookups by result",
		}, []string{"result"}),

		Refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limbo_refused_total",
			Help: "Connections turned away before a session was created",
		}, []string{"reason"}),

		CaptchaDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limbo_captcha_downgrades_total",
			Help: "Sessions that fell back to movement-only because no captcha could be rendered",
		}),

		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "limbo_verification_duration_seconds",
			Help:    "Time from session start to verdict",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		gatherer: reg,
	}

	reg.MustRegister(
		m.SessionsStarted,
		m.ActiveSessions,
		m.Verdicts,
		m.Violations,
		m.CacheLookups,
		m.Refused,
		m.CaptchaDowngrades,
		m.VerificationDuration,
	)

	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordVerdict records the end of a session.
func (m *Metrics) RecordVerdict(outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.Verdicts.WithLabelValues(outcome, reason).Inc()
	m.VerificationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordViolation(kind string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRefused(reason string) {
	if m == nil {
		return
	}
	m.Refused.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCaptchaDowngrade() {
	if m == nil {
		return
	}
	m.CaptchaDowngrades.Inc()
}

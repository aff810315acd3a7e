package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records ingest rate limiting. A nil *Metrics records nothing.
type Metrics struct {
	Checks        *prometheus.CounterVec
	StoreErrors   prometheus.Counter
	DegradedTotal prometheus.Counter
	BreakerOpen   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_ratelimit_checks_total",
			Help: "Rate limit checks, by outcome",
		}, []string{"outcome"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_ratelimit_store_errors_total",
			Help: "Failed checks against the shared counter store",
		}),
		DegradedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_ratelimit_degraded_checks_total",
			Help: "Checks answered by the in-process fallback",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotefeed_ratelimit_breaker_open",
			Help: "1 while the shared counter store circuit is open",
		}),
	}
}

func (m *Metrics) IncCheck(allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.Checks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

func (m *Metrics) IncDegraded() {
	if m == nil {
		return
	}
	m.DegradedTotal.Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}

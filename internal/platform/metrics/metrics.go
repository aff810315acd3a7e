package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the change-propagation
// subsystem. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsPublished        *prometheus.CounterVec
	NotificationsDropped   *prometheus.CounterVec
	CurrentSequence        prometheus.Gauge
	HistoryLength          prometheus.Gauge
	LiveConnections        prometheus.Gauge
	ConnectionsClosed      *prometheus.CounterVec
	Resyncs                *prometheus.CounterVec
	SourceMode             *prometheus.GaugeVec
	SourceRestarts         prometheus.Counter
	SourceSwitches         *prometheus.CounterVec
	PollTicks              *prometheus.CounterVec
	PollDuration           prometheus.Histogram
	MirrorFailures         prometheus.Counter
	PropagationLatencySecs prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_events_published_total",
			Help: "Change events published to the hub, by kind",
		}, []string{"kind"}),
		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_notifications_dropped_total",
			Help: "Raw notifications dropped before normalization, by reason",
		}, []string{"reason"}),
		CurrentSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotefeed_current_sequence",
			Help: "Last sequence number assigned by the normalizer",
		}),
		HistoryLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotefeed_history_length",
			Help: "Events currently retained in the recent-history buffer",
		}),
		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotefeed_live_connections",
			Help: "Dashboard connections in the live state",
		}),
		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_connections_closed_total",
			Help: "Dashboard connections closed, by cause",
		}, []string{"cause"}),
		Resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_resyncs_total",
			Help: "Full snapshot resyncs sent to dashboards, by reason",
		}, []string{"reason"}),
		SourceMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotefeed_source_mode",
			Help: "1 for the change source variant currently active",
		}, []string{"mode"}),
		SourceRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_source_restarts_total",
			Help: "Change source restarts after it ended or failed to start",
		}),
		SourceSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_source_switches_total",
			Help: "Change source variant switches, by incoming variant",
		}, []string{"to"}),
		PollTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_poll_ticks_total",
			Help: "Polling fallback ticks, by result",
		}, []string{"result"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotefeed_poll_duration_seconds",
			Help:    "Duration of one polling fallback query round",
			Buckets: prometheus.DefBuckets,
		}),
		MirrorFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_mirror_failures_total",
			Help: "Change events the kafka mirror failed to produce",
		}),
		PropagationLatencySecs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotefeed_propagation_latency_seconds",
			Help:    "Time from store commit to hub publish",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) IncEventsPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncNotificationsDropped(reason string) {
	if m == nil {
		return
	}
	m.NotificationsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCurrentSequence(seq uint64) {
	if m == nil {
		return
	}
	m.CurrentSequence.Set(float64(seq))
}

func (m *Metrics) SetHistoryLength(n int) {
	if m == nil {
		return
	}
	m.HistoryLength.Set(float64(n))
}

func (m *Metrics) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.LiveConnections.Set(float64(n))
}

func (m *Metrics) IncConnectionsClosed(cause string) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(cause).Inc()
}

func (m *Metrics) IncResyncs(reason string) {
	if m == nil {
		return
	}
	m.Resyncs.WithLabelValues(reason).Inc()
}

// SetSourceMode marks mode as the active variant and clears the others.
func (m *Metrics) SetSourceMode(mode string, all ...string) {
	if m == nil {
		return
	}
	for _, other := range all {
		m.SourceMode.WithLabelValues(other).Set(0)
	}
	if mode != "" {
		m.SourceMode.WithLabelValues(mode).Set(1)
	}
}

func (m *Metrics) IncSourceRestarts() {
	if m == nil {
		return
	}
	m.SourceRestarts.Inc()
}

func (m *Metrics) IncSourceSwitches(to string) {
	if m == nil {
		return
	}
	m.SourceSwitches.WithLabelValues(to).Inc()
}

func (m *Metrics) ObservePoll(result string, seconds float64) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(result).Inc()
	m.PollDuration.Observe(seconds)
}

func (m *Metrics) IncMirrorFailures() {
	if m == nil {
		return
	}
	m.MirrorFailures.Inc()
}

func (m *Metrics) ObservePropagationLatency(seconds float64) {
	if m == nil {
		return
	}
	m.PropagationLatencySecs.Observe(seconds)
}

package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects broker-level observability. All methods are nil-safe
// so the broker can run without a registry in tests.
type Metrics struct {
	usersActive     prometheus.Gauge
	requestsPending prometheus.Gauge
	sessionsActive  prometheus.Gauge
	messagesRelayed prometheus.Counter
	requestsExpired prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	protocolErrors  *prometheus.CounterVec
	handleLatency   *prometheus.HistogramVec
}

// NewMetrics registers the broker collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		usersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ephemerium_users_active",
			Help: "Currently registered nicknames.",
		}),
		requestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ephemerium_requests_pending",
			Help: "Currently pending connect requests.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ephemerium_sessions_active",
			Help: "Currently active chat sessions.",
		}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ephemerium_messages_relayed_total",
			Help: "Chat messages relayed to session members.",
		}),
		requestsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ephemerium_requests_expired_total",
			Help: "Connect requests expired by housekeeping.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ephemerium_sessions_ended_total",
			Help: "Sessions ended, grouped by reason.",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ephemerium_protocol_errors_total",
			Help: "Protocol errors reported to clients, by code.",
		}, []string{"code"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ephemerium_handle_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.usersActive,
		m.requestsPending,
		m.sessionsActive,
		m.messagesRelayed,
		m.requestsExpired,
		m.sessionsEnded,
		m.protocolErrors,
		m.handleLatency,
	)
	return m
}

func (m *Metrics) setUsers(n int) {
	if m == nil {
		return
	}
	m.usersActive.Set(float64(n))
}

func (m *Metrics) setRequests(n int) {
	if m == nil {
		return
	}
	m.requestsPending.Set(float64(n))
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) recordRelay() {
	if m == nil {
		return
	}
	m.messagesRelayed.Inc()
}

func (m *Metrics) recordExpiry(n int) {
	if m == nil || n == 0 {
		return
	}
	m.requestsExpired.Add(float64(n))
}

func (m *Metrics) recordSessionEnd(reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.handleLatency.WithLabelValues(op).Observe(dur.Seconds())
}

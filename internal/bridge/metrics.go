package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pending requests, request outcomes and latency, and
// handshake outcomes.
type Metrics struct {
	pending    prometheus.Gauge
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	handshakes *prometheus.CounterVec
}

// NewMetrics creates the bridge metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletlink",
			Subsystem: "bridge",
			Name:      "pending_requests",
			Help:      "Requests sent to the remote signer awaiting a response",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Requests sent to the remote signer by method and outcome",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletlink",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Time until the remote signer answered",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"method"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletlink",
			Subsystem: "bridge",
			Name:      "handshakes_total",
			Help:      "Pairing handshakes by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.pending, m.requests, m.latency, m.handshakes)
	}
	return m
}

func (m *Metrics) setPending(n int) {
	m.pending.Set(float64(n))
}

func (m *Metrics) observeRequest(method, outcome string, d time.Duration) {
	m.requests.WithLabelValues(method, outcome).Inc()
	if outcome == outcomeOK {
		m.latency.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *Metrics) incHandshake(outcome string) {
	m.handshakes.WithLabelValues(outcome).Inc()
}

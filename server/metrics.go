package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions       prometheus.Gauge
	upstreamState  prometheus.Gauge
	reconnects     prometheus.Counter
	requests       *prometheus.CounterVec
	upstreamFrames *prometheus.CounterVec
	authResults    *prometheus.CounterVec
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsrelay",
			Name:      "sessions",
			Help:      "Client sessions currently attached.",
		}),
		upstreamState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsrelay",
			Name:      "upstream_state",
			Help:      "Upstream link state (0 disconnected, 1 connecting, 2 authenticating, 3 ready, 4 reconnecting).",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wsrelay",
			Name:      "upstream_reconnects_total",
			Help:      "Reconnect attempts scheduled for the upstream link.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsrelay",
			Name:      "requests_total",
			Help:      "Client requests by outcome.",
		}, []string{"outcome"}),
		upstreamFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsrelay",
			Name:      "upstream_frames_total",
			Help:      "Frames received from the upstream by kind.",
		}, []string{"kind"}),
		authResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsrelay",
			Name:      "client_auth_total",
			Help:      "Client authentication attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) setUpstreamState(s UpstreamState) {
	if m != nil {
		m.upstreamState.Set(float64(s))
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) request(outcome string) {
	if m != nil {
		m.requests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) upstreamFrame(kind string) {
	if m != nil {
		m.upstreamFrames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) auth(outcome string) {
	if m != nil {
		m.authResults.WithLabelValues(outcome).Inc()
	}
}

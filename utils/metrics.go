package utils

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	Actions          *prometheus.CounterVec
	RemoteLatency    *prometheus.HistogramVec
	LiveFramesPushed prometheus.Counter
	WSMessages       *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg, or on the default registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected client sessions.",
		}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Assistive actions by kind and outcome.",
		}, []string{"action", "outcome"}),
		RemoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_latency_ms",
			Help:      "Latency of remote model calls in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 13000},
		}, []string{"action"}),
		LiveFramesPushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_frames_pushed_total",
			Help:      "Frames pushed into live sessions.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveRemoteLatency(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteLatency.WithLabelValues(action).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) FramePushed() {
	if m == nil {
		return
	}
	m.LiveFramesPushed.Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

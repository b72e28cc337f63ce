// Package metrics holds the prometheus collectors exported by the bridge.
// A nil *Metrics is valid and records nothing, so components can take one
// as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_app_bridge"

// Metrics groups the collectors.
type Metrics struct {
	dispatchRequests    *prometheus.CounterVec
	activeSurfaces      prometheus.Gauge
	rendererTransitions *prometheus.CounterVec
	droppedMessages     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		dispatchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Protocol requests handled by the capability dispatcher.",
		}, []string{"method", "outcome"}),
		activeSurfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_surfaces",
			Help:      "Isolated surfaces currently mounted.",
		}),
		rendererTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renderer_state_transitions_total",
			Help:      "Renderer state transitions by target state.",
		}, []string{"state"}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped by the bridge, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.dispatchRequests, m.activeSurfaces, m.rendererTransitions, m.droppedMessages)
	return m
}

// ObserveDispatch counts one handled request.
func (m *Metrics) ObserveDispatch(method, outcome string) {
	if m == nil {
		return
	}
	m.dispatchRequests.WithLabelValues(method, outcome).Inc()
}

// SurfaceMounted tracks surface lifetimes.
func (m *Metrics) SurfaceMounted() {
	if m == nil {
		return
	}
	m.activeSurfaces.Inc()
}

// SurfaceUnmounted tracks surface lifetimes.
func (m *Metrics) SurfaceUnmounted() {
	if m == nil {
		return
	}
	m.activeSurfaces.Dec()
}

// ObserveTransition counts a renderer entering state.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.rendererTransitions.WithLabelValues(state).Inc()
}

// ObserveDrop counts a message the bridge discarded.
func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.droppedMessages.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

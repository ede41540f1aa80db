// Package metrics exposes Prometheus instruments for sessions, routing and
// the cross-process relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the registry size of this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presencehub_active_sessions",
			Help: "Number of principals currently connected to this process",
		},
	)

	// RoutedEvents counts router dispatches by event type, source and outcome.
	RoutedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presencehub_routed_events_total",
			Help: "Events handled by the router by type, source and outcome",
		},
		[]string{"type", "source", "outcome"},
	)

	// Deliveries counts frames queued to connections by event type and result.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presencehub_deliveries_total",
			Help: "Frames queued to connections by event type and result",
		},
		[]string{"type", "result"},
	)

	// FanInMessages counts messages read from the external channel by result.
	FanInMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presencehub_fanin_messages_total",
			Help: "Messages received from the external channel by result",
		},
		[]string{"result"},
	)

	// Published counts events written to the external channel by result.
	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presencehub_published_events_total",
			Help: "Events published to the external channel by result",
		},
		[]string{"result"},
	)

	// Handshakes counts gateway handshakes by result.
	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presencehub_handshakes_total",
			Help: "WebSocket handshakes by result",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the bridge. All
// collectors register on the default registry and are served at /metrics by
// the web server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PollsTotal counts poll attempts per device, labelled ok/error
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_polls_total",
		Help: "Poll attempts per device.",
	}, []string{"device_id", "result"})

	// HealthState is the poller FSM state: 0=healthy 1=degraded 2=recovering 3=lost
	HealthState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdu_bridge_health_state",
		Help: "Poller health state (0=healthy 1=degraded 2=recovering 3=lost).",
	}, []string{"device_id"})

	// SubsystemErrors counts isolated fan-out failures
	SubsystemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_subsystem_errors_total",
		Help: "Fan-out subsystem failures per device.",
	}, []string{"device_id", "subsystem"})

	// TotalPowerWatts is the device-wide active power from the last snapshot
	TotalPowerWatts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdu_bridge_total_power_watts",
		Help: "Sum of bank active power from the latest snapshot.",
	}, []string{"device_id"})

	// ActiveOutlets is the count of outlets in the on state
	ActiveOutlets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdu_bridge_active_outlets",
		Help: "Outlets in the on state from the latest snapshot.",
	}, []string{"device_id"})

	// MQTTPublishes counts publish attempts, labelled ok/error/queued/dropped
	MQTTPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_mqtt_publishes_total",
		Help: "MQTT publish attempts by outcome.",
	}, []string{"result"})

	// MQTTConnected is 1 while the broker connection is up
	MQTTConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pdu_bridge_mqtt_connected",
		Help: "1 while connected to the MQTT broker.",
	})

	// CommandsTotal counts outlet commands from any source
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_outlet_commands_total",
		Help: "Outlet commands by device, action and outcome.",
	}, []string{"device_id", "action", "result"})

	// RuleTriggers counts automation rule firings and restores
	RuleTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdu_bridge_rule_events_total",
		Help: "Automation rule events by device and type.",
	}, []string{"device_id", "type"})

	// HistoryWriteErrors counts failed history record calls
	HistoryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdu_bridge_history_write_errors_total",
		Help: "Failed history record calls.",
	})
)

// Result label values
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultQueued  = "queued"
	ResultDropped = "dropped"
)

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

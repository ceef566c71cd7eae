package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	mqttMessages   *prometheus.CounterVec
	events         *prometheus.CounterVec
	remoteCommands *prometheus.CounterVec
	socketClients  prometheus.Gauge
	brokerUp       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mqttMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shairport_display_mqtt_messages_total",
			Help: "MQTT messages received, by metadata subtopic.",
		}, []string{"subtopic"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shairport_display_events_total",
			Help: "Events broadcast to browsers, by event name.",
		}, []string{"event"}),
		remoteCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shairport_display_remote_commands_total",
			Help: "Remote-control commands published to the broker.",
		}, []string{"command"}),
		socketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shairport_display_websocket_clients",
			Help: "Connected browser clients.",
		}),
		brokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shairport_display_broker_connected",
			Help: "1 while connected to the MQTT broker.",
		}),
	}
	m.registry.MustRegister(
		m.mqttMessages,
		m.events,
		m.remoteCommands,
		m.socketClients,
		m.brokerUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) messageReceived(subtopic string) {
	if m != nil {
		m.mqttMessages.WithLabelValues(subtopic).Inc()
	}
}

func (m *Metrics) eventEmitted(event string) {
	if m != nil {
		m.events.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) remoteSent(cmd string) {
	if m != nil {
		m.remoteCommands.WithLabelValues(cmd).Inc()
	}
}

func (m *Metrics) clientConnected() {
	if m != nil {
		m.socketClients.Inc()
	}
}

func (m *Metrics) clientDisconnected() {
	if m != nil {
		m.socketClients.Dec()
	}
}

func (m *Metrics) setBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerUp.Set(1)
	} else {
		m.brokerUp.Set(0)
	}
}

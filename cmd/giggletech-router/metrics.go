package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "giggletech"

// Metrics holds the router's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived *prometheus.CounterVec
	MessagesRouted  *prometheus.CounterVec
	MotorSent       *prometheus.CounterVec
	MotorFailed     *prometheus.CounterVec
	WatchdogStops   prometheus.Counter
	MaxSpeed        prometheus.Gauge
	LastMotor       prometheus.Gauge
}

// NewMetrics creates and registers all collectors plus the Go runtime ones.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Inbound UDP datagrams by decoded kind (message, bundle, undecodable).",
		}, []string{"kind"}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_routed_total",
			Help:      "Router events by classification.",
		}, []string{"route"}),
		MotorSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "motor_commands_sent_total",
			Help:      "Motor commands written to the device socket.",
		}, []string{"source"}),
		MotorFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "motor_send_failures_total",
			Help:      "Motor commands that failed to send.",
		}, []string{"source"}),
		WatchdogStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watchdog_stops_total",
			Help:      "Stop commands issued by the inactivity watchdog.",
		}),
		MaxSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "max_speed",
			Help:      "Current speed limit as a fraction.",
		}),
		LastMotor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_motor_command",
			Help:      "Last motor intensity sent by the router.",
		}),
	}

	m.registry.MustRegister(
		m.PacketsReceived,
		m.MessagesRouted,
		m.MotorSent,
		m.MotorFailed,
		m.WatchdogStops,
		m.MaxSpeed,
		m.LastMotor,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observePacket(kind string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRoute(route string) {
	if m == nil || route == "" {
		return
	}
	m.MessagesRouted.WithLabelValues(route).Inc()
}

func (m *Metrics) observeSend(source string, intensity int32, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.MotorFailed.WithLabelValues(source).Inc()
		return
	}
	m.MotorSent.WithLabelValues(source).Inc()
	if source == sourceRouter {
		m.LastMotor.Set(float64(intensity))
	}
}

func (m *Metrics) observeWatchdogStop() {
	if m == nil {
		return
	}
	m.WatchdogStops.Inc()
}

func (m *Metrics) setMaxSpeed(v float64) {
	if m == nil {
		return
	}
	m.MaxSpeed.Set(v)
}

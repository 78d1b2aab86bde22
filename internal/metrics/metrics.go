// Package metrics exposes attendance server counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mark sources
const (
	SourceDevice = "device"
	SourceManual = "manual"
)

// Metrics owns one Prometheus registry per server instance
// TECHNICAL DISCOVERY: A private registry instead of the global default lets
// every test build its own Application without duplicate registration panics
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsEnded   prometheus.Counter
	marks           *prometheus.CounterVec
	connections     prometheus.Gauge
	messages        *prometheus.CounterVec
	channelErrors   *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// New registers every collector on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classbeacon",
			Name:      "attendance_sessions_started_total",
			Help:      "Attendance sessions opened by teachers.",
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classbeacon",
			Name:      "attendance_sessions_ended_total",
			Help:      "Attendance sessions closed by teachers.",
		}),
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classbeacon",
			Name:      "presence_marks_total",
			Help:      "Presence marks by source and whether they created the record.",
		}, []string{"source", "outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classbeacon",
			Name:      "channel_connections",
			Help:      "Open live channel connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classbeacon",
			Name:      "channel_messages_total",
			Help:      "Live channel messages received by type.",
		}, []string{"type"}),
		channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classbeacon",
			Name:      "channel_errors_total",
			Help:      "Live channel error and auth_error replies by type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classbeacon",
			Name:      "channel_rate_limited_total",
			Help:      "Live channel messages rejected by the per-user limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted,
		m.sessionsEnded,
		m.marks,
		m.connections,
		m.messages,
		m.channelErrors,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests that gather values directly
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// FUNCTIONAL DISCOVERY: Every recorder is nil-safe so components built without
// metrics (unit tests, the device runtime) need no branches at call sites

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.sessionsEnded.Inc()
	}
}

// PresenceMarked records one mark; created is false for an idempotent repeat
func (m *Metrics) PresenceMarked(source string, created bool) {
	if m == nil {
		return
	}
	outcome := "duplicate"
	if created {
		outcome = "created"
	}
	m.marks.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) MessageReceived(msgType string) {
	if m != nil {
		m.messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) ChannelError(msgType string) {
	if m != nil {
		m.channelErrors.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/resilience"
)

// Metrics holds all Prometheus metrics. It implements manager.Recorder.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Runtime metrics
	Runtimes           *prometheus.GaugeVec
	RPCCalls           *prometheus.CounterVec
	RPCDuration        *prometheus.HistogramVec
	Handshakes         *prometheus.CounterVec
	HandshakeDuration  prometheus.Histogram
	MessagesRejected   *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	EventsDropped      prometheus.Counter

	// Host method metrics, labelled by catalog method name
	HostMethodCalls    *prometheus.CounterVec
	HostMethodDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for the JSON health API
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON APIs
type MetricsSnapshot struct {
	TotalRequests     int64
	TotalErrors       int64
	TotalDuration     float64
	RequestCount      int64
	RPCCalls          int64
	RPCFailures       int64
	ActiveConnections int64
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh registry, so tests never collide on the global one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginruntime_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginruntime_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginruntime_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		Runtimes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pluginruntime_runtimes",
				Help: "Plugin runtime hosts by status",
			},
			[]string{"status"},
		),
		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_rpc_calls_total",
				Help: "RPC calls across the sandbox boundary",
			},
			[]string{"plugin_id", "direction", "outcome"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginruntime_rpc_duration_seconds",
				Help:    "RPC call latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"direction"},
		),
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_handshakes_total",
				Help: "Sandbox handshakes by outcome",
			},
			[]string{"outcome"},
		),
		HandshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pluginruntime_handshake_duration_seconds",
				Help:    "Time from sandbox start to completed handshake",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
		),
		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_messages_rejected_total",
				Help: "Inbound sandbox messages dropped before dispatch",
			},
			[]string{"reason"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_breaker_transitions_total",
				Help: "Plugin call breaker state changes",
			},
			[]string{"plugin_id", "to"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginruntime_stream_events_dropped_total",
				Help: "Status and telemetry events dropped on full subscriber buffers",
			},
		),

		HostMethodCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_host_method_calls_total",
				Help: "Host method invocations by plugin, method and outcome",
			},
			[]string{"plugin_id", "method", "outcome"},
		),
		HostMethodDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginruntime_host_method_duration_seconds",
				Help:    "Host method latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method"},
		),

		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pluginruntime_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginruntime_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pluginruntime_uptime_seconds",
			Help: "Service uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RequestSize, m.ResponseSize,
		m.Runtimes, m.RPCCalls, m.RPCDuration, m.Handshakes, m.HandshakeDuration,
		m.MessagesRejected, m.BreakerTransitions, m.EventsDropped,
		m.HostMethodCalls, m.HostMethodDuration,
		m.WSConnections, m.WSMessages, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// ObserveCall records one RPC in either direction. The method is not a
// label: plugins choose those names.
func (m *Metrics) ObserveCall(pluginID string, dir runtime.Direction, _ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(pluginID, string(dir), outcome(err)).Inc()
	m.RPCDuration.WithLabelValues(string(dir)).Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.RPCCalls++
	if err != nil {
		m.snapshot.RPCFailures++
	}
	m.mu.Unlock()
}

// ObserveHandshake records one bring-up attempt
func (m *Metrics) ObserveHandshake(_ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.HandshakeDuration.Observe(d.Seconds())
	}
}

// MessageRejected counts a dropped inbound message
func (m *Metrics) MessageRejected(_ string, reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// StatusChanged moves a host between status buckets
func (m *Metrics) StatusChanged(_ string, from, to runtime.Status) {
	if m == nil {
		return
	}
	if from != "" {
		m.Runtimes.WithLabelValues(string(from)).Dec()
	}
	if to != runtime.StatusRemoved {
		m.Runtimes.WithLabelValues(string(to)).Inc()
	}
}

// BreakerChanged counts a breaker transition
func (m *Metrics) BreakerChanged(pluginID string, _, to resilience.State) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(pluginID, to.String()).Inc()
}

// EventDropped counts one event lost on a full subscriber
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// ObserveHostMethod records one host method invocation. It matches the
// hostapi.Observe callback; method names come from the catalog, so the
// label set stays bounded.
func (m *Metrics) ObserveHostMethod(pluginID, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.HostMethodCalls.WithLabelValues(pluginID, method, outcome(err)).Inc()
	m.HostMethodDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// outcome labels an error by its protocol code
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := protocol.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

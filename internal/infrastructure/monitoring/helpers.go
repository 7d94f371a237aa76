package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Summary is the JSON view of the snapshot
type Summary struct {
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	TotalRequests     int64   `json:"totalRequests"`
	TotalErrors       int64   `json:"totalErrors"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
	RPCCalls          int64   `json:"rpcCalls"`
	RPCFailures       int64   `json:"rpcFailures"`
	ActiveConnections int64   `json:"activeConnections"`
}

// Summary returns the current snapshot values
func (m *Metrics) Summary() Summary {
	if m == nil {
		return Summary{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		UptimeSeconds:     timeSince(m.startTime),
		TotalRequests:     m.snapshot.TotalRequests,
		TotalErrors:       m.snapshot.TotalErrors,
		RPCCalls:          m.snapshot.RPCCalls,
		RPCFailures:       m.snapshot.RPCFailures,
		ActiveConnections: m.snapshot.ActiveConnections,
	}
	if m.snapshot.RequestCount > 0 {
		s.AvgLatencyMs = m.snapshot.TotalDuration / float64(m.snapshot.RequestCount) * 1000
	}
	return s
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

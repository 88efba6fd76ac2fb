package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	WebSocketConnections prometheus.Gauge

	ChatRequests       prometheus.Counter
	ChatRequestLatency prometheus.Histogram
	ChatErrors         *prometheus.CounterVec

	ToolQueries  *prometheus.CounterVec
	MemoryWrites *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mira_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		ChatRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mira_chat_requests_total",
			Help: "Total number of chat requests processed",
		}),

		ChatRequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mira_chat_request_duration_seconds",
			Help:    "Chat request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // LLM calls can run minutes
		}),

		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		ToolQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_tool_queries_total",
			Help: "Total number of tool loop SQL queries by outcome",
		}, []string{"outcome"}), // "ok", "rejected", "failed"

		MemoryWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_memory_writes_total",
			Help: "Total number of memory entries written by layer",
		}, []string{"layer"}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance; nil until InitMetrics runs
// (tests skip metrics entirely).
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketOpened bumps the active-connection gauge
func (m *Metrics) RecordWebSocketOpened() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketClosed drops the active-connection gauge
func (m *Metrics) RecordWebSocketClosed() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordChatRequest records a chat request
func (m *Metrics) RecordChatRequest() {
	if m == nil {
		return
	}
	m.ChatRequests.Inc()
}

// RecordChatLatency records chat request latency
func (m *Metrics) RecordChatLatency(seconds float64) {
	if m == nil {
		return
	}
	m.ChatRequestLatency.Observe(seconds)
}

// RecordChatError records a chat error
func (m *Metrics) RecordChatError(errorType string) {
	if m == nil {
		return
	}
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

// RecordToolQuery records a tool loop query outcome
func (m *Metrics) RecordToolQuery(outcome string) {
	if m == nil {
		return
	}
	m.ToolQueries.WithLabelValues(outcome).Inc()
}

// RecordMemoryWrite records a stored memory entry
func (m *Metrics) RecordMemoryWrite(layer string) {
	if m == nil {
		return
	}
	m.MemoryWrites.WithLabelValues(layer).Inc()
}

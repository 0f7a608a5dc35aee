// Package metrics provides Prometheus instrumentation for the duochat presence
// server. It exposes gauges for connection and online-user counts, counters
// for notice throughput and read-receipt flips, and a histogram for event
// handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections,
	// including superseded ones that have not closed yet.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the number of users holding an authoritative connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_online_users",
		Help: "Current number of users with a registered connection",
	})

	// ActivePairings tracks the number of users currently viewing a conversation.
	ActivePairings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_active_pairings",
		Help: "Current number of recorded chat pairings",
	})

	// ChatStatusTotal counts emitted chat statuses, labeled by status:
	// "offline", "active" or "connect".
	ChatStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_chat_status_total",
		Help: "Total number of chatStatus notices staged",
	}, []string{"status"})

	// NoticesTotal counts notices delivered to a connection, labeled by event type.
	NoticesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_notices_total",
		Help: "Total number of notices written to connections",
	}, []string{"type"})

	// NoticesDropped counts notices whose target was not registered or whose
	// write failed.
	NoticesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_notices_dropped_total",
		Help: "Total number of notices dropped",
	}, []string{"reason"}) // reason = "offline", "write_error"

	// ReadReceiptFlips counts messages flipped to read, labeled by trigger:
	// "connect" (mutual pairing edge), "request" (explicit markRead) or "send"
	// (stored pre-read).
	ReadReceiptFlips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_read_receipt_flips_total",
		Help: "Total number of messages marked read",
	}, []string{"trigger"})

	// StoreErrors counts failed message store calls, labeled by operation.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_store_errors_total",
		Help: "Total number of failed message store operations",
	}, []string{"op"})

	// RateLimited counts events rejected by the rate limiter, labeled by rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_rate_limited_total",
		Help: "Total number of events rejected by rate limiting",
	}, []string{"rule"})

	// EventLatency records engine event handling latency in seconds, labeled
	// by event type.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duochat_event_latency_seconds",
		Help:    "Presence event handling latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ActivePairings,
		ChatStatusTotal,
		NoticesTotal,
		NoticesDropped,
		ReadReceiptFlips,
		StoreErrors,
		RateLimited,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus instrumentation for the chatlink
// client. It exposes a gauge for the connection state, counters for message
// flow and retransmissions, and a histogram for auth handshake latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connected is 1 while an authenticated session is active, 0 otherwise.
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatlink_connected",
		Help: "Whether an authenticated provider session is active (1 or 0)",
	})

	// MessagesSent counts outbound chat messages, labeled by outcome:
	// "sent", "retransmit", "rejected".
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_messages_sent_total",
		Help: "Total outbound chat messages",
	}, []string{"kind"}) // kind = "sent", "retransmit", "rejected"

	// MessagesReceived counts inbound chat messages.
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_messages_received_total",
		Help: "Total inbound chat messages",
	})

	// AcksReceived counts server acknowledgments matched to a pending message.
	AcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_acks_received_total",
		Help: "Total acks matched to a pending outbound message",
	})

	// SessionErrors counts protocol error frames, labeled by error code.
	SessionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatlink_session_errors_total",
		Help: "Total error frames received from the provider",
	}, []string{"code"})

	// HandshakeDuration records auth handshake latency in seconds.
	HandshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatlink_handshake_duration_seconds",
		Help:    "Time from socket open to auth_result",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// PendingMessages tracks the current number of unacknowledged messages.
	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatlink_pending_messages",
		Help: "Current number of unacknowledged outbound messages",
	})
)

func init() {
	prometheus.MustRegister(
		Connected,
		MessagesSent,
		MessagesReceived,
		AcksReceived,
		SessionErrors,
		HandshakeDuration,
		PendingMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes the client's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// REST metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giglink_api_requests_total",
			Help: "Total REST requests issued by the client",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "giglink_api_request_duration_seconds",
			Help:    "REST request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"endpoint"},
	)

	UploadsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giglink_uploads_rejected_total",
			Help: "Attachments rejected client-side for exceeding the size limit",
		},
	)

	// Real-time channel metrics
	RealtimeEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giglink_realtime_events_received_total",
			Help: "Inbound real-time events by name",
		},
		[]string{"event"},
	)

	RealtimeEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giglink_realtime_events_sent_total",
			Help: "Outbound real-time events by name",
		},
		[]string{"event"},
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giglink_realtime_reconnects_total",
			Help: "Successful real-time channel reconnects",
		},
	)

	RealtimeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giglink_realtime_connected",
			Help: "1 while the real-time channel is connected",
		},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giglink_messages_sent_total",
			Help: "Messages sent from this client",
		},
		[]string{"message_type"},
	)

	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giglink_unread_total",
			Help: "Aggregate unread count last observed by the notification aggregator",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

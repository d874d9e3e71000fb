package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiremesh_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wiremesh_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiremesh_messages_total",
			Help: "Messages accepted by the router, by outcome",
		},
		[]string{"outcome"}, // "delivered", "queued", "rejected"
	)

	DrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wiremesh_queue_drained_total",
			Help: "Queued messages delivered on reconnect",
		},
	)

	QueueEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiremesh_queue_evictions_total",
			Help: "Queued messages dropped by the retention policy",
		},
		[]string{"reason"}, // "capacity", "expired"
	)

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wiremesh_presence_online",
			Help: "Identities currently holding an open connection",
		},
	)

	// Signaling metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wiremesh_rooms_active",
			Help: "Voice rooms currently tracked by the relay",
		},
	)

	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiremesh_room_joins_total",
			Help: "Voice room join attempts, by result",
		},
		[]string{"result"},
	)

	ForwardedPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wiremesh_forwarded_rtp_packets_total",
			Help: "RTP packets fanned out to mesh peers",
		},
	)
)

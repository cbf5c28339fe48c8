package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Currently registered sockets",
		},
		[]string{"kind"}, // "chat" or "notification"
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_connections_closed_total",
			Help: "Sockets unregistered, by close classification",
		},
		[]string{"kind", "classification"},
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_heartbeat_timeouts_total",
			Help: "Sockets terminated for missing heartbeats",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rate_limit_hits_total",
			Help: "Inbound frames rejected by the per-connection limiter",
		},
		[]string{"kind"},
	)

	// Delivery metrics
	FramesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_delivered_total",
			Help: "Frames accepted by at least one live socket",
		},
		[]string{"kind"},
	)

	FramesBuffered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_buffered_total",
			Help: "Frames stored in a pending buffer",
		},
		[]string{"kind"},
	)

	PendingEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_pending_evicted_total",
			Help: "Oldest pending frames dropped at the buffer cap",
		},
	)

	PendingFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_pending_flushed_total",
			Help: "Pending frames sent on reconnect",
		},
	)

	// Broker metrics
	BrokerPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broker_publish_total",
			Help: "Publish outcomes after retries",
		},
		[]string{"exchange", "result"}, // "ok" or "error"
	)

	BrokerConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broker_consumed_total",
			Help: "Deliveries consumed, by ack outcome",
		},
		[]string{"kind", "outcome"}, // "ack", "requeue", "dead_letter"
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broker_reconnects_total",
			Help: "Successful broker (re)connections",
		},
	)

	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_broker_connected",
			Help: "1 while a broker channel is available",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_dead_letters_total",
			Help: "Messages drained from dead-letter queues",
		},
		[]string{"queue"},
	)

	// Persistence service
	PersistenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_persistence_request_duration_seconds",
			Help:    "Persistence service call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"result"},
	)
)

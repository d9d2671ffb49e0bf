package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "job_dispatch"

var (
	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_created_total", Help: "Total jobs created"})
	ClaimsTotal      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by outcome"},
		[]string{"outcome"},
	)
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "completions_total", Help: "Completion attempts by outcome"},
		[]string{"outcome"},
	)
	TransitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "transition_latency_seconds", Help: "Job compare-and-swap latency seconds"})

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_total", Help: "Driver heartbeats by result"},
		[]string{"result"},
	)
	LocationEventsPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_events_published_total", Help: "Position events fanned out after throttling"})

	ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat messages appended"})

	BusSubscribersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_subscribers_dropped_total", Help: "Subscribers disconnected for falling too far behind"},
		[]string{"topic_kind"},
	)

	StatsActiveOrders      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "stats_active_orders", Help: "Jobs searching or claimed"})
	StatsCumulativeRevenue = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "stats_cumulative_revenue", Help: "Sum of claimed job prices"})
	StatsDriftTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stats_drift_total", Help: "Reconciliation runs where live stats differed from a full scan"})

	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "kafka_messages_total", Help: "Kafka messages by stream and result"},
		[]string{"stream", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	WebsocketStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "websocket_streams", Help: "Open websocket streams"},
		[]string{"stream"},
	)
)

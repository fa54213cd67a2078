package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	chatConnectionsActive   prometheus.Gauge
	chatEventsTotal         *prometheus.CounterVec
	chatEventLatencySeconds *prometheus.HistogramVec
	chatBroadcastsTotal     *prometheus.CounterVec
	chatPublishFailures     *prometheus.CounterVec
	chatMessagesSentTotal   *prometheus.CounterVec

	uploadRequestsTotal  *prometheus.CounterVec
	uploadRejectedTotal  *prometheus.CounterVec
	uploadLatencySeconds prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the chat API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of REST requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_latency_seconds",
			Help:    "Latency distribution for REST requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_errors_total",
			Help: "Total number of error responses returned by REST endpoints.",
		}, []string{"method", "route", "status"})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of realtime connections held by this process.",
		})

		chatEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Inbound realtime events by name and result.",
		}, []string{"event", "result"})

		chatEventLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_event_latency_seconds",
			Help:    "Handling latency of inbound realtime events.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"event"})

		chatBroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Room broadcasts delivered to local connections, by origin.",
		}, []string{"origin"})

		chatPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_fanout_publish_failures_total",
			Help: "Broadcasts that could not be published to other processes.",
		}, []string{"driver"})

		chatMessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, by message type.",
		}, []string{"type"})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upload_requests_total",
			Help: "Stored attachment uploads by attachment type.",
		}, []string{"kind"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upload_rejected_total",
			Help: "Rejected attachment uploads by reason.",
		}, []string{"reason"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_upload_latency_seconds",
			Help:    "Latency of attachment uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatConnectionsActive, chatEventsTotal, chatEventLatencySeconds,
			chatBroadcastsTotal, chatPublishFailures, chatMessagesSentTotal,
			uploadRequestsTotal, uploadRejectedTotal, uploadLatencySeconds,
		)
	})
}

// HTTPRequests exposes the counter for REST requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for REST requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for REST error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnections exposes the gauge of live realtime connections.
func ChatConnections() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatEvents exposes the counter of inbound realtime events.
func ChatEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return chatEventsTotal
}

// ChatEventLatency exposes the realtime event latency histogram.
func ChatEventLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return chatEventLatencySeconds
}

// ChatBroadcasts exposes the counter of locally delivered broadcasts.
func ChatBroadcasts() *prometheus.CounterVec {
	RegisterMetrics()
	return chatBroadcastsTotal
}

// ChatPublishFailures exposes the counter of failed cross-process publishes.
func ChatPublishFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return chatPublishFailures
}

// ChatMessagesSent exposes the counter of persisted messages.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSentTotal
}

// UploadRequests exposes the counter of stored uploads.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected exposes the counter of rejected uploads.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

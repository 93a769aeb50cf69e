package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry served at /metrics
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts management API requests by method, route template, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts finished attempts by event type and resulting status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and resulting status."},
		[]string{"event_type", "status"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
		[]string{"event_type", "status"},
	)
	// QueueDepth is the number of attempts waiting for a pool worker
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "webhook_queue_depth", Help: "Delivery attempts queued for the worker pool."},
	)
	SubmissionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_submissions_dropped_total", Help: "Attempts not queued because the pool was full or closed."},
	)
	FeedEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_feed_events_dropped_total", Help: "Delivery feed events not relayed because the relay queue was full."},
	)
	// BridgeEvents counts bus events seen by the bridge: forwarded, unknown_event, missing_company, unencodable
	BridgeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_bridge_events_total", Help: "Domain events seen by the webhook bridge by outcome."},
		[]string{"outcome"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(SubmissionsDropped)
		Registry.MustRegister(BridgeEvents)
		Registry.MustRegister(FeedEventsDropped)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

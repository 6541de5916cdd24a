// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingress metrics
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec

	// Worker metrics
	JobsProcessed         *prometheus.CounterVec
	JobsInFlight          prometheus.Gauge
	StageTransitions      *prometheus.CounterVec
	StageLatency          *prometheus.HistogramVec
	OrderDuration         *prometheus.HistogramVec
	DeadlineOverruns      *prometheus.CounterVec
	RateLimiterWaits      prometheus.Counter
	ExecutionRecordErrors prometheus.Counter

	// Router metrics
	QuoteLatency    *prometheus.HistogramVec
	QuoteFailures   *prometheus.CounterVec
	RoutingFailures prometheus.Counter
	VenueSelected   *prometheus.CounterVec
	OracleFallbacks prometheus.Counter

	// Queue metrics
	QueueRetries     prometheus.Counter
	QueueDeadLetters prometheus.Counter
	StalledRecovered prometheus.Counter

	// Event fan-out metrics
	EventsPublished    *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	ObserversConnected prometheus.Gauge
	ObserverDrops      prometheus.Counter

	// Dependency metrics
	RPCCallLatency  *prometheus.HistogramVec
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "swap_engine"
	}

	return &Metrics{
		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "orders_submitted_total",
			Help:      "Total number of orders accepted by execution mode",
		}, []string{"mode"}),
		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "orders_rejected_total",
			Help:      "Total number of order submissions rejected by reason",
		}, []string{"reason"}),

		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs handled by result (ack, retry, discard)",
		}, []string{"result"}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being executed",
		}),
		StageTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stage_transitions_total",
			Help:      "Total number of persisted order status transitions",
		}, []string{"status"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stage_latency_seconds",
			Help:      "Time spent reaching each status since processing began",
			Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 8, 10, 15, 30},
		}, []string{"status"}),
		OrderDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "order_duration_seconds",
			Help:      "End-to-end processing time of terminal orders",
			Buckets:   []float64{1, 2, 4, 6, 8, 10, 15, 20, 30, 60},
		}, []string{"status"}),
		DeadlineOverruns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "deadline_overruns_total",
			Help:      "Orders exceeding the soft budget or the hard cutoff",
		}, []string{"kind"}),
		RateLimiterWaits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rate_limiter_waits_total",
			Help:      "Jobs that waited for the sliding-window rate limiter",
		}),
		ExecutionRecordErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "execution_record_errors_total",
			Help:      "Failed writes of execution summaries",
		}),

		QuoteLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "quote_latency_seconds",
			Help:      "Venue quote latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue", "mode"}),
		QuoteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "quote_failures_total",
			Help:      "Venue quote failures",
		}, []string{"venue", "mode"}),
		RoutingFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routing_failures_total",
			Help:      "Routing attempts where no venue returned a quote",
		}),
		VenueSelected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "venue_selected_total",
			Help:      "Number of times each venue won routing",
		}, []string{"venue"}),
		OracleFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "oracle_fallbacks_total",
			Help:      "Price lookups served from the static fallback table",
		}),

		QueueRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Jobs scheduled for delayed redelivery",
		}),
		QueueDeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead list",
		}),
		StalledRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stalled_recovered_total",
			Help:      "Jobs requeued after their worker lease expired",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Lifecycle events published by status",
		}, []string{"status"}),
		PublishFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Lifecycle events that could not be published",
		}, []string{"status"}),
		ObserversConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "observers_connected",
			Help:      "Number of connected websocket observers",
		}),
		ObserverDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "observer_drops_total",
			Help:      "Observers disconnected for being slow or broken",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordOrderSubmitted increments the accepted orders counter.
func RecordOrderSubmitted(mode string) {
	DefaultMetrics.OrdersSubmitted.WithLabelValues(mode).Inc()
}

// RecordOrderRejected increments the rejected submissions counter.
func RecordOrderRejected(reason string) {
	DefaultMetrics.OrdersRejected.WithLabelValues(reason).Inc()
}

// RecordJobResult records how a job was settled.
func RecordJobResult(result string) {
	DefaultMetrics.JobsProcessed.WithLabelValues(result).Inc()
}

// JobStarted and JobFinished track the in-flight gauge.
func JobStarted()  { DefaultMetrics.JobsInFlight.Inc() }
func JobFinished() { DefaultMetrics.JobsInFlight.Dec() }

// RecordTransition records a persisted status change and its offset from job start.
func RecordTransition(status string, sinceStart float64) {
	DefaultMetrics.StageTransitions.WithLabelValues(status).Inc()
	DefaultMetrics.StageLatency.WithLabelValues(status).Observe(sinceStart)
}

// RecordOrderFinished records the end-to-end duration of a terminal order.
func RecordOrderFinished(status string, seconds float64) {
	DefaultMetrics.OrderDuration.WithLabelValues(status).Observe(seconds)
}

// RecordDeadlineOverrun records a soft ("soft") or hard ("hard") budget breach.
func RecordDeadlineOverrun(kind string) {
	DefaultMetrics.DeadlineOverruns.WithLabelValues(kind).Inc()
}

// RecordRateLimited records a job that waited on the rate limiter.
func RecordRateLimited() {
	DefaultMetrics.RateLimiterWaits.Inc()
}

// RecordExecutionRecordError records a failed analytics write.
func RecordExecutionRecordError() {
	DefaultMetrics.ExecutionRecordErrors.Inc()
}

// RecordQuote records a venue quote attempt.
func RecordQuote(venue, mode string, seconds float64, err error) {
	DefaultMetrics.QuoteLatency.WithLabelValues(venue, mode).Observe(seconds)
	if err != nil {
		DefaultMetrics.QuoteFailures.WithLabelValues(venue, mode).Inc()
	}
}

// RecordRoutingFailure records a routing attempt with no usable quote.
func RecordRoutingFailure() {
	DefaultMetrics.RoutingFailures.Inc()
}

// RecordVenueSelected records the winning venue of a routing decision.
func RecordVenueSelected(venue string) {
	DefaultMetrics.VenueSelected.WithLabelValues(venue).Inc()
}

// RecordOracleFallback records a price served from the fallback table.
func RecordOracleFallback() {
	DefaultMetrics.OracleFallbacks.Inc()
}

// RecordQueueRetry records a delayed redelivery.
func RecordQueueRetry() {
	DefaultMetrics.QueueRetries.Inc()
}

// RecordDeadLetter records a job exhausting its attempts.
func RecordDeadLetter() {
	DefaultMetrics.QueueDeadLetters.Inc()
}

// RecordStalledRecovered records jobs requeued after a lost lease.
func RecordStalledRecovered(n int) {
	DefaultMetrics.StalledRecovered.Add(float64(n))
}

// RecordPublish records an event publication attempt.
func RecordPublish(status string, err error) {
	if err != nil {
		DefaultMetrics.PublishFailures.WithLabelValues(status).Inc()
		return
	}
	DefaultMetrics.EventsPublished.WithLabelValues(status).Inc()
}

// SetObservers sets the connected observers gauge.
func SetObservers(n int) {
	DefaultMetrics.ObserversConnected.Set(float64(n))
}

// RecordObserverDrop records an observer pruned from the hub.
func RecordObserverDrop() {
	DefaultMetrics.ObserverDrops.Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"pipeline"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"pipeline"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"pipeline"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"pipeline"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"pipeline"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"pipeline"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting for a worker slot",
		},
		[]string{"pipeline"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_scheduled_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"pipeline"},
	)
	RetriesExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_exhausted_total",
			Help: "Total number of jobs abandoned after exhausting retries",
		},
		[]string{"pipeline"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"channel"},
	)
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total number of frames dropped from full subscriber mailboxes",
		},
		[]string{"channel"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Currently connected WebSocket clients",
		},
	)
	WSMessagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total number of frames written to WebSocket clients",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(RetriesExhaustedTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(WSClients)
	prometheus.MustRegister(WSMessagesSentTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(pipeline string) {
	JobsEnqueuedTotal.WithLabelValues(pipeline).Inc()
}

// StartProcessingJob and EndProcessingJob bracket one handler invocation.
// The outcome counters are incremented separately because a retried attempt
// ends processing without being terminal.
func StartProcessingJob(pipeline string) {
	JobsProcessing.WithLabelValues(pipeline).Inc()
}

func EndProcessingJob(pipeline string) {
	JobsProcessing.WithLabelValues(pipeline).Dec()
}

func CompleteJob(pipeline string) {
	JobsCompletedTotal.WithLabelValues(pipeline).Inc()
}

func FailJob(pipeline string) {
	JobsFailedTotal.WithLabelValues(pipeline).Inc()
}

func CancelJob(pipeline string) {
	JobsCancelledTotal.WithLabelValues(pipeline).Inc()
}

func ObserveJobDuration(pipeline string, seconds float64) {
	JobDuration.WithLabelValues(pipeline).Observe(seconds)
}

func SetQueueDepth(pipeline string, depth int) {
	QueueDepth.WithLabelValues(pipeline).Set(float64(depth))
}

func RetryScheduled(pipeline string) {
	RetriesScheduledTotal.WithLabelValues(pipeline).Inc()
}

func RetryExhausted(pipeline string) {
	RetriesExhaustedTotal.WithLabelValues(pipeline).Inc()
}

func EventPublished(channel string) {
	EventsPublishedTotal.WithLabelValues(channel).Inc()
}

func EventDropped(channel string) {
	EventsDroppedTotal.WithLabelValues(channel).Inc()
}

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

	TasksProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_tasks_processed_total",
			Help: "Total number of tasks pulled and executed by the worker",
		},
	)
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_tasks_completed_total",
			Help: "Total number of tasks finished successfully",
		},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_tasks_failed_total",
			Help: "Total number of failed task attempts by kind",
		},
		[]string{"kind"}, // transient | permanent
	)
	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_task_retries_total",
			Help: "Total number of task retries scheduled",
		},
	)
	OrphansRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_orphans_recovered_total",
			Help: "Total number of orphaned tasks returned to pending",
		},
	)
	ActiveClaims = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_active_claims",
			Help: "Number of tasks currently claimed by this worker",
		},
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_dispatch_duration_seconds",
			Help:    "Outbound dispatch duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	RefundsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_refunds_issued_total",
			Help: "Total number of refund balance transactions written",
		},
	)
	RefundAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_refund_anomalies_total",
			Help: "Total number of refund anomalies recorded by severity",
		},
		[]string{"severity"},
	)
	NodeHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_node_health",
			Help: "Node health band (1 for the node's current band, 0 otherwise)",
		},
		[]string{"node_id", "health"},
	)
	DegradedFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_degraded_fallbacks_total",
			Help: "Total number of selections that fell back to a degraded node",
		},
	)
)

// InitMetrics registers the collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksProcessedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(OrphansRecoveredTotal)
	prometheus.MustRegister(ActiveClaims)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(RefundsIssuedTotal)
	prometheus.MustRegister(RefundAnomaliesTotal)
	prometheus.MustRegister(NodeHealthGauge)
	prometheus.MustRegister(DegradedFallbacksTotal)
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
			route = r.URL.Path
		}
		method := r.Method
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// SetNodeHealth flips the per-band gauge for a node.
func SetNodeHealth(nodeID, health string) {
	for _, band := range []string{"healthy", "degraded", "offline"} {
		v := 0.0
		if band == health {
			v = 1.0
		}
		NodeHealthGauge.WithLabelValues(nodeID, band).Set(v)
	}
}

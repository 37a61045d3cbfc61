// Package metrics holds the Prometheus collectors for jobs, credits,
// provider calls and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genforge"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of jobs accepted for processing.",
		},
		[]string{"kind"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs that reached a terminal status.",
		},
		[]string{"kind", "status"},
	)

	itemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "items",
			Name:      "processed_total",
			Help:      "Total number of job items recorded, by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	creditsCharged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "charged_total",
			Help:      "Total credits debited for job items.",
		},
		[]string{"kind"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Duration of generation provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		},
		[]string{"kind", "result"},
	)

	pollAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "attempts",
			Help:      "Poll attempts spent per asynchronous task.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		jobsSubmitted,
		jobsFinished,
		itemsProcessed,
		creditsCharged,
		providerLatency,
		pollAttempts,
		httpInFlight,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordJobSubmitted(kind string) {
	jobsSubmitted.WithLabelValues(kind).Inc()
}

func RecordJobFinished(kind, status string) {
	jobsFinished.WithLabelValues(kind, status).Inc()
}

// RecordItem counts one recorded item. outcome is "succeeded" or the error
// classification.
func RecordItem(kind, outcome string, charged int) {
	itemsProcessed.WithLabelValues(kind, outcome).Inc()
	if charged > 0 {
		creditsCharged.WithLabelValues(kind).Add(float64(charged))
	}
}

// ObserveProviderCall records the latency of one provider call.
func ObserveProviderCall(kind string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerLatency.WithLabelValues(kind, result).Observe(duration.Seconds())
}

func ObservePollAttempts(status string, attempts int) {
	pollAttempts.WithLabelValues(status).Observe(float64(attempts))
}

// Middleware records request count and latency labelled by chi route pattern,
// so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

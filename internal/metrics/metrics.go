package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Feed generation outcomes.
const (
	ResultOK          = "ok"
	ResultNotModified = "not_modified"
	ResultCached      = "cached"
	ResultError       = "error"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcal_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gigcal_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	feedsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcal_feeds_served_total",
		Help: "Calendar feeds served, by outcome.",
	}, []string{"result"})

	feedEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gigcal_feed_events",
		Help:    "Number of VEVENT entries per generated feed.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gigcal_store_latency_seconds",
		Help:    "Histogram of event store operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"driver", "operation"})

	storeReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcal_store_reloads_total",
		Help: "Scheduled store reloads, by outcome.",
	}, []string{"result"})
)

// Middleware records request counts and latencies labelled by chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The route pattern is only complete after routing has run.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFeed records one feed request outcome and, for generated feeds,
// how many events it carried.
func ObserveFeed(result string, eventCount int) {
	feedsServed.WithLabelValues(result).Inc()
	if result == ResultOK {
		feedEvents.Observe(float64(eventCount))
	}
}

// ObserveStoreLatency records how long a store operation took.
func ObserveStoreLatency(driver, operation string, start time.Time) {
	storeLatency.WithLabelValues(driver, operation).Observe(time.Since(start).Seconds())
}

// ObserveReload counts a scheduled store reload.
func ObserveReload(err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	storeReloads.WithLabelValues(result).Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

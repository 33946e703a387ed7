// Package metrics exposes the Prometheus instrumentation shared by the API
// server and the query pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set once at startup with the ldflags build values.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "askdb_build_info",
		Help: "Build information, value is always 1",
	}, []string{"version", "commit", "date"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askdb_http_requests_total",
		Help: "HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "askdb_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	chatTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askdb_chat_turns_total",
		Help: "Chat turns by outcome (answered, clarification, conversation, error)",
	}, []string{"outcome"})

	sqlQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "askdb_sql_query_duration_seconds",
		Help:    "Warehouse query latency",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"status"})

	anthropicRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "askdb_anthropic_request_duration_seconds",
		Help:    "Anthropic API request latency",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60},
	}, []string{"status"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askdb_cache_lookups_total",
		Help: "Cache lookups by cache name and result",
	}, []string{"cache", "result"})
)

// Middleware records request counts and latency, labelled by the Chi route
// pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.code)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE handlers keep working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecordChatTurn counts one completed chat turn.
func RecordChatTurn(outcome string) {
	chatTurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordSQLQuery records a warehouse query.
func RecordSQLQuery(d time.Duration, err error) {
	sqlQueryDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// RecordAnthropicRequest records a model call.
func RecordAnthropicRequest(d time.Duration, err error) {
	anthropicRequestDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// RecordCacheLookup counts a hit or miss for a named in-process cache.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

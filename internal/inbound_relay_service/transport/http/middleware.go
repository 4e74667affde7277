package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_relay",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status_code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inbound_relay",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// PrometheusMetricsMiddleware records request counts and latencies per route pattern.
func PrometheusMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		statusCode := ww.Status()
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		httpRequestDurationSeconds.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(statusCode)).Inc()
	})
}

// InternalSecretMiddleware admits requests carrying the shared internal secret in headerName.
// An unset secret rejects every request with 500.
func InternalSecretMiddleware(secret, headerName string, logger *slog.Logger) func(next http.Handler) http.Handler {
	if headerName == "" {
		headerName = "x-internal-secret"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				logger.ErrorContext(r.Context(), "Internal API secret is not configured")
				respondError(w, http.StatusInternalServerError, "internal secret is not configured")
				return
			}
			provided := r.Header.Get(headerName)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				logger.WarnContext(r.Context(), "Rejected internal request with invalid secret",
					"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
				respondError(w, http.StatusUnauthorized, "invalid internal secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig configures the internal secret guard.
type RouterConfig struct {
	InternalSecret string
	HeaderName     string
}

// NewRouter mounts /healthz and /metrics unauthenticated and everything under /internal behind
// the internal secret.
func NewRouter(handler *InternalHandler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalSecretMiddleware(cfg.InternalSecret, cfg.HeaderName, logger))
		r.Post("/crm/outbound-message", handler.HandleOutboundMessage)
		r.Post("/crm/provider-outbound-message", handler.HandleProviderOutboundMessage)
		r.Get("/routing-failures", handler.HandleListRoutingFailures)
		r.Get("/inbound-sync/{locationId}/{dedupKey}", handler.HandleGetInboundSync)
	})
	return r
}

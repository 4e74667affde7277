package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/app"
	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
)

// WebhookProcessor is implemented by app.ConversationService.
type WebhookProcessor interface {
	ProcessOutboundMessage(ctx context.Context, req app.OutboundMessageWebhook) (*app.WebhookResult, error)
	ProcessProviderOutboundMessage(ctx context.Context, req app.ProviderOutboundMessageWebhook) (*app.WebhookResult, error)
}

// RoutingFailureLister is implemented by the routing repository.
type RoutingFailureLister interface {
	ListRoutingFailures(ctx context.Context, page, limit int) ([]domain.RoutingFailure, int, error)
}

// SyncLookup is implemented by the inbound sync repository.
type SyncLookup interface {
	FindByDedupKey(ctx context.Context, locationID, dedupKey string) (*domain.InboundSyncRecord, error)
}

type InternalHandler struct {
	webhooks WebhookProcessor
	failures RoutingFailureLister
	syncs    SyncLookup
	logger   *slog.Logger
}

func NewInternalHandler(webhooks WebhookProcessor, failures RoutingFailureLister, syncs SyncLookup, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{
		webhooks: webhooks,
		failures: failures,
		syncs:    syncs,
		logger:   logger.With("handler", "internal"),
	}
}

func (h *InternalHandler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
}

// HandleOutboundMessage handles POST /internal/crm/outbound-message.
func (h *InternalHandler) HandleOutboundMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var req app.OutboundMessageWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode outbound-message webhook", "error", err)
		respondError(w, http.StatusBadRequest, "Invalid JSON format: "+err.Error())
		return
	}

	res, err := h.webhooks.ProcessOutboundMessage(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to process outbound-message webhook", "error", err, "location_id", req.LocationID)
		respondError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}
	respondJSON(w, http.StatusAccepted, DataResponse{Data: res})
}

// HandleProviderOutboundMessage handles POST /internal/crm/provider-outbound-message.
func (h *InternalHandler) HandleProviderOutboundMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var req app.ProviderOutboundMessageWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode provider-outbound-message webhook", "error", err)
		respondError(w, http.StatusBadRequest, "Invalid JSON format: "+err.Error())
		return
	}

	res, err := h.webhooks.ProcessProviderOutboundMessage(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to process provider-outbound-message webhook", "error", err, "location_id", req.LocationID)
		respondError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}
	respondJSON(w, http.StatusAccepted, DataResponse{Data: res})
}

// HandleListRoutingFailures handles GET /internal/routing-failures?page=&limit=.
func (h *InternalHandler) HandleListRoutingFailures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, limit = domain.NormalizePage(page, limit)

	failures, total, err := h.failures.ListRoutingFailures(ctx, page, limit)
	if err != nil {
		h.requestLogger(r).ErrorContext(ctx, "Failed to list routing failures", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list routing failures")
		return
	}
	if failures == nil {
		failures = []domain.RoutingFailure{}
	}
	respondJSON(w, http.StatusOK, PagedResponse{
		Data: failures,
		Meta: PageMeta{Page: page, Limit: limit, Total: total, TotalPages: domain.TotalPages(total, limit)},
	})
}

// HandleGetInboundSync handles GET /internal/inbound-sync/{locationId}/{dedupKey}.
func (h *InternalHandler) HandleGetInboundSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locationID := chi.URLParam(r, "locationId")
	dedupKey := chi.URLParam(r, "dedupKey")

	record, err := h.syncs.FindByDedupKey(ctx, locationID, dedupKey)
	if err != nil {
		h.requestLogger(r).ErrorContext(ctx, "Failed to load inbound sync", "error", err, "location_id", locationID)
		respondError(w, http.StatusInternalServerError, "Failed to load inbound sync")
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "inbound sync not found")
		return
	}
	respondJSON(w, http.StatusOK, DataResponse{Data: record})
}

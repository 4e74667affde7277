package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/google/uuid"
)

const (
	WebhookStatusAccepted = "accepted"
	WebhookStatusRejected = "rejected"
)

// OutboundMessageWebhook is sent by the CRM when a message is posted in a conversation.
type OutboundMessageWebhook struct {
	LocationID     string `json:"locationId"`
	ContactID      string `json:"contactId"`
	ConversationID string `json:"conversationId"`
}

// ProviderOutboundMessageWebhook is sent by the CRM when it wants the gateway to send an SMS.
type ProviderOutboundMessageWebhook struct {
	LocationID string `json:"locationId"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Phone      string `json:"phone"`
	ContactID  string `json:"contactId,omitempty"`
}

// WebhookResult is returned to the CRM. UpdatedCount is only set for outbound-message webhooks.
type WebhookResult struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	UpdatedCount *int64 `json:"updatedCount,omitempty"`
}

func rejected(reason string) *WebhookResult {
	return &WebhookResult{Status: WebhookStatusRejected, Reason: reason}
}

// ConversationService keeps conversation pointers in step with CRM-side activity and forwards
// CRM send requests to the device gateway.
type ConversationService struct {
	pointers    domain.ConversationPointerRepository
	routing     domain.RoutingResolver
	failures    domain.RoutingFailureRecorder
	publisher   domain.EventPublisher
	sendSubject string
	normalizer  *domain.PhoneNormalizer
	logger      *slog.Logger
	now         func() time.Time
}

func NewConversationService(
	pointers domain.ConversationPointerRepository,
	routing domain.RoutingResolver,
	failures domain.RoutingFailureRecorder,
	publisher domain.EventPublisher,
	sendSubject string,
	normalizer *domain.PhoneNormalizer,
	logger *slog.Logger,
) *ConversationService {
	return &ConversationService{
		pointers:    pointers,
		routing:     routing,
		failures:    failures,
		publisher:   publisher,
		sendSubject: sendSubject,
		normalizer:  normalizer,
		logger:      logger.With("component", "conversation_service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ProcessOutboundMessage moves every pointer of the contact to the reported conversation.
func (s *ConversationService) ProcessOutboundMessage(ctx context.Context, req OutboundMessageWebhook) (*WebhookResult, error) {
	receivedAt := s.now()
	reject := func(reason, locationID, msg string) (*WebhookResult, error) {
		if err := s.recordFailure(ctx, domain.RoutingSourceCRMOutboundMessage, locationID, reason, receivedAt, req); err != nil {
			return nil, err
		}
		return rejected(msg), nil
	}

	locationID := strings.TrimSpace(req.LocationID)
	if locationID == "" {
		return reject(domain.ReasonMissingLocationID, "", "locationId is required")
	}
	if strings.TrimSpace(req.ContactID) == "" {
		return reject(domain.ReasonMissingContactID, locationID, "contactId is required")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return reject(domain.ReasonMissingConversationID, locationID, "conversationId is required")
	}

	updated, err := s.pointers.UpdateConversationIDForKnownContact(ctx, domain.ContactConversationUpdate{
		LocationID:     locationID,
		ContactID:      req.ContactID,
		ConversationID: req.ConversationID,
		Source:         domain.PointerSourceCRMOutboundMessage,
		ObservedAt:     receivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("update conversation for contact: %w", err)
	}
	return &WebhookResult{Status: WebhookStatusAccepted, UpdatedCount: &updated}, nil
}

// ProcessProviderOutboundMessage records the phone/contact association and publishes a send request
// for the location's linked device.
func (s *ConversationService) ProcessProviderOutboundMessage(ctx context.Context, req ProviderOutboundMessageWebhook) (*WebhookResult, error) {
	receivedAt := s.now()
	locationID := strings.TrimSpace(req.LocationID)
	reject := func(reason, msg string) (*WebhookResult, error) {
		if err := s.recordFailure(ctx, domain.RoutingSourceCRMProviderOutboundSend, locationID, reason, receivedAt, req); err != nil {
			return nil, err
		}
		return rejected(msg), nil
	}

	if locationID == "" {
		return reject(domain.ReasonMissingLocationID, "locationId is required")
	}
	if req.Type != "SMS" {
		return reject(domain.ReasonUnsupportedType, "Only SMS is supported")
	}
	if strings.TrimSpace(req.Message) == "" {
		return reject(domain.ReasonMissingMessage, "message is required")
	}
	if strings.TrimSpace(req.Phone) == "" {
		return reject(domain.ReasonMissingPhone, "phone is required")
	}

	if strings.TrimSpace(req.ContactID) != "" {
		if normalizedPhone := s.normalizer.Normalize(req.Phone); normalizedPhone != "" {
			_, err := s.pointers.UpsertByPhone(ctx, domain.PointerUpsert{
				LocationID:      locationID,
				NormalizedPhone: normalizedPhone,
				RawPhone:        req.Phone,
				ContactID:       req.ContactID,
				Source:          domain.PointerSourceCRMProviderOutboundSend,
				ObservedAt:      receivedAt,
			})
			if err != nil {
				s.logger.WarnContext(ctx, "Failed to record conversation pointer", "error", err, "location_id", locationID)
			}
		}
	}

	device, err := s.routing.ResolveLinkedDeviceByLocationID(ctx, locationID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return reject(domain.ReasonUnknownLocation, "No Sub-Account for locationId")
	case err != nil:
		return nil, fmt.Errorf("resolve linked device: %w", err)
	case device == nil:
		return reject(domain.ReasonNoDeviceLink, "Sub-Account is not linked to a device")
	case !device.Enabled:
		return reject(domain.ReasonDeviceDisabled, "Linked device is disabled")
	}

	body, err := json.Marshal(domain.GatewaySendRequest{
		RequestID:   uuid.NewString(),
		DeviceID:    device.DeviceID,
		LocationID:  locationID,
		Message:     req.Message,
		Recipients:  []string{req.Phone},
		RequestedAt: receivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.sendSubject, body); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish send request", "error", err, "location_id", locationID, "device_id", device.DeviceID)
		if recErr := s.recordFailure(ctx, domain.RoutingSourceCRMProviderOutboundSend, locationID, domain.ReasonSendFailed, receivedAt, req); recErr != nil {
			return nil, recErr
		}
		return rejected(err.Error()), nil
	}

	s.logger.InfoContext(ctx, "Forwarded CRM send request to gateway", "location_id", locationID, "device_id", device.DeviceID)
	return &WebhookResult{Status: WebhookStatusAccepted}, nil
}

func (s *ConversationService) recordFailure(ctx context.Context, source, locationID, reason string, receivedAt time.Time, payload any) error {
	raw, _ := json.Marshal(payload)
	return recordRoutingFailure(ctx, s.failures, domain.RoutingFailure{
		Source:     source,
		LocationID: locationID,
		Reason:     reason,
		ReceivedAt: receivedAt,
		RawPayload: raw,
	})
}

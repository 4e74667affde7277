package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Routing failure sources.
const (
	RoutingSourceInboundSMSReceived      = "inbound-sms-received"
	RoutingSourceCRMOutboundMessage      = "crm-outbound-message"
	RoutingSourceCRMProviderOutboundSend = "crm-provider-outbound-message"
)

// Routing failure reasons.
const (
	ReasonNoSubaccountDeviceLink = "no_subaccount_device_link"
	ReasonInvalidSenderPhone     = "invalid_sender_phone"
	ReasonInvalidPayload         = "invalid_payload"
	ReasonMissingLocationID      = "invalid_payload_missing_locationId"
	ReasonMissingContactID       = "invalid_payload_missing_contactId"
	ReasonMissingConversationID  = "invalid_payload_missing_conversationId"
	ReasonUnsupportedType        = "unsupported_type"
	ReasonMissingMessage         = "invalid_payload_missing_message"
	ReasonMissingPhone           = "invalid_payload_missing_phone"
	ReasonUnknownLocation        = "unknown_location"
	ReasonNoDeviceLink           = "no_device_link"
	ReasonDeviceDisabled         = "device_disabled"
	ReasonSendFailed             = "send_failed"
)

// RoutingFailure is a recorded, non-retryable inability to route a message.
type RoutingFailure struct {
	ID         uuid.UUID       `json:"id"`
	Source     string          `json:"source"`
	LocationID string          `json:"locationId,omitempty"`
	Reason     string          `json:"reason"`
	ReceivedAt time.Time       `json:"receivedAt"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// LinkedDevice is the gateway device a location sends through.
type LinkedDevice struct {
	DeviceID string
	Enabled  bool
}

// GatewaySMSReceivedEvent is published by the device gateway for every SMS a device receives.
type GatewaySMSReceivedEvent struct {
	SMSID              string `json:"smsId" validate:"required"`
	DeviceID           string `json:"deviceId" validate:"required"`
	Sender             string `json:"sender" validate:"required"`
	Message            string `json:"message"`
	ReceivedAtInMillis int64  `json:"receivedAtInMillis" validate:"gt=0"`
}

// GatewaySendRequest asks the device gateway to send an SMS from a device.
type GatewaySendRequest struct {
	RequestID   string    `json:"requestId"`
	DeviceID    string    `json:"deviceId"`
	LocationID  string    `json:"locationId"`
	Message     string    `json:"message"`
	Recipients  []string  `json:"recipients"`
	RequestedAt time.Time `json:"requestedAt"`
}

const (
	DefaultPageLimit = 25
	MaxPageLimit     = 100
)

// NormalizePage clamps paging input: page >= 1, limit in [1, MaxPageLimit] with DefaultPageLimit as default.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// TotalPages is the number of pages needed for total items at limit per page.
func TotalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

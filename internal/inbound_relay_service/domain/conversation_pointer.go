package domain

import "time"

// Pointer sources.
const (
	PointerSourceInboundSync             = "inbound-sms-sync"
	PointerSourceCRMOutboundMessage      = "crm-outbound-message"
	PointerSourceCRMProviderOutboundSend = "crm-provider-outbound-message"
)

// ConversationPointer is the last known CRM contact/conversation for a phone under a location.
// It is a best-effort cache; the CRM stays authoritative.
type ConversationPointer struct {
	LocationID      string    `json:"locationId"`
	NormalizedPhone string    `json:"normalizedPhone"`
	RawPhone        string    `json:"rawPhone,omitempty"`
	ContactID       string    `json:"contactId,omitempty"`
	ConversationID  string    `json:"conversationId,omitempty"`
	Source          string    `json:"source,omitempty"`
	LastObservedAt  time.Time `json:"lastObservedAt"`
}

// PointerUpsert holds the fields merged into a pointer. Empty strings never overwrite stored values.
// A zero ObservedAt means now.
type PointerUpsert struct {
	LocationID      string
	NormalizedPhone string
	RawPhone        string
	ContactID       string
	ConversationID  string
	Source          string
	ObservedAt      time.Time
}

// ContactConversationUpdate reassigns the conversation of every pointer sharing a contact.
type ContactConversationUpdate struct {
	LocationID     string
	ContactID      string
	ConversationID string
	Source         string
	ObservedAt     time.Time
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the delivery state of one logical inbound message.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSucceeded SyncStatus = "succeeded"
	SyncStatusFailed    SyncStatus = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusSucceeded || s == SyncStatusFailed
}

// CanTransitionTo encodes pending -> {succeeded | failed}. Re-applying succeeded is allowed so
// enrichment of an already delivered record stays idempotent.
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	switch s {
	case SyncStatusPending:
		return next == SyncStatusPending || next.IsTerminal()
	case SyncStatusSucceeded:
		return next == SyncStatusSucceeded
	default:
		return false
	}
}

// InboundSyncRecord tracks delivery of one (location, dedup key) to the CRM.
type InboundSyncRecord struct {
	ID                uuid.UUID  `json:"id"`
	SMSID             string     `json:"smsId"`
	LocationID        string     `json:"locationId"`
	NormalizedPhone   string     `json:"normalizedPhone"`
	DedupKey          string     `json:"dedupKey"`
	Status            SyncStatus `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ContactID         string     `json:"contactId,omitempty"`
	ConversationID    string     `json:"conversationId,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// UpsertSyncParams identifies the record created on first observation of an inbound message.
type UpsertSyncParams struct {
	SMSID           string
	LocationID      string
	NormalizedPhone string
	DedupKey        string
}

// SyncSuccess carries the CRM identifiers stored when a delivery succeeds.
type SyncSuccess struct {
	ContactID         string
	ConversationID    string
	ProviderMessageID string
}

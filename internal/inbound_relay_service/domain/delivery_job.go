package domain

import (
	"time"

	"github.com/google/uuid"
)

// InboundSMSDelivery is the queued payload posted to the CRM. CorrelationID equals the dedup key.
type InboundSMSDelivery struct {
	LocationID         string `json:"locationId"`
	DeviceID           string `json:"deviceId"`
	SMSID              string `json:"smsId"`
	Sender             string `json:"sender"`
	Message            string `json:"message"`
	ReceivedAtInMillis int64  `json:"receivedAtInMillis"`
	ConversationID     string `json:"conversationId,omitempty"`
	CorrelationID      string `json:"correlationId"`
}

// JobStatus is the queue-side state of a delivery job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
)

// DeliveryJob is a queue-resident unit of work. The ledger, not the job, holds retry truth.
type DeliveryJob struct {
	ID         uuid.UUID
	Payload    InboundSMSDelivery
	Status     JobStatus
	RunAt      time.Time
	Deliveries int
	LockedAt   *time.Time
	LastError  string
	CreatedAt  time.Time
}

// InboundDeliveryResult is what the CRM returns for an accepted inbound message.
type InboundDeliveryResult struct {
	ContactID      string `json:"contactId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

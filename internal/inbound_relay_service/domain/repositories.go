package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InboundSyncRepository is the durable delivery ledger. Every mutation is a single atomic statement.
type InboundSyncRepository interface {
	// FindByDedupKey returns (nil, nil) if no record exists.
	FindByDedupKey(ctx context.Context, locationID, dedupKey string) (*InboundSyncRecord, error)
	// UpsertOnEnqueue creates a pending record, or refreshes only NormalizedPhone of an existing one.
	UpsertOnEnqueue(ctx context.Context, params UpsertSyncParams) (*InboundSyncRecord, error)
	// RecordAttempt increments AttemptCount of a pending record. ErrTerminalState otherwise.
	RecordAttempt(ctx context.Context, id uuid.UUID) (*InboundSyncRecord, error)
	SetLastError(ctx context.Context, id uuid.UUID, lastError string) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, res SyncSuccess) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	// DeleteTerminalBefore removes succeeded or failed records created before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConversationPointerRepository maps (location, phone) to the last known CRM conversation.
type ConversationPointerRepository interface {
	// FindByPhone returns (nil, nil) if no pointer exists.
	FindByPhone(ctx context.Context, locationID, normalizedPhone string) (*ConversationPointer, error)
	UpsertByPhone(ctx context.Context, params PointerUpsert) (*ConversationPointer, error)
	UpdateConversationIDForKnownContact(ctx context.Context, params ContactConversationUpdate) (int64, error)
}

// DeliveryQueue is the durable, delayable work queue feeding the delivery worker.
type DeliveryQueue interface {
	EnqueueInboundSMS(ctx context.Context, payload InboundSMSDelivery, delay time.Duration) error
	// AcquireDue claims up to limit due jobs. A claimed job is invisible to other callers.
	AcquireDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
	RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error)
}

// InboundEnqueuer is the producer side of DeliveryQueue.
type InboundEnqueuer interface {
	EnqueueInboundSMS(ctx context.Context, payload InboundSMSDelivery, delay time.Duration) error
}

// RoutingResolver maps gateway devices and CRM locations onto each other.
type RoutingResolver interface {
	// ResolveLocationIDByDeviceID returns "" when the device is not linked to a sub-account.
	ResolveLocationIDByDeviceID(ctx context.Context, deviceID string) (string, error)
	// ResolveLinkedDeviceByLocationID returns (nil, ErrNotFound) for an unknown location and
	// (nil, nil) for a known location without a linked device.
	ResolveLinkedDeviceByLocationID(ctx context.Context, locationID string) (*LinkedDevice, error)
}

// RoutingFailureRecorder persists routing failures for operator inspection.
type RoutingFailureRecorder interface {
	RecordRoutingFailure(ctx context.Context, failure RoutingFailure) error
}

// RoutingFailureRepository also supports paged listing.
type RoutingFailureRepository interface {
	RoutingFailureRecorder
	ListRoutingFailures(ctx context.Context, page, limit int) ([]RoutingFailure, int, error)
}

// CRMInboundClient posts inbound messages to the CRM internal endpoint.
type CRMInboundClient interface {
	PostInboundSMS(ctx context.Context, payload InboundSMSDelivery) (*InboundDeliveryResult, error)
}

// EventPublisher publishes raw payloads on the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

package app

import (
	"context"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/messagebroker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// --- Mocks ---

type MockInboundSyncRepository struct {
	mock.Mock
}

func (m *MockInboundSyncRepository) FindByDedupKey(ctx context.Context, locationID, dedupKey string) (*domain.InboundSyncRecord, error) {
	args := m.Called(ctx, locationID, dedupKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InboundSyncRecord), args.Error(1)
}

func (m *MockInboundSyncRepository) UpsertOnEnqueue(ctx context.Context, params domain.UpsertSyncParams) (*domain.InboundSyncRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InboundSyncRecord), args.Error(1)
}

func (m *MockInboundSyncRepository) RecordAttempt(ctx context.Context, id uuid.UUID) (*domain.InboundSyncRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InboundSyncRecord), args.Error(1)
}

func (m *MockInboundSyncRepository) SetLastError(ctx context.Context, id uuid.UUID, lastError string) error {
	return m.Called(ctx, id, lastError).Error(0)
}

func (m *MockInboundSyncRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, res domain.SyncSuccess) error {
	return m.Called(ctx, id, res).Error(0)
}

func (m *MockInboundSyncRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return m.Called(ctx, id, lastError).Error(0)
}

func (m *MockInboundSyncRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type MockPointerRepository struct {
	mock.Mock
}

func (m *MockPointerRepository) FindByPhone(ctx context.Context, locationID, normalizedPhone string) (*domain.ConversationPointer, error) {
	args := m.Called(ctx, locationID, normalizedPhone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConversationPointer), args.Error(1)
}

func (m *MockPointerRepository) UpsertByPhone(ctx context.Context, params domain.PointerUpsert) (*domain.ConversationPointer, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConversationPointer), args.Error(1)
}

func (m *MockPointerRepository) UpdateConversationIDForKnownContact(ctx context.Context, params domain.ContactConversationUpdate) (int64, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(int64), args.Error(1)
}

type MockCRMClient struct {
	mock.Mock
}

func (m *MockCRMClient) PostInboundSMS(ctx context.Context, payload domain.InboundSMSDelivery) (*domain.InboundDeliveryResult, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InboundDeliveryResult), args.Error(1)
}

type MockDeliveryQueue struct {
	mock.Mock
}

func (m *MockDeliveryQueue) EnqueueInboundSMS(ctx context.Context, payload domain.InboundSMSDelivery, delay time.Duration) error {
	return m.Called(ctx, payload, delay).Error(0)
}

func (m *MockDeliveryQueue) AcquireDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryJob, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.DeliveryJob), args.Error(1)
}

func (m *MockDeliveryQueue) Complete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockDeliveryQueue) Release(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	return m.Called(ctx, id, runAt, lastError).Error(0)
}

func (m *MockDeliveryQueue) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	args := m.Called(ctx, staleBefore)
	return args.Get(0).(int64), args.Error(1)
}

type MockRoutingResolver struct {
	mock.Mock
}

func (m *MockRoutingResolver) ResolveLocationIDByDeviceID(ctx context.Context, deviceID string) (string, error) {
	args := m.Called(ctx, deviceID)
	return args.String(0), args.Error(1)
}

func (m *MockRoutingResolver) ResolveLinkedDeviceByLocationID(ctx context.Context, locationID string) (*domain.LinkedDevice, error) {
	args := m.Called(ctx, locationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LinkedDevice), args.Error(1)
}

type MockRoutingFailureRecorder struct {
	mock.Mock
}

func (m *MockRoutingFailureRecorder) RecordRoutingFailure(ctx context.Context, failure domain.RoutingFailure) error {
	return m.Called(ctx, failure).Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return m.Called(ctx, subject, data).Error(0)
}

type MockMessage struct {
	mock.Mock
	data []byte
}

func (m *MockMessage) Subject() string { return "gateway.sms.received" }
func (m *MockMessage) Data() []byte    { return m.data }
func (m *MockMessage) Ack() error      { return m.Called().Error(0) }
func (m *MockMessage) Nak() error      { return m.Called().Error(0) }
func (m *MockMessage) Term() error     { return m.Called().Error(0) }
func (m *MockMessage) NakWithDelay(delay time.Duration) error {
	return m.Called(delay).Error(0)
}

var _ messagebroker.Message = (*MockMessage)(nil)

type MockReceivedSMSHandler struct {
	mock.Mock
}

func (m *MockReceivedSMSHandler) HandleReceivedSMS(ctx context.Context, event domain.GatewaySMSReceivedEvent) error {
	return m.Called(ctx, event).Error(0)
}

type MockJobHandler struct {
	mock.Mock
}

func (m *MockJobHandler) Process(ctx context.Context, payload domain.InboundSMSDelivery) error {
	return m.Called(ctx, payload).Error(0)
}

type MockLock struct {
	mock.Mock
}

func (m *MockLock) Acquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockLock) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

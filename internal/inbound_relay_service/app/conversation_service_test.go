package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSendSubject = "gateway.sms.send"

var webhookNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type conversationFixture struct {
	service   *ConversationService
	pointers  *MockPointerRepository
	routing   *MockRoutingResolver
	failures  *MockRoutingFailureRecorder
	publisher *MockPublisher
}

func setupConversationTest(t *testing.T) *conversationFixture {
	normalizer, err := domain.NewPhoneNormalizer("+1")
	require.NoError(t, err)
	f := &conversationFixture{
		pointers:  new(MockPointerRepository),
		routing:   new(MockRoutingResolver),
		failures:  new(MockRoutingFailureRecorder),
		publisher: new(MockPublisher),
	}
	f.service = NewConversationService(f.pointers, f.routing, f.failures, f.publisher, testSendSubject, normalizer, logger.Discard())
	f.service.now = func() time.Time { return webhookNow }
	return f
}

func (f *conversationFixture) expectFailure(source, reason string) {
	f.failures.On("RecordRoutingFailure", mock.Anything, mock.MatchedBy(func(rf domain.RoutingFailure) bool {
		return rf.Source == source && rf.Reason == reason && rf.ReceivedAt.Equal(webhookNow)
	})).Return(nil).Once()
}

func TestProcessOutboundMessage_UpdatesKnownContact(t *testing.T) {
	f := setupConversationTest(t)
	ctx := context.Background()

	f.pointers.On("UpdateConversationIDForKnownContact", ctx, domain.ContactConversationUpdate{
		LocationID:     "loc1",
		ContactID:      "c1",
		ConversationID: "conv2",
		Source:         domain.PointerSourceCRMOutboundMessage,
		ObservedAt:     webhookNow,
	}).Return(int64(2), nil).Once()

	res, err := f.service.ProcessOutboundMessage(ctx, OutboundMessageWebhook{
		LocationID: "loc1", ContactID: "c1", ConversationID: "conv2",
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusAccepted, res.Status)
	require.NotNil(t, res.UpdatedCount)
	assert.Equal(t, int64(2), *res.UpdatedCount)
	f.pointers.AssertExpectations(t)
}

func TestProcessOutboundMessage_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		req        OutboundMessageWebhook
		wantReason string
		wantMsg    string
	}{
		{"MissingLocation", OutboundMessageWebhook{ContactID: "c1", ConversationID: "conv1"}, domain.ReasonMissingLocationID, "locationId is required"},
		{"MissingContact", OutboundMessageWebhook{LocationID: "loc1", ConversationID: "conv1"}, domain.ReasonMissingContactID, "contactId is required"},
		{"MissingConversation", OutboundMessageWebhook{LocationID: "loc1", ContactID: "c1"}, domain.ReasonMissingConversationID, "conversationId is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupConversationTest(t)
			f.expectFailure(domain.RoutingSourceCRMOutboundMessage, tt.wantReason)

			res, err := f.service.ProcessOutboundMessage(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, WebhookStatusRejected, res.Status)
			assert.Equal(t, tt.wantMsg, res.Reason)
			f.failures.AssertExpectations(t)
			f.pointers.AssertNotCalled(t, "UpdateConversationIDForKnownContact", mock.Anything, mock.Anything)
		})
	}
}

func TestProcessOutboundMessage_StoreError(t *testing.T) {
	f := setupConversationTest(t)
	f.pointers.On("UpdateConversationIDForKnownContact", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down")).Once()

	_, err := f.service.ProcessOutboundMessage(context.Background(), OutboundMessageWebhook{
		LocationID: "loc1", ContactID: "c1", ConversationID: "conv1",
	})
	assert.Error(t, err)
}

func validProviderWebhook() ProviderOutboundMessageWebhook {
	return ProviderOutboundMessageWebhook{
		LocationID: "loc1",
		Type:       "SMS",
		Message:    "hello there",
		Phone:      "555-123-4567",
		ContactID:  "c1",
	}
}

func TestProcessProviderOutboundMessage_PublishesSendRequest(t *testing.T) {
	f := setupConversationTest(t)
	ctx := context.Background()

	f.pointers.On("UpsertByPhone", ctx, domain.PointerUpsert{
		LocationID:      "loc1",
		NormalizedPhone: "+15551234567",
		RawPhone:        "555-123-4567",
		ContactID:       "c1",
		Source:          domain.PointerSourceCRMProviderOutboundSend,
		ObservedAt:      webhookNow,
	}).Return(&domain.ConversationPointer{}, nil).Once()
	f.routing.On("ResolveLinkedDeviceByLocationID", ctx, "loc1").
		Return(&domain.LinkedDevice{DeviceID: "d1", Enabled: true}, nil).Once()

	var published domain.GatewaySendRequest
	f.publisher.On("Publish", ctx, testSendSubject, mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &published))
		}).
		Return(nil).Once()

	res, err := f.service.ProcessProviderOutboundMessage(ctx, validProviderWebhook())
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusAccepted, res.Status)
	assert.Nil(t, res.UpdatedCount)

	assert.NotEmpty(t, published.RequestID)
	assert.Equal(t, "d1", published.DeviceID)
	assert.Equal(t, "loc1", published.LocationID)
	assert.Equal(t, "hello there", published.Message)
	assert.Equal(t, []string{"555-123-4567"}, published.Recipients)
	f.pointers.AssertExpectations(t)
	f.routing.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func TestProcessProviderOutboundMessage_WithoutContactSkipsPointer(t *testing.T) {
	f := setupConversationTest(t)
	req := validProviderWebhook()
	req.ContactID = ""

	f.routing.On("ResolveLinkedDeviceByLocationID", mock.Anything, "loc1").
		Return(&domain.LinkedDevice{DeviceID: "d1", Enabled: true}, nil).Once()
	f.publisher.On("Publish", mock.Anything, testSendSubject, mock.Anything).Return(nil).Once()

	res, err := f.service.ProcessProviderOutboundMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusAccepted, res.Status)
	f.pointers.AssertNotCalled(t, "UpsertByPhone", mock.Anything, mock.Anything)
}

func TestProcessProviderOutboundMessage_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*ProviderOutboundMessageWebhook)
		wantReason string
		wantMsg    string
	}{
		{"MissingLocation", func(r *ProviderOutboundMessageWebhook) { r.LocationID = " " }, domain.ReasonMissingLocationID, "locationId is required"},
		{"UnsupportedType", func(r *ProviderOutboundMessageWebhook) { r.Type = "Email" }, domain.ReasonUnsupportedType, "Only SMS is supported"},
		{"MissingMessage", func(r *ProviderOutboundMessageWebhook) { r.Message = "" }, domain.ReasonMissingMessage, "message is required"},
		{"MissingPhone", func(r *ProviderOutboundMessageWebhook) { r.Phone = "" }, domain.ReasonMissingPhone, "phone is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupConversationTest(t)
			req := validProviderWebhook()
			tt.mutate(&req)
			f.expectFailure(domain.RoutingSourceCRMProviderOutboundSend, tt.wantReason)

			res, err := f.service.ProcessProviderOutboundMessage(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, WebhookStatusRejected, res.Status)
			assert.Equal(t, tt.wantMsg, res.Reason)
			f.failures.AssertExpectations(t)
			f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestProcessProviderOutboundMessage_DeviceResolution(t *testing.T) {
	tests := []struct {
		name       string
		device     *domain.LinkedDevice
		err        error
		wantReason string
	}{
		{"UnknownLocation", nil, domain.ErrNotFound, domain.ReasonUnknownLocation},
		{"NoDeviceLink", nil, nil, domain.ReasonNoDeviceLink},
		{"DeviceDisabled", &domain.LinkedDevice{DeviceID: "d1", Enabled: false}, nil, domain.ReasonDeviceDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupConversationTest(t)
			req := validProviderWebhook()
			req.ContactID = ""
			f.routing.On("ResolveLinkedDeviceByLocationID", mock.Anything, "loc1").Return(tt.device, tt.err).Once()
			f.expectFailure(domain.RoutingSourceCRMProviderOutboundSend, tt.wantReason)

			res, err := f.service.ProcessProviderOutboundMessage(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, WebhookStatusRejected, res.Status)
			f.failures.AssertExpectations(t)
			f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestProcessProviderOutboundMessage_PublishFailure(t *testing.T) {
	f := setupConversationTest(t)
	req := validProviderWebhook()
	req.ContactID = ""

	f.routing.On("ResolveLinkedDeviceByLocationID", mock.Anything, "loc1").
		Return(&domain.LinkedDevice{DeviceID: "d1", Enabled: true}, nil).Once()
	f.publisher.On("Publish", mock.Anything, testSendSubject, mock.Anything).Return(errors.New("nats down")).Once()
	f.expectFailure(domain.RoutingSourceCRMProviderOutboundSend, domain.ReasonSendFailed)

	res, err := f.service.ProcessProviderOutboundMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, WebhookStatusRejected, res.Status)
	f.failures.AssertExpectations(t)
}

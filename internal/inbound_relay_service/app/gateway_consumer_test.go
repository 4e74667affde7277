package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/logger"
	"github.com/ampilares/selfhostsim/internal/platform/messagebroker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	messages []messagebroker.Message
	cfg      messagebroker.DurableConsumerConfig
}

func (s *fakeSubscriber) ConsumeDurable(ctx context.Context, cfg messagebroker.DurableConsumerConfig, handler func(msg messagebroker.Message)) error {
	s.cfg = cfg
	for _, msg := range s.messages {
		handler(msg)
	}
	return nil
}

func setupConsumerTest(t *testing.T) (*GatewayConsumer, *MockReceivedSMSHandler, *MockRoutingFailureRecorder) {
	t.Helper()
	handler := new(MockReceivedSMSHandler)
	failures := new(MockRoutingFailureRecorder)
	consumer := NewGatewayConsumer(nil, handler, failures, messagebroker.DurableConsumerConfig{
		Stream: "GATEWAY_SMS", Subjects: []string{"gateway.sms.received"}, Durable: "inbound_relay",
	}, logger.Discard())
	return consumer, handler, failures
}

func eventMessage(t *testing.T) *MockMessage {
	t.Helper()
	data, err := json.Marshal(testEvent())
	require.NoError(t, err)
	return &MockMessage{data: data}
}

func TestGatewayConsumer_AcksHandledEvent(t *testing.T) {
	consumer, handler, _ := setupConsumerTest(t)
	ctx := context.Background()
	msg := eventMessage(t)

	handler.On("HandleReceivedSMS", ctx, testEvent()).Return(nil).Once()
	msg.On("Ack").Return(nil).Once()

	consumer.HandleMessage(ctx, msg)
	handler.AssertExpectations(t)
	msg.AssertExpectations(t)
	msg.AssertNotCalled(t, "NakWithDelay", mock.Anything)
}

func TestGatewayConsumer_NaksOnHandlerError(t *testing.T) {
	consumer, handler, _ := setupConsumerTest(t)
	ctx := context.Background()
	msg := eventMessage(t)

	handler.On("HandleReceivedSMS", ctx, testEvent()).Return(errors.New("db down")).Once()
	msg.On("NakWithDelay", 5*time.Second).Return(nil).Once()

	consumer.HandleMessage(ctx, msg)
	msg.AssertExpectations(t)
	msg.AssertNotCalled(t, "Ack")
}

func TestGatewayConsumer_TerminatesUndecodableEvent(t *testing.T) {
	consumer, handler, failures := setupConsumerTest(t)
	ctx := context.Background()
	msg := &MockMessage{data: []byte("not json")}

	failures.On("RecordRoutingFailure", ctx, mock.MatchedBy(func(rf domain.RoutingFailure) bool {
		return rf.Reason == domain.ReasonInvalidPayload && string(rf.RawPayload) == `{"raw":"not json"}`
	})).Return(nil).Once()
	msg.On("Term").Return(nil).Once()

	consumer.HandleMessage(ctx, msg)
	failures.AssertExpectations(t)
	msg.AssertExpectations(t)
	handler.AssertNotCalled(t, "HandleReceivedSMS", mock.Anything, mock.Anything)
}

func TestGatewayConsumer_RunDispatchesMessages(t *testing.T) {
	_, handler, failures := setupConsumerTest(t)
	msg := eventMessage(t)
	sub := &fakeSubscriber{messages: []messagebroker.Message{msg}}
	cfg := messagebroker.DurableConsumerConfig{Stream: "GATEWAY_SMS", Durable: "inbound_relay"}
	consumer := NewGatewayConsumer(sub, handler, failures, cfg, logger.Discard())

	handler.On("HandleReceivedSMS", mock.Anything, testEvent()).Return(nil).Once()
	msg.On("Ack").Return(nil).Once()

	require.NoError(t, consumer.Run(context.Background()))
	assert.Equal(t, cfg, sub.cfg)
	msg.AssertExpectations(t)
}

func TestRawPayload(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(rawPayload([]byte(`{"a":1}`))))
	assert.JSONEq(t, `{"raw":"<xml/>"}`, string(rawPayload([]byte("<xml/>"))))
}

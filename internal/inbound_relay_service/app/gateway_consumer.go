package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/messagebroker"
)

// DurableSubscriber is implemented by messagebroker.NATSClient.
type DurableSubscriber interface {
	ConsumeDurable(ctx context.Context, cfg messagebroker.DurableConsumerConfig, handler func(msg messagebroker.Message)) error
}

// ReceivedSMSHandler is implemented by ReceivedSMSListener.
type ReceivedSMSHandler interface {
	HandleReceivedSMS(ctx context.Context, event domain.GatewaySMSReceivedEvent) error
}

// GatewayConsumer feeds received-SMS events from the gateway event bus to the listener.
// Delivery is at-least-once; the listener is idempotent.
type GatewayConsumer struct {
	subscriber DurableSubscriber
	handler    ReceivedSMSHandler
	failures   domain.RoutingFailureRecorder
	cfg        messagebroker.DurableConsumerConfig
	nakDelay   time.Duration
	logger     *slog.Logger
}

func NewGatewayConsumer(
	subscriber DurableSubscriber,
	handler ReceivedSMSHandler,
	failures domain.RoutingFailureRecorder,
	cfg messagebroker.DurableConsumerConfig,
	logger *slog.Logger,
) *GatewayConsumer {
	return &GatewayConsumer{
		subscriber: subscriber,
		handler:    handler,
		failures:   failures,
		cfg:        cfg,
		nakDelay:   5 * time.Second,
		logger:     logger.With("component", "gateway_consumer"),
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (c *GatewayConsumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Starting gateway consumer", "stream", c.cfg.Stream, "durable", c.cfg.Durable)
	return c.subscriber.ConsumeDurable(ctx, c.cfg, func(msg messagebroker.Message) {
		c.HandleMessage(ctx, msg)
	})
}

// HandleMessage acks handled events, terminates undecodable ones and naks on infrastructure errors.
func (c *GatewayConsumer) HandleMessage(ctx context.Context, msg messagebroker.Message) {
	var event domain.GatewaySMSReceivedEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode received-SMS event", "error", err, "subject", msg.Subject(), "data_len", len(msg.Data()))
		if recErr := recordRoutingFailure(ctx, c.failures, domain.RoutingFailure{
			Source:     domain.RoutingSourceInboundSMSReceived,
			Reason:     domain.ReasonInvalidPayload,
			ReceivedAt: time.Now().UTC(),
			RawPayload: rawPayload(msg.Data()),
		}); recErr != nil {
			c.logger.ErrorContext(ctx, "Failed to record routing failure", "error", recErr)
		}
		c.settle(ctx, "terminated", msg.Term)
		return
	}

	if err := c.handler.HandleReceivedSMS(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "Received-SMS handling failed; requesting redelivery", "error", err, "sms_id", event.SMSID)
		c.settle(ctx, "redelivered", func() error { return msg.NakWithDelay(c.nakDelay) })
		return
	}
	c.settle(ctx, "acked", msg.Ack)
}

func (c *GatewayConsumer) settle(ctx context.Context, result string, fn func() error) {
	gatewayEventsCounter.WithLabelValues(result).Inc()
	if err := fn(); err != nil {
		c.logger.WarnContext(ctx, "Failed to settle gateway message", "result", result, "error", err)
	}
}

// rawPayload keeps non-JSON bodies storable in a JSONB column.
func rawPayload(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(data)})
	return wrapped
}

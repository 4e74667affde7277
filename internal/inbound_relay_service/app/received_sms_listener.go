package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/go-playground/validator/v10"
)

// ReceivedSMSListener bridges gateway received-SMS events into the delivery pipeline.
// Handling the same event twice yields one ledger record and at most one queued job.
type ReceivedSMSListener struct {
	routing    domain.RoutingResolver
	failures   domain.RoutingFailureRecorder
	ledger     domain.InboundSyncRepository
	queue      domain.InboundEnqueuer
	normalizer *domain.PhoneNormalizer
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewReceivedSMSListener(
	routing domain.RoutingResolver,
	failures domain.RoutingFailureRecorder,
	ledger domain.InboundSyncRepository,
	queue domain.InboundEnqueuer,
	normalizer *domain.PhoneNormalizer,
	logger *slog.Logger,
) *ReceivedSMSListener {
	return &ReceivedSMSListener{
		routing:    routing,
		failures:   failures,
		ledger:     ledger,
		queue:      queue,
		normalizer: normalizer,
		validate:   validator.New(),
		logger:     logger.With("component", "received_sms_listener"),
	}
}

// HandleReceivedSMS returns an error only for infrastructure failures, in which case the event
// should be redelivered. Undeliverable events are recorded as routing failures and return nil.
func (l *ReceivedSMSListener) HandleReceivedSMS(ctx context.Context, event domain.GatewaySMSReceivedEvent) error {
	if err := l.validate.Struct(event); err != nil {
		l.logger.WarnContext(ctx, "Invalid received-SMS event", "error", toValidationError(err), "sms_id", event.SMSID)
		listenerOutcomeCounter.WithLabelValues(domain.ReasonInvalidPayload).Inc()
		return l.recordFailure(ctx, "", domain.ReasonInvalidPayload, event)
	}

	locationID, err := l.routing.ResolveLocationIDByDeviceID(ctx, event.DeviceID)
	if err != nil {
		return fmt.Errorf("resolve location for device %s: %w", event.DeviceID, err)
	}
	if locationID == "" {
		listenerOutcomeCounter.WithLabelValues(domain.ReasonNoSubaccountDeviceLink).Inc()
		return l.recordFailure(ctx, "", domain.ReasonNoSubaccountDeviceLink, event)
	}

	normalizedSender := l.normalizer.Normalize(event.Sender)
	if normalizedSender == "" {
		listenerOutcomeCounter.WithLabelValues(domain.ReasonInvalidSenderPhone).Inc()
		return l.recordFailure(ctx, locationID, domain.ReasonInvalidSenderPhone, event)
	}

	dedupKey := domain.BuildDedupKey(event.DeviceID, normalizedSender, event.ReceivedAtInMillis, event.Message)
	logger := l.logger.With("location_id", locationID, "sms_id", event.SMSID, "dedup_key", dedupKey)

	sync, err := l.ledger.UpsertOnEnqueue(ctx, domain.UpsertSyncParams{
		SMSID:           event.SMSID,
		LocationID:      locationID,
		NormalizedPhone: normalizedSender,
		DedupKey:        dedupKey,
	})
	if err != nil {
		return fmt.Errorf("upsert inbound sync: %w", err)
	}
	if sync.Status == domain.SyncStatusSucceeded {
		logger.DebugContext(ctx, "Skipping enqueue: already succeeded")
		listenerOutcomeCounter.WithLabelValues("skipped_succeeded").Inc()
		return nil
	}

	err = l.queue.EnqueueInboundSMS(ctx, domain.InboundSMSDelivery{
		LocationID:         locationID,
		DeviceID:           event.DeviceID,
		SMSID:              event.SMSID,
		Sender:             normalizedSender,
		Message:            event.Message,
		ReceivedAtInMillis: event.ReceivedAtInMillis,
		CorrelationID:      dedupKey,
	}, 0)
	if err != nil {
		return fmt.Errorf("enqueue inbound sms: %w", err)
	}

	listenerOutcomeCounter.WithLabelValues("enqueued").Inc()
	logger.DebugContext(ctx, "Enqueued inbound SMS for CRM sync")
	return nil
}

func (l *ReceivedSMSListener) recordFailure(ctx context.Context, locationID, reason string, event domain.GatewaySMSReceivedEvent) error {
	raw, _ := json.Marshal(event)
	return recordRoutingFailure(ctx, l.failures, domain.RoutingFailure{
		Source:     domain.RoutingSourceInboundSMSReceived,
		LocationID: locationID,
		Reason:     reason,
		ReceivedAt: time.Now().UTC(),
		RawPayload: raw,
	})
}

func toValidationError(err error) *domain.ValidationError {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return &domain.ValidationError{Field: fieldErrs[0].Field(), Reason: "failed '" + fieldErrs[0].Tag() + "' check"}
	}
	return &domain.ValidationError{Reason: err.Error()}
}

func recordRoutingFailure(ctx context.Context, recorder domain.RoutingFailureRecorder, failure domain.RoutingFailure) error {
	routingFailureCounter.WithLabelValues(failure.Source, failure.Reason).Inc()
	if err := recorder.RecordRoutingFailure(ctx, failure); err != nil {
		return fmt.Errorf("record routing failure %s: %w", failure.Reason, err)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
)

// DeliveryWorker performs one delivery attempt per queued job. Retries are scheduled as new
// queue jobs; the ledger is the durable record of how many attempts were made.
type DeliveryWorker struct {
	ledger     domain.InboundSyncRepository
	pointers   domain.ConversationPointerRepository
	crm        domain.CRMInboundClient
	queue      domain.InboundEnqueuer
	normalizer *domain.PhoneNormalizer
	policy     RetryPolicy
	logger     *slog.Logger
}

func NewDeliveryWorker(
	ledger domain.InboundSyncRepository,
	pointers domain.ConversationPointerRepository,
	crm domain.CRMInboundClient,
	queue domain.InboundEnqueuer,
	normalizer *domain.PhoneNormalizer,
	policy RetryPolicy,
	logger *slog.Logger,
) *DeliveryWorker {
	return &DeliveryWorker{
		ledger:     ledger,
		pointers:   pointers,
		crm:        crm,
		queue:      queue,
		normalizer: normalizer,
		policy:     policy,
		logger:     logger.With("component", "delivery_worker"),
	}
}

// Process returns an error only when the ledger or queue could not be updated. Delivery failures
// are handled here: recorded, retried or terminated.
func (w *DeliveryWorker) Process(ctx context.Context, payload domain.InboundSMSDelivery) error {
	normalizedSender := w.normalizer.Normalize(payload.Sender)
	dedupKey := payload.CorrelationID
	if dedupKey == "" {
		dedupKey = domain.BuildDedupKey(payload.DeviceID, normalizedSender, payload.ReceivedAtInMillis, payload.Message)
	}
	logger := w.logger.With("location_id", payload.LocationID, "sms_id", payload.SMSID, "dedup_key", dedupKey)

	sync, err := w.ledger.FindByDedupKey(ctx, payload.LocationID, dedupKey)
	if err != nil {
		return fmt.Errorf("load inbound sync: %w", err)
	}
	if sync != nil && sync.Status.IsTerminal() {
		logger.DebugContext(ctx, "Skipping inbound SMS delivery", "status", sync.Status)
		if sync.Status == domain.SyncStatusSucceeded {
			deliveryOutcomeCounter.WithLabelValues("skipped_succeeded").Inc()
		} else {
			deliveryOutcomeCounter.WithLabelValues("skipped_terminal").Inc()
		}
		return nil
	}
	if sync == nil {
		logger.WarnContext(ctx, "Missing sync record for inbound SMS; creating on the fly")
		sync, err = w.ledger.UpsertOnEnqueue(ctx, domain.UpsertSyncParams{
			SMSID:           payload.SMSID,
			LocationID:      payload.LocationID,
			NormalizedPhone: normalizedSender,
			DedupKey:        dedupKey,
		})
		if err != nil {
			return fmt.Errorf("create inbound sync: %w", err)
		}
	}

	updated, err := w.ledger.RecordAttempt(ctx, sync.ID)
	if errors.Is(err, domain.ErrTerminalState) {
		logger.DebugContext(ctx, "Inbound sync left pending concurrently; skipping")
		deliveryOutcomeCounter.WithLabelValues("skipped_terminal").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	attempt := updated.AttemptCount
	logger = logger.With("attempt", attempt, "max_attempts", w.policy.MaxAttempts)

	request := payload
	request.Sender = normalizedSender
	request.CorrelationID = dedupKey
	request.ConversationID = w.preferredConversationID(ctx, logger, payload, normalizedSender)

	start := time.Now()
	res, deliveryErr := w.crm.PostInboundSMS(ctx, request)
	if deliveryErr != nil {
		crmCallDurationHist.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return w.handleFailure(ctx, logger, sync, attempt, payload, normalizedSender, dedupKey, deliveryErr)
	}
	crmCallDurationHist.WithLabelValues("success").Observe(time.Since(start).Seconds())

	err = w.ledger.MarkSucceeded(ctx, sync.ID, domain.SyncSuccess{
		ContactID:         res.ContactID,
		ConversationID:    res.ConversationID,
		ProviderMessageID: res.MessageID,
	})
	if err != nil && !errors.Is(err, domain.ErrTerminalState) {
		return fmt.Errorf("mark succeeded: %w", err)
	}

	if _, err := w.pointers.UpsertByPhone(ctx, domain.PointerUpsert{
		LocationID:      payload.LocationID,
		NormalizedPhone: normalizedSender,
		RawPhone:        payload.Sender,
		ContactID:       res.ContactID,
		ConversationID:  res.ConversationID,
		Source:          domain.PointerSourceInboundSync,
	}); err != nil {
		logger.WarnContext(ctx, "Failed to refresh conversation pointer", "error", err)
	}

	deliveryOutcomeCounter.WithLabelValues("succeeded").Inc()
	logger.InfoContext(ctx, "Delivered inbound SMS to CRM",
		"contact_id", res.ContactID, "conversation_id", res.ConversationID)
	return nil
}

// preferredConversationID keeps replies in the known thread: payload first, then the pointer cache.
// Pointer lookup failures only cost continuity, so they do not fail the attempt.
func (w *DeliveryWorker) preferredConversationID(ctx context.Context, logger *slog.Logger, payload domain.InboundSMSDelivery, normalizedSender string) string {
	if payload.ConversationID != "" {
		return payload.ConversationID
	}
	pointer, err := w.pointers.FindByPhone(ctx, payload.LocationID, normalizedSender)
	if err != nil {
		logger.WarnContext(ctx, "Conversation pointer lookup failed", "error", err)
		return ""
	}
	if pointer == nil {
		return ""
	}
	return pointer.ConversationID
}

func (w *DeliveryWorker) handleFailure(
	ctx context.Context,
	logger *slog.Logger,
	sync *domain.InboundSyncRecord,
	attempt int,
	payload domain.InboundSMSDelivery,
	normalizedSender, dedupKey string,
	deliveryErr error,
) error {
	errMsg := deliveryErr.Error()
	logger.WarnContext(ctx, "Failed delivering inbound SMS to CRM", "error", errMsg)

	if domain.IsPermanentDeliveryError(deliveryErr) {
		if err := w.markFailed(ctx, sync, errMsg); err != nil {
			return err
		}
		deliveryOutcomeCounter.WithLabelValues("failed_permanent").Inc()
		logger.ErrorContext(ctx, "Inbound SMS delivery permanently failed (configuration)",
			"status_code", domain.UpstreamStatusCode(deliveryErr), "error", errMsg)
		return nil
	}

	if w.policy.Exhausted(attempt) {
		if err := w.markFailed(ctx, sync, errMsg); err != nil {
			return err
		}
		deliveryOutcomeCounter.WithLabelValues("failed_exhausted").Inc()
		logger.ErrorContext(ctx, "Inbound SMS delivery permanently failed", "attempts", attempt, "error", errMsg)
		return nil
	}

	if err := w.ledger.SetLastError(ctx, sync.ID, errMsg); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("set last error: %w", err)
	}

	delay := w.policy.NextDelay(attempt)
	retry := payload
	retry.Sender = normalizedSender
	retry.CorrelationID = dedupKey
	if err := w.queue.EnqueueInboundSMS(ctx, retry, delay); err != nil {
		return fmt.Errorf("re-enqueue inbound sms: %w", err)
	}

	deliveryOutcomeCounter.WithLabelValues("retry_scheduled").Inc()
	logger.WarnContext(ctx, "Re-enqueued inbound SMS delivery", "delay_ms", delay.Milliseconds())
	return nil
}

func (w *DeliveryWorker) markFailed(ctx context.Context, sync *domain.InboundSyncRecord, errMsg string) error {
	err := w.ledger.MarkFailed(ctx, sync.ID, errMsg)
	if err != nil && !errors.Is(err, domain.ErrTerminalState) {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

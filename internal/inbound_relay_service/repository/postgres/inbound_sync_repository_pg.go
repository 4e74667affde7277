package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const inboundSyncColumns = `id, sms_id, location_id, normalized_phone, dedup_key, status, attempt_count, last_attempt_at,
	COALESCE(last_error, ''), COALESCE(contact_id, ''), COALESCE(conversation_id, ''), COALESCE(provider_message_id, ''),
	created_at, updated_at`

// PgInboundSyncRepository stores the delivery ledger in inbound_sms_syncs.
// The unique index on (location_id, dedup_key) is the only mutual exclusion between concurrent producers.
type PgInboundSyncRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgInboundSyncRepository(db database.DBTX, logger *slog.Logger) *PgInboundSyncRepository {
	return &PgInboundSyncRepository{db: db, logger: logger.With("component", "inbound_sync_repository")}
}

func scanInboundSync(row pgx.Row) (*domain.InboundSyncRecord, error) {
	rec := &domain.InboundSyncRecord{}
	err := row.Scan(
		&rec.ID, &rec.SMSID, &rec.LocationID, &rec.NormalizedPhone, &rec.DedupKey, &rec.Status,
		&rec.AttemptCount, &rec.LastAttemptAt, &rec.LastError, &rec.ContactID, &rec.ConversationID,
		&rec.ProviderMessageID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PgInboundSyncRepository) FindByDedupKey(ctx context.Context, locationID, dedupKey string) (*domain.InboundSyncRecord, error) {
	query := `SELECT ` + inboundSyncColumns + ` FROM inbound_sms_syncs WHERE location_id = $1 AND dedup_key = $2`
	rec, err := scanInboundSync(r.db.QueryRow(ctx, query, locationID, dedupKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.ErrorContext(ctx, "Error finding inbound sync record", "error", err, "location_id", locationID, "dedup_key", dedupKey)
		return nil, fmt.Errorf("find inbound sync record: %w", err)
	}
	return rec, nil
}

// UpsertOnEnqueue inserts a pending record with zero attempts. A repeated observation only refreshes
// normalized_phone, so attempt history and terminal states survive listener redeliveries.
func (r *PgInboundSyncRepository) UpsertOnEnqueue(ctx context.Context, params domain.UpsertSyncParams) (*domain.InboundSyncRecord, error) {
	query := `
		INSERT INTO inbound_sms_syncs (id, sms_id, location_id, normalized_phone, dedup_key, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (location_id, dedup_key) DO UPDATE
		SET normalized_phone = EXCLUDED.normalized_phone, updated_at = EXCLUDED.updated_at
		RETURNING ` + inboundSyncColumns
	now := time.Now().UTC()
	rec, err := scanInboundSync(r.db.QueryRow(ctx, query,
		uuid.New(), params.SMSID, params.LocationID, params.NormalizedPhone, params.DedupKey, domain.SyncStatusPending, now,
	))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting inbound sync record", "error", err, "location_id", params.LocationID, "dedup_key", params.DedupKey)
		return nil, fmt.Errorf("upsert inbound sync record: %w", err)
	}
	return rec, nil
}

// RecordAttempt bumps attempt_count in one statement. It returns domain.ErrTerminalState when the
// record is missing or no longer pending.
func (r *PgInboundSyncRepository) RecordAttempt(ctx context.Context, id uuid.UUID) (*domain.InboundSyncRecord, error) {
	query := `
		UPDATE inbound_sms_syncs
		SET attempt_count = attempt_count + 1, last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = $3
		RETURNING ` + inboundSyncColumns
	rec, err := scanInboundSync(r.db.QueryRow(ctx, query, id, time.Now().UTC(), domain.SyncStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTerminalState
		}
		r.logger.ErrorContext(ctx, "Error recording delivery attempt", "error", err, "sync_id", id)
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	return rec, nil
}

func (r *PgInboundSyncRepository) SetLastError(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE inbound_sms_syncs
		SET last_error = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	return r.execGuarded(ctx, "set last error", id, query, id, lastError, time.Now().UTC(), domain.SyncStatusPending)
}

// MarkSucceeded may be re-applied to a succeeded record. An empty providerMessageID keeps the stored one.
func (r *PgInboundSyncRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, res domain.SyncSuccess) error {
	query := `
		UPDATE inbound_sms_syncs
		SET status = $2, contact_id = $3, conversation_id = $4,
			provider_message_id = COALESCE(NULLIF($5::text, ''), provider_message_id),
			last_error = NULL, updated_at = $6
		WHERE id = $1 AND status IN ($7, $2)
	`
	return r.execGuarded(ctx, "mark succeeded", id, query,
		id, domain.SyncStatusSucceeded, res.ContactID, res.ConversationID, res.ProviderMessageID,
		time.Now().UTC(), domain.SyncStatusPending,
	)
}

func (r *PgInboundSyncRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE inbound_sms_syncs
		SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`
	return r.execGuarded(ctx, "mark failed", id, query,
		id, domain.SyncStatusFailed, lastError, time.Now().UTC(), domain.SyncStatusPending,
	)
}

func (r *PgInboundSyncRepository) execGuarded(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating inbound sync record", "error", err, "op", op, "sync_id", id)
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Inbound sync record not updatable", "op", op, "sync_id", id)
		return domain.ErrTerminalState
	}
	return nil
}

func (r *PgInboundSyncRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM inbound_sms_syncs WHERE status IN ($1, $2) AND created_at < $3`
	tag, err := r.db.Exec(ctx, query, domain.SyncStatusSucceeded, domain.SyncStatusFailed, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting old inbound sync records", "error", err, "cutoff", cutoff)
		return 0, fmt.Errorf("delete old inbound sync records: %w", err)
	}
	return tag.RowsAffected(), nil
}

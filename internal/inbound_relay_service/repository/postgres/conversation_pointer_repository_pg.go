package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

const pointerColumns = `location_id, normalized_phone, COALESCE(raw_phone, ''), COALESCE(contact_id, ''),
	COALESCE(conversation_id, ''), COALESCE(source, ''), last_observed_at`

// PgConversationPointerRepository stores conversation pointers keyed by (location_id, normalized_phone).
type PgConversationPointerRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgConversationPointerRepository(db database.DBTX, logger *slog.Logger) *PgConversationPointerRepository {
	return &PgConversationPointerRepository{db: db, logger: logger.With("component", "conversation_pointer_repository")}
}

func scanPointer(row pgx.Row) (*domain.ConversationPointer, error) {
	p := &domain.ConversationPointer{}
	if err := row.Scan(&p.LocationID, &p.NormalizedPhone, &p.RawPhone, &p.ContactID, &p.ConversationID, &p.Source, &p.LastObservedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PgConversationPointerRepository) FindByPhone(ctx context.Context, locationID, normalizedPhone string) (*domain.ConversationPointer, error) {
	query := `SELECT ` + pointerColumns + ` FROM conversation_pointers WHERE location_id = $1 AND normalized_phone = $2`
	p, err := scanPointer(r.db.QueryRow(ctx, query, locationID, normalizedPhone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.ErrorContext(ctx, "Error finding conversation pointer", "error", err, "location_id", locationID)
		return nil, fmt.Errorf("find conversation pointer: %w", err)
	}
	return p, nil
}

// UpsertByPhone merges the non-empty fields of params into the pointer and always advances
// last_observed_at. Stored identifiers are never cleared by an empty update.
func (r *PgConversationPointerRepository) UpsertByPhone(ctx context.Context, params domain.PointerUpsert) (*domain.ConversationPointer, error) {
	query := `
		INSERT INTO conversation_pointers (location_id, normalized_phone, raw_phone, contact_id, conversation_id, source, last_observed_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3::text, ''), NULLIF($4::text, ''), NULLIF($5::text, ''), NULLIF($6::text, ''), $7, $8, $8)
		ON CONFLICT (location_id, normalized_phone) DO UPDATE SET
			raw_phone = COALESCE(EXCLUDED.raw_phone, conversation_pointers.raw_phone),
			contact_id = COALESCE(EXCLUDED.contact_id, conversation_pointers.contact_id),
			conversation_id = COALESCE(EXCLUDED.conversation_id, conversation_pointers.conversation_id),
			source = COALESCE(EXCLUDED.source, conversation_pointers.source),
			last_observed_at = EXCLUDED.last_observed_at,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + pointerColumns
	now := time.Now().UTC()
	observedAt := params.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	p, err := scanPointer(r.db.QueryRow(ctx, query,
		params.LocationID, params.NormalizedPhone, params.RawPhone, params.ContactID, params.ConversationID,
		params.Source, observedAt, now,
	))
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting conversation pointer", "error", err, "location_id", params.LocationID)
		return nil, fmt.Errorf("upsert conversation pointer: %w", err)
	}
	return p, nil
}

// UpdateConversationIDForKnownContact moves every pointer of the contact to conversationID and
// returns how many pointers were updated.
func (r *PgConversationPointerRepository) UpdateConversationIDForKnownContact(ctx context.Context, params domain.ContactConversationUpdate) (int64, error) {
	query := `
		UPDATE conversation_pointers
		SET conversation_id = $3, last_observed_at = $4, source = COALESCE(NULLIF($5::text, ''), source), updated_at = $6
		WHERE location_id = $1 AND contact_id = $2
	`
	now := time.Now().UTC()
	observedAt := params.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	tag, err := r.db.Exec(ctx, query, params.LocationID, params.ContactID, params.ConversationID, observedAt, params.Source, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating conversation for contact", "error", err, "location_id", params.LocationID, "contact_id", params.ContactID)
		return 0, fmt.Errorf("update conversation for contact: %w", err)
	}
	r.logger.InfoContext(ctx, "Conversation pointers updated for contact",
		"location_id", params.LocationID, "contact_id", params.ContactID, "updated_count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

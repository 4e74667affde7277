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

// PgRoutingRepository resolves sub-account/device links and stores routing failures.
type PgRoutingRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgRoutingRepository(db database.DBTX, logger *slog.Logger) *PgRoutingRepository {
	return &PgRoutingRepository{db: db, logger: logger.With("component", "routing_repository")}
}

func (r *PgRoutingRepository) ResolveLocationIDByDeviceID(ctx context.Context, deviceID string) (string, error) {
	query := `
		SELECT s.location_id
		FROM subaccount_device_links l
		JOIN subaccounts s ON s.id = l.subaccount_id
		WHERE l.device_id = $1
	`
	var locationID string
	err := r.db.QueryRow(ctx, query, deviceID).Scan(&locationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		r.logger.ErrorContext(ctx, "Error resolving location for device", "error", err, "device_id", deviceID)
		return "", fmt.Errorf("resolve location by device: %w", err)
	}
	return locationID, nil
}

func (r *PgRoutingRepository) ResolveLinkedDeviceByLocationID(ctx context.Context, locationID string) (*domain.LinkedDevice, error) {
	query := `
		SELECT COALESCE(l.device_id, ''), COALESCE(d.enabled, false)
		FROM subaccounts s
		LEFT JOIN subaccount_device_links l ON l.subaccount_id = s.id
		LEFT JOIN devices d ON d.id = l.device_id
		WHERE s.location_id = $1
	`
	dev := &domain.LinkedDevice{}
	err := r.db.QueryRow(ctx, query, locationID).Scan(&dev.DeviceID, &dev.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "No sub-account for location", "location_id", locationID)
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error resolving device for location", "error", err, "location_id", locationID)
		return nil, fmt.Errorf("resolve device by location: %w", err)
	}
	if dev.DeviceID == "" {
		r.logger.WarnContext(ctx, "Sub-account has no linked device", "location_id", locationID)
		return nil, nil
	}
	return dev, nil
}

func (r *PgRoutingRepository) RecordRoutingFailure(ctx context.Context, failure domain.RoutingFailure) error {
	r.logger.WarnContext(ctx, "Routing failure",
		"source", failure.Source, "reason", failure.Reason, "location_id", failure.LocationID)

	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	if failure.ReceivedAt.IsZero() {
		failure.ReceivedAt = time.Now().UTC()
	}
	var raw []byte
	if len(failure.RawPayload) > 0 {
		raw = failure.RawPayload
	}

	query := `
		INSERT INTO routing_failures (id, source, location_id, reason, received_at, raw_payload, created_at)
		VALUES ($1, $2, NULLIF($3::text, ''), $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query, failure.ID, failure.Source, failure.LocationID, failure.Reason, failure.ReceivedAt, raw, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording routing failure", "error", err, "reason", failure.Reason)
		return fmt.Errorf("record routing failure: %w", err)
	}
	return nil
}

// ListRoutingFailures returns one page, newest first, and the total number of failures.
func (r *PgRoutingRepository) ListRoutingFailures(ctx context.Context, page, limit int) ([]domain.RoutingFailure, int, error) {
	page, limit = domain.NormalizePage(page, limit)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM routing_failures`).Scan(&total); err != nil {
		r.logger.ErrorContext(ctx, "Error counting routing failures", "error", err)
		return nil, 0, fmt.Errorf("count routing failures: %w", err)
	}

	query := `
		SELECT id, source, COALESCE(location_id, ''), reason, received_at, raw_payload, created_at
		FROM routing_failures
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, (page-1)*limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing routing failures", "error", err)
		return nil, 0, fmt.Errorf("list routing failures: %w", err)
	}
	defer rows.Close()

	failures := make([]domain.RoutingFailure, 0, limit)
	for rows.Next() {
		var f domain.RoutingFailure
		var raw []byte
		if err := rows.Scan(&f.ID, &f.Source, &f.LocationID, &f.Reason, &f.ReceivedAt, &raw, &f.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan routing failure: %w", err)
		}
		f.RawPayload = raw
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate routing failures: %w", err)
	}
	return failures, total, nil
}

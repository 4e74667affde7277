package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/database"
	"github.com/google/uuid"
)

// PgDeliveryQueue is a durable delayed queue on the delivery_jobs table. Jobs are claimed with
// FOR UPDATE SKIP LOCKED, so at most one worker runs a job at a time. At most one queued job may
// exist per correlation id.
type PgDeliveryQueue struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgDeliveryQueue(db database.DBTX, logger *slog.Logger) *PgDeliveryQueue {
	return &PgDeliveryQueue{db: db, logger: logger.With("component", "delivery_queue")}
}

// EnqueueInboundSMS makes a job eligible no earlier than now+delay. If a job for the same correlation
// id is already queued, it is kept and its run_at moves to the later of the two.
func (q *PgDeliveryQueue) EnqueueInboundSMS(ctx context.Context, payload domain.InboundSMSDelivery, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}
	if delay < 0 {
		delay = 0
	}

	query := `
		INSERT INTO delivery_jobs (id, correlation_id, payload, status, run_at, deliveries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (correlation_id) WHERE status = 'queued'
		DO UPDATE SET run_at = GREATEST(delivery_jobs.run_at, EXCLUDED.run_at), updated_at = EXCLUDED.updated_at
	`
	now := time.Now().UTC()
	_, err = q.db.Exec(ctx, query, uuid.New(), payload.CorrelationID, body, domain.JobStatusQueued, now.Add(delay), now)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error enqueueing delivery job", "error", err, "correlation_id", payload.CorrelationID)
		return fmt.Errorf("enqueue delivery job: %w", err)
	}
	q.logger.DebugContext(ctx, "Delivery job enqueued", "correlation_id", payload.CorrelationID, "delay_ms", delay.Milliseconds())
	return nil
}

// AcquireDue claims up to limit queued jobs whose run_at has passed, oldest first.
func (q *PgDeliveryQueue) AcquireDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryJob, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM delivery_jobs
			WHERE status = $1 AND run_at <= $2
			ORDER BY run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_jobs j
		SET status = $4, locked_at = $2, deliveries = j.deliveries + 1, updated_at = $2
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.payload, j.status, j.run_at, j.deliveries, j.locked_at, COALESCE(j.last_error, ''), j.created_at
	`
	rows, err := q.db.Query(ctx, query, domain.JobStatusQueued, now, limit, domain.JobStatusRunning)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error acquiring due delivery jobs", "error", err)
		return nil, fmt.Errorf("acquire due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		job := &domain.DeliveryJob{}
		var body []byte
		if err := rows.Scan(&job.ID, &body, &job.Status, &job.RunAt, &job.Deliveries, &job.LockedAt, &job.LastError, &job.CreatedAt); err != nil {
			q.logger.ErrorContext(ctx, "Error scanning delivery job row", "error", err)
			return nil, fmt.Errorf("scan delivery job: %w", err)
		}
		if err := json.Unmarshal(body, &job.Payload); err != nil {
			// Returned with an empty payload; the runner drops it.
			q.logger.ErrorContext(ctx, "Undecodable delivery job payload", "error", err, "job_id", job.ID)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		q.logger.ErrorContext(ctx, "Error iterating delivery job rows", "error", err)
		return nil, fmt.Errorf("iterate delivery jobs: %w", err)
	}
	return jobs, nil
}

// Complete removes a finished job.
func (q *PgDeliveryQueue) Complete(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM delivery_jobs WHERE id = $1`, id); err != nil {
		q.logger.ErrorContext(ctx, "Error completing delivery job", "error", err, "job_id", id)
		return fmt.Errorf("complete delivery job: %w", err)
	}
	return nil
}

// Release hands a running job back to the queue. When a twin for the same correlation id was queued
// meanwhile, the released job is dropped in favour of it.
func (q *PgDeliveryQueue) Release(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	query := `
		UPDATE delivery_jobs
		SET status = $2, run_at = $3, locked_at = NULL, last_error = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`
	_, err := q.db.Exec(ctx, query, id, domain.JobStatusQueued, runAt, lastError, time.Now().UTC(), domain.JobStatusRunning)
	if err != nil {
		if database.IsUniqueViolation(err) {
			q.logger.InfoContext(ctx, "Released job superseded by queued twin", "job_id", id)
			return q.Complete(ctx, id)
		}
		q.logger.ErrorContext(ctx, "Error releasing delivery job", "error", err, "job_id", id)
		return fmt.Errorf("release delivery job: %w", err)
	}
	return nil
}

// RequeueStale returns jobs locked before staleBefore to the queue. Those are assumed to belong to a
// worker that died. Per correlation id only the most recently locked stale job is requeued, and only
// when no queued twin exists; the other stale jobs are removed.
func (q *PgDeliveryQueue) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	requeue := `
		WITH ranked AS (
			SELECT id, row_number() OVER (PARTITION BY correlation_id ORDER BY locked_at DESC, id) AS rn
			FROM delivery_jobs
			WHERE status = $2 AND locked_at < $4
		)
		UPDATE delivery_jobs j
		SET status = $1, locked_at = NULL, run_at = $3, updated_at = $3
		WHERE j.id IN (SELECT id FROM ranked WHERE rn = 1)
			AND NOT EXISTS (
				SELECT 1 FROM delivery_jobs t WHERE t.correlation_id = j.correlation_id AND t.status = $1
			)
	`
	now := time.Now().UTC()
	tag, err := q.db.Exec(ctx, requeue, domain.JobStatusQueued, domain.JobStatusRunning, now, staleBefore)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error requeueing stale delivery jobs", "error", err)
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	cleanup := `DELETE FROM delivery_jobs WHERE status = $1 AND locked_at < $2`
	if _, err := q.db.Exec(ctx, cleanup, domain.JobStatusRunning, staleBefore); err != nil {
		q.logger.ErrorContext(ctx, "Error removing superseded stale jobs", "error", err)
		return tag.RowsAffected(), fmt.Errorf("remove superseded stale jobs: %w", err)
	}

	if n := tag.RowsAffected(); n > 0 {
		q.logger.WarnContext(ctx, "Requeued stale delivery jobs", "count", n, "stale_before", staleBefore)
	}
	return tag.RowsAffected(), nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueueTest(t *testing.T) (pgxmock.PgxPoolIface, *PgDeliveryQueue) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool, NewPgDeliveryQueue(mockPool, logger.Discard())
}

func testDelivery() domain.InboundSMSDelivery {
	return domain.InboundSMSDelivery{
		LocationID:         "loc1",
		DeviceID:           "d1",
		SMSID:              "sms-1",
		Sender:             "+15551234567",
		Message:            "hi",
		ReceivedAtInMillis: 1700000000000,
		CorrelationID:      "key-1",
	}
}

func TestPgDeliveryQueue_EnqueueInboundSMS(t *testing.T) {
	ctx := context.Background()
	payload := testDelivery()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	t.Run("Inserted", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`INSERT INTO delivery_jobs`).
			WithArgs(pgxmock.AnyArg(), "key-1", body, domain.JobStatusQueued, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, q.EnqueueInboundSMS(ctx, payload, 10*time.Second))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("QueuedTwinKeepsLaterRunAt", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`ON CONFLICT \(correlation_id\) WHERE status = 'queued'\s+DO UPDATE SET run_at = GREATEST\(delivery_jobs.run_at, EXCLUDED.run_at\)`).
			WithArgs(pgxmock.AnyArg(), "key-1", body, domain.JobStatusQueued, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		assert.NoError(t, q.EnqueueInboundSMS(ctx, payload, 20*time.Second))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DBError", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`INSERT INTO delivery_jobs`).
			WithArgs(pgxmock.AnyArg(), "key-1", body, domain.JobStatusQueued, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("db down"))

		assert.Error(t, q.EnqueueInboundSMS(ctx, payload, 0))
	})
}

func TestPgDeliveryQueue_AcquireDue(t *testing.T) {
	mockPool, q := setupQueueTest(t)
	now := time.Now().UTC()
	id := uuid.New()
	body, err := json.Marshal(testDelivery())
	require.NoError(t, err)

	rows := mockPool.NewRows([]string{"id", "payload", "status", "run_at", "deliveries", "locked_at", "last_error", "created_at"}).
		AddRow(id, body, domain.JobStatusRunning, now, 1, &now, "", now)
	mockPool.ExpectQuery(`WITH due AS \(.*FOR UPDATE SKIP LOCKED\s+\)\s+UPDATE delivery_jobs j`).
		WithArgs(domain.JobStatusQueued, now, 5, domain.JobStatusRunning).
		WillReturnRows(rows)

	jobs, err := q.AcquireDue(context.Background(), now, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "key-1", jobs[0].Payload.CorrelationID)
	assert.Equal(t, domain.JobStatusRunning, jobs[0].Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgDeliveryQueue_AcquireDue_Empty(t *testing.T) {
	mockPool, q := setupQueueTest(t)
	now := time.Now().UTC()

	mockPool.ExpectQuery(`WITH due AS`).
		WithArgs(domain.JobStatusQueued, now, 5, domain.JobStatusRunning).
		WillReturnRows(mockPool.NewRows([]string{"id", "payload", "status", "run_at", "deliveries", "locked_at", "last_error", "created_at"}))

	jobs, err := q.AcquireDue(context.Background(), now, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPgDeliveryQueue_CompleteAndRelease(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	runAt := time.Now().Add(time.Second)

	t.Run("Complete", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`DELETE FROM delivery_jobs WHERE id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		assert.NoError(t, q.Complete(ctx, id))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Release", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`UPDATE delivery_jobs\s+SET status = \$2, run_at = \$3, locked_at = NULL`).
			WithArgs(id, domain.JobStatusQueued, runAt, "ledger unavailable", pgxmock.AnyArg(), domain.JobStatusRunning).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, q.Release(ctx, id, runAt, "ledger unavailable"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ReleaseSupersededByTwin", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`UPDATE delivery_jobs`).
			WithArgs(id, domain.JobStatusQueued, runAt, "x", pgxmock.AnyArg(), domain.JobStatusRunning).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mockPool.ExpectExec(`DELETE FROM delivery_jobs WHERE id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		assert.NoError(t, q.Release(ctx, id, runAt, "x"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgDeliveryQueue_RequeueStale(t *testing.T) {
	staleBefore := time.Now().Add(-5 * time.Minute)

	t.Run("OneJobPerCorrelationID", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`(?s)WITH ranked AS \(\s+SELECT id, row_number\(\) OVER \(PARTITION BY correlation_id ORDER BY locked_at DESC, id\) AS rn.+WHERE j.id IN \(SELECT id FROM ranked WHERE rn = 1\)\s+AND NOT EXISTS`).
			WithArgs(domain.JobStatusQueued, domain.JobStatusRunning, pgxmock.AnyArg(), staleBefore).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))
		mockPool.ExpectExec(`DELETE FROM delivery_jobs WHERE status = \$1 AND locked_at < \$2`).
			WithArgs(domain.JobStatusRunning, staleBefore).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		n, err := q.RequeueStale(context.Background(), staleBefore)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("RequeueError", func(t *testing.T) {
		mockPool, q := setupQueueTest(t)
		mockPool.ExpectExec(`WITH ranked AS`).
			WithArgs(domain.JobStatusQueued, domain.JobStatusRunning, pgxmock.AnyArg(), staleBefore).
			WillReturnError(errors.New("db down"))

		_, err := q.RequeueStale(context.Background(), staleBefore)
		assert.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

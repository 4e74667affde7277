package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"github.com/ampilares/selfhostsim/internal/platform/distlock"
)

// RetentionSweeper periodically deletes terminal ledger records older than the retention window.
type RetentionSweeper struct {
	ledger        domain.InboundSyncRepository
	lock          distlock.Lock
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewRetentionSweeper accepts a nil lock for single-replica deployments.
func NewRetentionSweeper(ledger domain.InboundSyncRepository, lock distlock.Lock, retentionDays int, interval time.Duration, logger *slog.Logger) *RetentionSweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionSweeper{
		ledger:        ledger,
		lock:          lock,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.With("component", "retention_sweeper"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once on start and then every interval until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	_, _ = s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// SweepOnce returns the number of deleted records. Failures are logged; the next tick retries.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.retentionDays <= 0 {
		s.logger.WarnContext(ctx, "Skipping inbound SMS retention cleanup", "retention_days", s.retentionDays)
		return 0, nil
	}

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to acquire retention lock", "error", err)
			return 0, err
		}
		if !acquired {
			s.logger.DebugContext(ctx, "Retention sweep running elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "Failed to release retention lock", "error", err)
			}
		}()
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.ledger.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed inbound SMS retention cleanup", "error", err)
		return 0, err
	}
	retentionDeletedCounter.Add(float64(deleted))
	s.logger.InfoContext(ctx, "Deleted old inbound SMS sync records", "deleted", deleted, "retention_days", s.retentionDays)
	return deleted, nil
}

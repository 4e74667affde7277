package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ampilares/selfhostsim/internal/inbound_relay_service/domain"
	"golang.org/x/sync/errgroup"
)

// JobHandler runs one delivery job. A returned error puts the job back on the queue.
type JobHandler interface {
	Process(ctx context.Context, payload domain.InboundSMSDelivery) error
}

// QueueRunnerConfig holds polling and concurrency settings for the QueueRunner.
type QueueRunnerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	// ReleaseDelay is how long a job handed back after an infrastructure error waits before rerunning.
	ReleaseDelay time.Duration
}

// QueueRunner claims due delivery jobs and runs them with bounded concurrency.
type QueueRunner struct {
	queue   domain.DeliveryQueue
	handler JobHandler
	config  QueueRunnerConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewQueueRunner(queue domain.DeliveryQueue, handler JobHandler, cfg QueueRunnerConfig, logger *slog.Logger) *QueueRunner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 5 * time.Second
	}
	return &QueueRunner{
		queue:   queue,
		handler: handler,
		config:  cfg,
		logger:  logger.With("component", "queue_runner"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled. A full batch triggers an immediate re-poll. Jobs already
// running when ctx is cancelled are finished before Run returns.
func (r *QueueRunner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Queue runner started",
		"concurrency", r.config.Concurrency, "poll_interval", r.config.PollInterval.String())

	pollTicker := time.NewTicker(r.config.PollInterval)
	defer pollTicker.Stop()
	staleTicker := time.NewTicker(r.config.VisibilityTimeout / 2)
	defer staleTicker.Stop()

	r.RecoverStale(ctx)
	for {
		for ctx.Err() == nil {
			n, err := r.PollOnce(ctx)
			if err != nil || n < r.config.Concurrency {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Queue runner stopping")
			return nil
		case <-pollTicker.C:
		case <-staleTicker.C:
			r.RecoverStale(ctx)
		}
	}
}

// PollOnce claims one batch, runs it and returns how many jobs were claimed.
func (r *QueueRunner) PollOnce(ctx context.Context) (int, error) {
	jobs, err := r.queue.AcquireDue(ctx, r.now(), r.config.Concurrency)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to acquire due jobs", "error", err)
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	queueJobsCounter.WithLabelValues("acquired").Add(float64(len(jobs)))

	jobCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			r.runJob(jobCtx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (r *QueueRunner) runJob(ctx context.Context, job *domain.DeliveryJob) {
	logger := r.logger.With("job_id", job.ID, "deliveries", job.Deliveries)

	if job.Payload.LocationID == "" {
		logger.ErrorContext(ctx, "Dropping delivery job without routable payload")
		r.complete(ctx, logger, job)
		return
	}

	if err := r.handler.Process(ctx, job.Payload); err != nil {
		logger.WarnContext(ctx, "Delivery job failed; releasing", "error", err,
			"location_id", job.Payload.LocationID, "dedup_key", job.Payload.CorrelationID)
		if relErr := r.queue.Release(ctx, job.ID, r.now().Add(r.config.ReleaseDelay), err.Error()); relErr != nil {
			logger.ErrorContext(ctx, "Failed to release delivery job", "error", relErr)
			return
		}
		queueJobsCounter.WithLabelValues("released").Inc()
		return
	}
	r.complete(ctx, logger, job)
}

func (r *QueueRunner) complete(ctx context.Context, logger *slog.Logger, job *domain.DeliveryJob) {
	if err := r.queue.Complete(ctx, job.ID); err != nil {
		// The job becomes stale and is requeued; the ledger makes the rerun a no-op.
		logger.ErrorContext(ctx, "Failed to complete delivery job", "error", err)
		return
	}
	queueJobsCounter.WithLabelValues("completed").Inc()
}

// RecoverStale requeues jobs whose worker disappeared.
func (r *QueueRunner) RecoverStale(ctx context.Context) {
	n, err := r.queue.RequeueStale(ctx, r.now().Add(-r.config.VisibilityTimeout))
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to requeue stale jobs", "error", err)
		return
	}
	if n > 0 {
		queueJobsCounter.WithLabelValues("requeued").Add(float64(n))
	}
}

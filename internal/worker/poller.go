package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/outboundhq/sequence-engine/internal/observability"
	"github.com/outboundhq/sequence-engine/internal/queue"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollLimit    = 100
)

// Poller periodically scans for due email jobs and publishes them to the
// priority send queues. Publishing is at-least-once; the consumer's
// conditional claim makes duplicate deliveries harmless.
type Poller struct {
	jobs      repository.JobRepository
	publisher queue.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewPoller(
	jobs repository.JobRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Poller, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if limit <= 0 {
		limit = defaultPollLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Poller{
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (p *Poller) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.scanDue(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("poller initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("poller scan failed", zap.Error(err))
			}
		}
	}
}

func (p *Poller) scanDue(ctx context.Context) error {
	dueJobs, err := p.jobs.GetDue(ctx, p.now().UTC(), p.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due jobs: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ObservePollerBatchSize(len(dueJobs))
	}

	for i := range dueJobs {
		job := dueJobs[i]
		msg := queue.JobMessage{
			JobID:      job.ID,
			CampaignID: job.CampaignID,
			Priority:   job.Priority,
		}

		queueName := queue.QueueName(job.Priority)
		if err := p.publisher.Publish(ctx, queueName, msg); err != nil {
			p.logger.Error("failed to enqueue due job",
				zap.String("jobId", job.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		updated, err := p.jobs.MarkQueuedIfPending(ctx, job.ID)
		if err != nil {
			p.logger.Error("failed to mark job as queued",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}
		if !updated {
			p.logger.Info("job status changed before queue mark",
				zap.String("jobId", job.ID),
			)
		}
	}

	return nil
}

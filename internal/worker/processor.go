package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/mailer"
	"github.com/outboundhq/sequence-engine/internal/observability"
	"github.com/outboundhq/sequence-engine/internal/queue"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minProcessorConcurrency = 1
	// quotaDeferralFallback reschedules a quota-blocked job when the limiter
	// cannot name the next free slot.
	quotaDeferralFallback = 5 * time.Minute
)

// QuotaService is the slice of the rate limiter the processor consumes.
type QuotaService interface {
	CheckSendingQuota(ctx context.Context, accountID, recipientDomain string) domain.SendingQuota
	RecordSend(ctx context.Context, accountID, recipientDomain string, success bool, errCode string)
	ScheduleRetry(ctx context.Context, job *domain.EmailJob, errCode string) ratelimit.RetryDecision
}

// SequenceService is the slice of the sequencer the processor consumes.
type SequenceService interface {
	ShouldSend(ctx context.Context, job *domain.EmailJob) (bool, string, error)
	ScheduleNextStep(ctx context.Context, progress *domain.ContactProgress, campaign *domain.Campaign) error
	RecordBounce(ctx context.Context, progressID string, at time.Time) error
	HandleJobFailure(ctx context.Context, job *domain.EmailJob, errMsg string) error
}

// Processor consumes the send queues, claims jobs, and drives each one
// through quota check, SMTP delivery, bookkeeping, and sequence advancement.
type Processor struct {
	jobs        repository.JobRepository
	campaigns   repository.CampaignRepository
	progress    repository.ProgressRepository
	accounts    repository.AccountRepository
	events      repository.EventRepository
	consumer    queue.Consumer
	transport   mailer.Transport
	quotas      QuotaService
	sequencer   SequenceService
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
	newID       func() string
}

func NewProcessor(
	jobs repository.JobRepository,
	campaigns repository.CampaignRepository,
	progress repository.ProgressRepository,
	accounts repository.AccountRepository,
	events repository.EventRepository,
	consumer queue.Consumer,
	transport mailer.Transport,
	quotas QuotaService,
	sequencer SequenceService,
	concurrency int,
	logger *zap.Logger,
) (*Processor, error) {
	if jobs == nil || campaigns == nil || progress == nil || accounts == nil {
		return nil, fmt.Errorf("job, campaign, progress, and account repositories are required")
	}
	if transport == nil {
		return nil, fmt.Errorf("mail transport is required")
	}
	if quotas == nil {
		return nil, fmt.Errorf("quota service is required")
	}
	if sequencer == nil {
		return nil, fmt.Errorf("sequence service is required")
	}
	if concurrency < minProcessorConcurrency {
		concurrency = minProcessorConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		jobs:        jobs,
		campaigns:   campaigns,
		progress:    progress,
		accounts:    accounts,
		events:      events,
		consumer:    consumer,
		transport:   transport,
		quotas:      quotas,
		sequencer:   sequencer,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func (p *Processor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Start consumes the priority queues until context cancellation.
func (p *Processor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	queueNames := queue.WorkQueueNames()
	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			p.logger.Info("send worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := p.consumer.Consume(groupCtx, queueName, p.ProcessMessage)
			if err != nil {
				p.logger.Error("send worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			p.logger.Info("send worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// ProcessMessage handles one queued job. A nil return acks the delivery; an
// error nacks it back onto the queue.
func (p *Processor) ProcessMessage(ctx context.Context, msg queue.JobMessage) error {
	job, err := p.jobs.ClaimForProcessing(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("job vanished before claim, skipping",
				zap.String("jobId", msg.JobID),
			)
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	// Nil means another worker won the claim, or the job was cancelled.
	if job == nil {
		return nil
	}

	if p.metrics != nil {
		p.metrics.IncWorkerInFlight()
		defer p.metrics.DecWorkerInFlight()
	}

	return p.process(ctx, job)
}

func (p *Processor) process(ctx context.Context, job *domain.EmailJob) error {
	// Late engagement check: a reply or unsubscribe recorded after scheduling
	// must still block the send.
	allowed, haltReason, err := p.sequencer.ShouldSend(ctx, job)
	if err != nil {
		return fmt.Errorf("pre-send check failed: %w", err)
	}
	if !allowed {
		if err := p.jobs.Cancel(ctx, job.ID, haltReason); err != nil {
			return fmt.Errorf("failed to cancel halted job: %w", err)
		}
		p.logger.Info("send blocked by engagement",
			zap.String("jobId", job.ID),
			zap.String("reason", haltReason),
		)
		return nil
	}

	contact, err := p.campaigns.GetContact(ctx, job.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	recipientDomain := contact.Domain()

	quota := p.quotas.CheckSendingQuota(ctx, job.AccountID, recipientDomain)
	if !quota.Available {
		if p.metrics != nil {
			p.metrics.IncQuotaDenied(string(quota.Reason))
		}
		slot := p.now().UTC().Add(quotaDeferralFallback)
		if quota.NextAvailableSlot != nil {
			slot = *quota.NextAvailableSlot
		}
		if err := p.jobs.Reschedule(ctx, job.ID, slot); err != nil {
			return fmt.Errorf("failed to defer quota-blocked job: %w", err)
		}
		p.logger.Info("job deferred by quota",
			zap.String("jobId", job.ID),
			zap.String("accountId", job.AccountID),
			zap.String("reason", string(quota.Reason)),
			zap.Time("deferredTo", slot),
		)
		return nil
	}

	account, err := p.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load sending account: %w", err)
	}

	sendStart := p.now()
	receipt, sendErr := p.transport.Send(ctx, *account, mailer.Email{
		To:      contact.Email,
		Subject: job.Subject,
		Body:    job.Body,
	})
	if p.metrics != nil {
		p.metrics.ObserveSendDuration(p.now().Sub(sendStart))
	}

	errCode := mailer.ErrorCode(sendErr)
	p.quotas.RecordSend(ctx, job.AccountID, recipientDomain, sendErr == nil, errCode)

	if sendErr == nil {
		return p.finishSent(ctx, job, receipt)
	}
	return p.finishFailed(ctx, job, sendErr, errCode)
}

func (p *Processor) finishSent(ctx context.Context, job *domain.EmailJob, receipt *mailer.Receipt) error {
	now := p.now().UTC()

	messageID := ""
	if receipt != nil {
		messageID = receipt.MessageID
	}
	if err := p.jobs.MarkSent(ctx, job.ID, messageID, now); err != nil {
		return fmt.Errorf("failed to mark job sent: %w", err)
	}
	if p.metrics != nil {
		p.metrics.IncEmailSent(string(job.Priority))
	}

	if err := p.progress.RecordSend(ctx, job.ProgressID, now); err != nil {
		// Terminal progress can absorb a racing send; the email went out either way.
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("failed to record send on progress: %w", err)
		}
	}

	p.appendEvent(ctx, job, domain.EventSent, nil)

	campaign, err := p.campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign for advancement: %w", err)
	}
	if campaign.Status != domain.CampaignActive {
		// Paused or stopped mid-flight; the resume path reschedules.
		return nil
	}

	progress, err := p.progress.GetByID(ctx, job.ProgressID)
	if err != nil {
		return fmt.Errorf("failed to load progress for advancement: %w", err)
	}
	if progress.Status.Terminal() {
		return nil
	}

	if err := p.sequencer.ScheduleNextStep(ctx, progress, campaign); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("failed to schedule next step: %w", err)
	}
	return nil
}

func (p *Processor) finishFailed(ctx context.Context, job *domain.EmailJob, sendErr error, errCode string) error {
	p.logger.Warn("send attempt failed",
		zap.String("jobId", job.ID),
		zap.String("accountId", job.AccountID),
		zap.String("errorCode", errCode),
		zap.Error(sendErr),
	)

	if mailer.IsPermanent(sendErr) {
		if err := p.jobs.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to mark job failed: %w", err)
		}
		if p.metrics != nil {
			p.metrics.IncEmailFailed("permanent_error")
		}
		detail := sendErr.Error()
		p.appendEvent(ctx, job, domain.EventFailed, &detail)

		if errCode == mailer.CodeInvalidRecipient {
			if err := p.sequencer.RecordBounce(ctx, job.ProgressID, p.now().UTC()); err != nil {
				p.logger.Error("failed to record bounce",
					zap.String("progressId", job.ProgressID),
					zap.Error(err),
				)
			}
		}
		return nil
	}

	decision := p.quotas.ScheduleRetry(ctx, job, errCode)
	if decision.ShouldRetry && decision.RetryAt != nil {
		if err := p.jobs.Requeue(ctx, job.ID, *decision.RetryAt, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to requeue job for retry: %w", err)
		}
		if p.metrics != nil {
			p.metrics.IncRetryScheduled(errCode)
		}
		return nil
	}

	if err := p.jobs.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if p.metrics != nil {
		p.metrics.IncEmailFailed(decision.Reason)
	}
	detail := sendErr.Error()
	p.appendEvent(ctx, job, domain.EventFailed, &detail)
	return nil
}

func (p *Processor) appendEvent(ctx context.Context, job *domain.EmailJob, eventType domain.EventType, detail *string) {
	if p.events == nil {
		return
	}
	jobID := job.ID
	event := &domain.CampaignEvent{
		ID:         p.newID(),
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		AccountID:  job.AccountID,
		JobID:      &jobID,
		Type:       eventType,
		Detail:     detail,
		OccurredAt: p.now().UTC(),
	}
	if err := p.events.Append(ctx, event); err != nil {
		p.logger.Warn("failed to append campaign event",
			zap.String("jobId", job.ID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}

package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"github.com/outboundhq/sequence-engine/internal/template"
	"go.uber.org/zap"
)

const defaultJobMaxRetries = 3

// AccountSelector picks a sending account for a user; the rate limiter
// implements it.
type AccountSelector interface {
	SelectAccount(ctx context.Context, userID, recipientDomain string, opts ratelimit.SelectOptions) (*ratelimit.Selection, error)
}

// Sequencer drives contacts through campaign sequences: it enrolls them,
// schedules email jobs step by step under the evaluator's verdicts, and owns
// the campaign lifecycle transitions.
type Sequencer struct {
	campaigns repository.CampaignRepository
	progress  repository.ProgressRepository
	jobs      repository.JobRepository
	events    repository.EventRepository
	selector  AccountSelector
	evaluator *Evaluator
	logger    *zap.Logger
	now       func() time.Time
}

func NewSequencer(
	campaigns repository.CampaignRepository,
	progress repository.ProgressRepository,
	jobs repository.JobRepository,
	events repository.EventRepository,
	selector AccountSelector,
	logger *zap.Logger,
) (*Sequencer, error) {
	if campaigns == nil || progress == nil || jobs == nil {
		return nil, fmt.Errorf("campaign, progress, and job repositories are required")
	}
	if selector == nil {
		return nil, fmt.Errorf("account selector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sequencer{
		campaigns: campaigns,
		progress:  progress,
		jobs:      jobs,
		events:    events,
		selector:  selector,
		evaluator: NewEvaluator(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// EnrollContact registers a contact into an active campaign and schedules the
// step-1 job immediately (step 1 always has zero delay).
func (s *Sequencer) EnrollContact(ctx context.Context, campaignID, contactID string) (*domain.ContactProgress, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign.Status != domain.CampaignActive {
		return nil, fmt.Errorf("%w: campaign %s is %s", domain.ErrCampaignInactive, campaignID, campaign.Status)
	}
	if err := campaign.ValidateSteps(); err != nil {
		return nil, err
	}

	if existing, err := s.progress.GetByCampaignAndContact(ctx, campaignID, contactID); err == nil {
		return existing, fmt.Errorf("%w: contact %s already enrolled", domain.ErrConflict, contactID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check enrollment: %w", err)
	}

	now := s.now().UTC()
	progress := &domain.ContactProgress{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		ContactID:   contactID,
		CurrentStep: 1,
		Status:      domain.ProgressPending,
		CreatedAt:   now,
	}
	if err := s.progress.Create(ctx, progress); err != nil {
		return nil, fmt.Errorf("failed to create contact progress: %w", err)
	}

	if err := s.scheduleJob(ctx, campaign, progress, campaign.Step(1), now); err != nil {
		return nil, err
	}

	return progress, nil
}

// ScheduleNextStep evaluates the contact's current step and dispatches on the
// verdict. It assumes the caller has drained the contact's previous job; a
// still-open job is a conflict, not a queue.
func (s *Sequencer) ScheduleNextStep(ctx context.Context, progress *domain.ContactProgress, campaign *domain.Campaign) error {
	if progress.Status.Terminal() {
		return fmt.Errorf("%w: progress %s is %s", domain.ErrConflict, progress.ID, progress.Status)
	}

	step := campaign.Step(progress.CurrentStep)
	if step == nil {
		return fmt.Errorf("%w: step %d not found in campaign %s", domain.ErrNotFound, progress.CurrentStep, campaign.ID)
	}

	eval := s.evaluator.Evaluate(step, progress)
	now := s.now().UTC()

	switch eval.Outcome {
	case OutcomeStop:
		return s.complete(ctx, progress, eval.Reason)

	case OutcomeSkip:
		next := campaign.Step(progress.CurrentStep + 1)
		if next == nil {
			return s.complete(ctx, progress, "skipped_past_end")
		}
		if err := s.progress.AdvanceStep(ctx, progress.ID, next.StepNumber); err != nil {
			return fmt.Errorf("failed to advance step: %w", err)
		}
		progress.CurrentStep = next.StepNumber
		return s.scheduleJob(ctx, campaign, progress, next, now)

	case OutcomeBranch:
		target := campaign.Step(eval.NextStep)
		if target == nil {
			return fmt.Errorf("%w: branch target step %d not found", domain.ErrNotFound, eval.NextStep)
		}
		if err := s.progress.AdvanceStep(ctx, progress.ID, target.StepNumber); err != nil {
			return fmt.Errorf("failed to branch step: %w", err)
		}
		progress.CurrentStep = target.StepNumber
		return s.scheduleJob(ctx, campaign, progress, target,
			now.Add(time.Duration(eval.DelayHours)*time.Hour))

	case OutcomeDelay:
		// Same step, later; current_step does not move.
		return s.scheduleJob(ctx, campaign, progress, step,
			now.Add(time.Duration(eval.DelayHours)*time.Hour))

	default: // continue
		next := campaign.Step(progress.CurrentStep + 1)
		if next == nil {
			return s.complete(ctx, progress, "sequence_finished")
		}
		if err := s.progress.AdvanceStep(ctx, progress.ID, next.StepNumber); err != nil {
			return fmt.Errorf("failed to advance step: %w", err)
		}
		progress.CurrentStep = next.StepNumber
		return s.scheduleJob(ctx, campaign, progress, next, now.Add(next.Delay()))
	}
}

// ShouldSend re-runs the halt rules right before a due job is sent. A reply
// or unsubscribe that landed after scheduling must still stop the send.
func (s *Sequencer) ShouldSend(ctx context.Context, job *domain.EmailJob) (bool, string, error) {
	progress, err := s.progress.GetByID(ctx, job.ProgressID)
	if err != nil {
		return false, "", fmt.Errorf("failed to load contact progress: %w", err)
	}

	if progress.Status.Terminal() {
		return false, "progress_" + string(progress.Status), nil
	}

	eval := s.evaluator.Evaluate(nil, progress)
	if eval.Outcome == OutcomeStop {
		if err := s.complete(ctx, progress, eval.Reason); err != nil {
			return false, "", err
		}
		return false, eval.Reason, nil
	}

	return true, "", nil
}

// HandleJobFailure applies the job-level retry ladder for failures that carry
// no classified error code: re-queue with a 2^retry_count minute backoff
// until the budget runs out, then mark the job failed for good. The contact's
// progress is untouched; a transport failure is not a bounce.
func (s *Sequencer) HandleJobFailure(ctx context.Context, job *domain.EmailJob, errMsg string) error {
	if job.RetryCount < job.MaxRetries {
		delay := time.Duration(1<<uint(job.RetryCount)) * time.Minute
		retryAt := s.now().UTC().Add(delay)
		if err := s.jobs.Requeue(ctx, job.ID, retryAt, errMsg); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		s.logger.Info("job requeued after failure",
			zap.String("jobId", job.ID),
			zap.Int("retryCount", job.RetryCount+1),
			zap.Time("retryAt", retryAt),
		)
		return nil
	}

	if err := s.jobs.MarkFailed(ctx, job.ID, errMsg); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	s.appendEvent(ctx, job, domain.EventFailed, &errMsg)
	return nil
}

// StartCampaign moves a draft or paused campaign to active.
func (s *Sequencer) StartCampaign(ctx context.Context, campaignID string) error {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if err := campaign.ValidateSteps(); err != nil {
		return err
	}

	err = s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignActive,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignPaused})
	if err != nil {
		return err
	}

	if campaign.StartedAt == nil {
		if err := s.campaigns.SetStartedAt(ctx, campaignID, s.now().UTC()); err != nil {
			s.logger.Warn("failed to stamp campaign start", zap.String("campaignId", campaignID), zap.Error(err))
		}
	}
	return nil
}

// PauseCampaign cancels all pending jobs and freezes contact progress in
// place. Progress statuses do not change, so resume can re-derive the next
// action for each contact from current_step.
func (s *Sequencer) PauseCampaign(ctx context.Context, campaignID string) error {
	err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignPaused,
		[]domain.CampaignStatus{domain.CampaignActive})
	if err != nil {
		return err
	}

	cancelled, err := s.jobs.CancelPendingByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to cancel pending jobs: %w", err)
	}

	s.logger.Info("campaign paused",
		zap.String("campaignId", campaignID),
		zap.Int64("jobsCancelled", cancelled),
	)
	return nil
}

// ResumeCampaign reactivates a paused campaign and schedules the next action
// for every non-terminal contact that has no outstanding job.
func (s *Sequencer) ResumeCampaign(ctx context.Context, campaignID string) error {
	err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignActive,
		[]domain.CampaignStatus{domain.CampaignPaused})
	if err != nil {
		return err
	}

	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	records, err := s.progress.ListByCampaign(ctx, campaignID,
		[]domain.ProgressStatus{domain.ProgressPending, domain.ProgressActive})
	if err != nil {
		return fmt.Errorf("failed to list contact progress: %w", err)
	}

	for i := range records {
		progress := &records[i]

		open, err := s.jobs.CountOpenByProgress(ctx, progress.ID)
		if err != nil {
			return fmt.Errorf("failed to count open jobs: %w", err)
		}
		if open > 0 {
			continue
		}

		if err := s.ScheduleNextStep(ctx, progress, campaign); err != nil {
			s.logger.Error("failed to reschedule contact on resume",
				zap.String("campaignId", campaignID),
				zap.String("progressId", progress.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// StopCampaign is terminal: pending jobs are cancelled and every non-terminal
// contact is forced to stopped. A stopped campaign cannot be resumed.
func (s *Sequencer) StopCampaign(ctx context.Context, campaignID string) error {
	err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStopped,
		[]domain.CampaignStatus{domain.CampaignActive, domain.CampaignPaused})
	if err != nil {
		return err
	}

	cancelled, err := s.jobs.CancelPendingByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to cancel pending jobs: %w", err)
	}

	stopped, err := s.progress.ForceStatusByCampaign(ctx, campaignID, domain.ProgressStopped)
	if err != nil {
		return fmt.Errorf("failed to stop contact progress: %w", err)
	}

	if err := s.campaigns.SetCompletedAt(ctx, campaignID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to stamp campaign completion", zap.String("campaignId", campaignID), zap.Error(err))
	}

	s.logger.Info("campaign stopped",
		zap.String("campaignId", campaignID),
		zap.Int64("jobsCancelled", cancelled),
		zap.Int64("contactsStopped", stopped),
	)
	return nil
}

// RecordOpen books an open signal against the contact and the event log.
func (s *Sequencer) RecordOpen(ctx context.Context, progressID string, at time.Time) error {
	if err := s.progress.RecordOpen(ctx, progressID, at); err != nil {
		return err
	}
	return s.appendProgressEvent(ctx, progressID, domain.EventOpened, at)
}

func (s *Sequencer) RecordClick(ctx context.Context, progressID string, at time.Time) error {
	if err := s.progress.RecordClick(ctx, progressID, at); err != nil {
		return err
	}
	return s.appendProgressEvent(ctx, progressID, domain.EventClicked, at)
}

// RecordReply stores the reply timestamp. The sequence halts at the next
// evaluation, and ShouldSend blocks any already-scheduled job.
func (s *Sequencer) RecordReply(ctx context.Context, progressID string, at time.Time) error {
	if err := s.progress.RecordReply(ctx, progressID, at); err != nil {
		return err
	}
	return s.appendProgressEvent(ctx, progressID, domain.EventReplied, at)
}

// RecordBounce books a delivery-level bounce; the two-strike policy flips the
// contact to the absorbing bounced state inside the repository.
func (s *Sequencer) RecordBounce(ctx context.Context, progressID string, at time.Time) error {
	if _, err := s.progress.RecordBounce(ctx, progressID); err != nil {
		return err
	}
	return s.appendProgressEvent(ctx, progressID, domain.EventBounced, at)
}

func (s *Sequencer) RecordUnsubscribe(ctx context.Context, progressID string, at time.Time) error {
	if err := s.progress.RecordUnsubscribe(ctx, progressID, at); err != nil {
		return err
	}
	return s.appendProgressEvent(ctx, progressID, domain.EventUnsubscribed, at)
}

// scheduleJob creates the single outstanding job for a contact. If the
// selected account only has a future slot, the job is pushed to whichever is
// later: the step's own schedule or the account's next available moment.
func (s *Sequencer) scheduleJob(ctx context.Context, campaign *domain.Campaign, progress *domain.ContactProgress, step *domain.EmailStep, at time.Time) error {
	if step == nil {
		return fmt.Errorf("%w: no step to schedule", domain.ErrNotFound)
	}

	open, err := s.jobs.CountOpenByProgress(ctx, progress.ID)
	if err != nil {
		return fmt.Errorf("failed to count open jobs: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("%w: progress %s already has an outstanding job", domain.ErrConflict, progress.ID)
	}

	contact, err := s.campaigns.GetContact(ctx, progress.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}

	selection, err := s.selector.SelectAccount(ctx, campaign.UserID, contact.Domain(), ratelimit.SelectOptions{})
	if err != nil {
		// A dropped schedule is a silent sequence break; surface it.
		return fmt.Errorf("failed to select sending account for campaign %s: %w", campaign.ID, err)
	}
	if selection.ScheduledFor != nil && selection.ScheduledFor.After(at) {
		at = *selection.ScheduledFor
	}

	job := &domain.EmailJob{
		ID:          uuid.NewString(),
		CampaignID:  campaign.ID,
		ContactID:   contact.ID,
		ProgressID:  progress.ID,
		AccountID:   selection.Account.ID,
		StepNumber:  step.StepNumber,
		Subject:     template.Render(step.Subject, contact),
		Body:        template.Render(step.Body, contact),
		Priority:    campaign.Priority,
		ScheduledAt: at,
		Status:      domain.JobStatusPending,
		MaxRetries:  defaultJobMaxRetries,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to create email job: %w", err)
	}

	s.logger.Info("email job scheduled",
		zap.String("jobId", job.ID),
		zap.String("campaignId", campaign.ID),
		zap.String("contactId", contact.ID),
		zap.Int("step", step.StepNumber),
		zap.Time("scheduledAt", at),
	)
	return nil
}

func (s *Sequencer) complete(ctx context.Context, progress *domain.ContactProgress, reason string) error {
	updated, err := s.progress.SetStatusIfNotTerminal(ctx, progress.ID, domain.ProgressCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete contact progress: %w", err)
	}
	if updated {
		progress.Status = domain.ProgressCompleted
		s.logger.Info("contact sequence completed",
			zap.String("progressId", progress.ID),
			zap.String("reason", reason),
		)
	}
	return nil
}

func (s *Sequencer) appendEvent(ctx context.Context, job *domain.EmailJob, eventType domain.EventType, detail *string) {
	if s.events == nil {
		return
	}
	jobID := job.ID
	event := &domain.CampaignEvent{
		ID:         uuid.NewString(),
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		AccountID:  job.AccountID,
		JobID:      &jobID,
		Type:       eventType,
		Detail:     detail,
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.logger.Warn("failed to append campaign event",
			zap.String("jobId", job.ID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}

func (s *Sequencer) appendProgressEvent(ctx context.Context, progressID string, eventType domain.EventType, at time.Time) error {
	if s.events == nil {
		return nil
	}

	progress, err := s.progress.GetByID(ctx, progressID)
	if err != nil {
		return err
	}

	event := &domain.CampaignEvent{
		ID:         uuid.NewString(),
		CampaignID: progress.CampaignID,
		ContactID:  progress.ContactID,
		Type:       eventType,
		OccurredAt: at,
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.logger.Warn("failed to append campaign event",
			zap.String("progressId", progressID),
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
	return nil
}

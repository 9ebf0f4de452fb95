package repository

import (
	"context"
	"errors"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"gorm.io/gorm"
)

type JobRepository interface {
	Create(ctx context.Context, j *domain.EmailJob) error
	GetByID(ctx context.Context, id string) (*domain.EmailJob, error)
	// GetDue returns pending jobs whose scheduled_at has passed, oldest first.
	GetDue(ctx context.Context, now time.Time, limit int) ([]domain.EmailJob, error)
	// MarkQueuedIfPending flips PENDING to QUEUED after a successful publish
	// so the next poller scan does not re-publish the job. Returns false when
	// the status changed underneath.
	MarkQueuedIfPending(ctx context.Context, id string) (bool, error)
	// ClaimForProcessing transitions QUEUED (or a PENDING job the poller never
	// marked) to PROCESSING with a conditional update. Exactly one of several
	// concurrent claimers wins; the rest get nil, nil.
	ClaimForProcessing(ctx context.Context, id string) (*domain.EmailJob, error)
	MarkSent(ctx context.Context, id, messageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// Requeue puts a failed attempt back to PENDING with a later scheduled_at
	// and an incremented retry count.
	Requeue(ctx context.Context, id string, scheduledAt time.Time, errMsg string) error
	// Reschedule defers a claimed job to a later slot without touching the
	// retry budget (quota deferral, not a failure).
	Reschedule(ctx context.Context, id string, scheduledAt time.Time) error
	// Cancel drops a claimed job whose send is no longer wanted.
	Cancel(ctx context.Context, id string, reason string) error
	// CancelPendingByCampaign cancels every job of the campaign that has not
	// started processing. Returns the number of jobs cancelled.
	CancelPendingByCampaign(ctx context.Context, campaignID string) (int64, error)
	// CountOpenByProgress counts PENDING/QUEUED/PROCESSING jobs for a contact's
	// progress; the sequencer uses it to keep one outstanding job per contact.
	CountOpenByProgress(ctx context.Context, progressID string) (int64, error)
}

var openJobStatuses = []domain.JobStatus{
	domain.JobStatusPending,
	domain.JobStatusQueued,
	domain.JobStatusProcessing,
}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, j *domain.EmailJob) error {
	if err := j.Validate(); err != nil {
		return err
	}
	model := jobModelFromDomain(j)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*j = *jobModelToDomain(model)
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.EmailJob, error) {
	var model EmailJobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) GetDue(ctx context.Context, now time.Time, limit int) ([]domain.EmailJob, error) {
	var models []EmailJobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.JobStatusPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.EmailJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}

func (r *GormJobRepo) MarkQueuedIfPending(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.JobStatusPending).
		Update("status", domain.JobStatusQueued)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormJobRepo) ClaimForProcessing(ctx context.Context, id string) (*domain.EmailJob, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusPending}).
		Update("status", domain.JobStatusProcessing)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Already claimed, cancelled, or finished; the caller acks and skips.
		return nil, nil
	}

	var model EmailJobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) MarkSent(ctx context.Context, id, messageID string, sentAt time.Time) error {
	updates := map[string]any{
		"status":  domain.JobStatusSent,
		"sent_at": sentAt,
	}
	if messageID != "" {
		updates["message_id"] = messageID
	}

	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]any{
			"status":        domain.JobStatusFailed,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) Requeue(ctx context.Context, id string, scheduledAt time.Time, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]any{
			"status":        domain.JobStatusPending,
			"scheduled_at":  scheduledAt,
			"error_message": errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) Reschedule(ctx context.Context, id string, scheduledAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]any{
			"status":       domain.JobStatusPending,
			"scheduled_at": scheduledAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) Cancel(ctx context.Context, id string, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(map[string]any{
			"status":        domain.JobStatusCancelled,
			"error_message": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) CancelPendingByCampaign(ctx context.Context, campaignID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("campaign_id = ? AND status IN ?", campaignID, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusQueued}).
		Update("status", domain.JobStatusCancelled)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormJobRepo) CountOpenByProgress(ctx context.Context, progressID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("progress_id = ? AND status IN ?", progressID, openJobStatuses).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"gorm.io/gorm"
)

type ProgressRepository interface {
	Create(ctx context.Context, p *domain.ContactProgress) error
	GetByID(ctx context.Context, id string) (*domain.ContactProgress, error)
	GetByCampaignAndContact(ctx context.Context, campaignID, contactID string) (*domain.ContactProgress, error)
	ListByCampaign(ctx context.Context, campaignID string, statuses []domain.ProgressStatus) ([]domain.ContactProgress, error)
	// SetStatusIfNotTerminal moves the record to the given status unless it is
	// already terminal. Returns false when the guard rejected the transition.
	SetStatusIfNotTerminal(ctx context.Context, id string, status domain.ProgressStatus) (bool, error)
	// ForceStatusByCampaign moves every non-terminal record of a campaign to
	// the given status (campaign stop).
	ForceStatusByCampaign(ctx context.Context, campaignID string, status domain.ProgressStatus) (int64, error)
	AdvanceStep(ctx context.Context, id string, step int) error
	RecordSend(ctx context.Context, id string, sentAt time.Time) error
	RecordOpen(ctx context.Context, id string, at time.Time) error
	RecordClick(ctx context.Context, id string, at time.Time) error
	RecordReply(ctx context.Context, id string, at time.Time) error
	RecordBounce(ctx context.Context, id string) (*domain.ContactProgress, error)
	RecordUnsubscribe(ctx context.Context, id string, at time.Time) error
}

var terminalProgressStatuses = []domain.ProgressStatus{
	domain.ProgressCompleted,
	domain.ProgressStopped,
	domain.ProgressBounced,
	domain.ProgressUnsubscribed,
}

type GormProgressRepo struct {
	db *gorm.DB
}

func NewGormProgressRepo(db *gorm.DB) *GormProgressRepo {
	return &GormProgressRepo{db: db}
}

func (r *GormProgressRepo) Create(ctx context.Context, p *domain.ContactProgress) error {
	model := progressModelFromDomain(p)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if p != nil {
		*p = *progressModelToDomain(model)
	}
	return nil
}

func (r *GormProgressRepo) GetByID(ctx context.Context, id string) (*domain.ContactProgress, error) {
	var model ContactProgressModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return progressModelToDomain(&model), nil
}

func (r *GormProgressRepo) GetByCampaignAndContact(ctx context.Context, campaignID, contactID string) (*domain.ContactProgress, error) {
	var model ContactProgressModel
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND contact_id = ?", campaignID, contactID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return progressModelToDomain(&model), nil
}

func (r *GormProgressRepo) ListByCampaign(ctx context.Context, campaignID string, statuses []domain.ProgressStatus) ([]domain.ContactProgress, error) {
	query := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var models []ContactProgressModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]domain.ContactProgress, 0, len(models))
	for i := range models {
		records = append(records, *progressModelToDomain(&models[i]))
	}
	return records, nil
}

func (r *GormProgressRepo) SetStatusIfNotTerminal(ctx context.Context, id string, status domain.ProgressStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&ContactProgressModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalProgressStatuses).
		Update("status", status)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormProgressRepo) ForceStatusByCampaign(ctx context.Context, campaignID string, status domain.ProgressStatus) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&ContactProgressModel{}).
		Where("campaign_id = ? AND status NOT IN ?", campaignID, terminalProgressStatuses).
		Update("status", status)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormProgressRepo) AdvanceStep(ctx context.Context, id string, step int) error {
	result := r.db.WithContext(ctx).
		Model(&ContactProgressModel{}).
		Where("id = ?", id).
		Update("current_step", step)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormProgressRepo) RecordSend(ctx context.Context, id string, sentAt time.Time) error {
	return r.updateCounters(ctx, id, map[string]any{
		"emails_sent":  gorm.Expr("emails_sent + 1"),
		"last_sent_at": sentAt,
		"status":       domain.ProgressActive,
	}, true)
}

func (r *GormProgressRepo) RecordOpen(ctx context.Context, id string, at time.Time) error {
	return r.updateCounters(ctx, id, map[string]any{
		"emails_opened":  gorm.Expr("emails_opened + 1"),
		"last_opened_at": at,
	}, false)
}

func (r *GormProgressRepo) RecordClick(ctx context.Context, id string, at time.Time) error {
	return r.updateCounters(ctx, id, map[string]any{
		"emails_clicked":  gorm.Expr("emails_clicked + 1"),
		"last_clicked_at": at,
	}, false)
}

func (r *GormProgressRepo) RecordReply(ctx context.Context, id string, at time.Time) error {
	return r.updateCounters(ctx, id, map[string]any{
		"replied_at": at,
	}, false)
}

// RecordBounce increments the bounce count and flips the record to BOUNCED
// once the two-strike threshold is hit. Returns the updated record.
func (r *GormProgressRepo) RecordBounce(ctx context.Context, id string) (*domain.ContactProgress, error) {
	result := r.db.WithContext(ctx).
		Model(&ContactProgressModel{}).
		Where("id = ?", id).
		Update("bounce_count", gorm.Expr("bounce_count + 1"))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrNotFound
	}

	updated, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if updated.BounceCount >= domain.BounceStopThreshold && !updated.Status.Terminal() {
		if _, err := r.SetStatusIfNotTerminal(ctx, id, domain.ProgressBounced); err != nil {
			return nil, err
		}
		updated.Status = domain.ProgressBounced
	}

	return updated, nil
}

func (r *GormProgressRepo) RecordUnsubscribe(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&ContactProgressModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalProgressStatuses).
		Updates(map[string]any{
			"unsubscribed_at": at,
			"status":          domain.ProgressUnsubscribed,
		})
	if result.Error != nil {
		return result.Error
	}
	// Already terminal is fine; the unsubscribe is still absorbed.
	return nil
}

// updateCounters applies counter updates; guarded updates skip rows already
// in a terminal status so engagement on a finished sequence cannot reopen it.
func (r *GormProgressRepo) updateCounters(ctx context.Context, id string, updates map[string]any, guarded bool) error {
	query := r.db.WithContext(ctx).Model(&ContactProgressModel{}).Where("id = ?", id)
	if guarded {
		query = query.Where("status NOT IN ?", terminalProgressStatuses)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 && guarded {
		return domain.ErrConflict
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"gorm.io/gorm"
)

type CampaignRepository interface {
	// GetByID loads the campaign with its steps and step conditions, ordered
	// by step number and condition position.
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	// UpdateStatus moves the campaign between lifecycle states with an
	// allowed-from guard; returns domain.ErrConflict when the guard rejects.
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, allowedFrom []domain.CampaignStatus) error
	SetStartedAt(ctx context.Context, id string, at time.Time) error
	SetCompletedAt(ctx context.Context, id string, at time.Time) error
}

type GormCampaignRepo struct {
	db *gorm.DB
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db}
}

func (r *GormCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("email_steps.step_number ASC")
		}).
		Preload("Steps.Conditions", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_conditions.position ASC")
		}).
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model), nil
}

func (r *GormCampaignRepo) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var model ContactModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return contactModelToDomain(&model), nil
}

func (r *GormCampaignRepo) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, allowedFrom []domain.CampaignStatus) error {
	query := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ?", id)
	if len(allowedFrom) > 0 {
		query = query.Where("status IN ?", allowedFrom)
	}

	result := query.Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormCampaignRepo) SetStartedAt(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ?", id).
		Update("started_at", at).Error
}

func (r *GormCampaignRepo) SetCompletedAt(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ?", id).
		Update("completed_at", at).Error
}

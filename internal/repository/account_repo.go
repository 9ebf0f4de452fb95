package repository

import (
	"context"
	"errors"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository interface {
	Create(ctx context.Context, a *domain.SendingAccount) error
	GetByID(ctx context.Context, id string) (*domain.SendingAccount, error)
	// ListActiveForUser returns active accounts ordered by creation time, the
	// order account-selection tie-breaks rely on.
	ListActiveForUser(ctx context.Context, userID string) ([]domain.SendingAccount, error)
	GetPolicy(ctx context.Context, accountID string) (*domain.RateLimitPolicy, error)
	SavePolicy(ctx context.Context, p *domain.RateLimitPolicy) error
}

type GormAccountRepo struct {
	db *gorm.DB
}

func NewGormAccountRepo(db *gorm.DB) *GormAccountRepo {
	return &GormAccountRepo{db: db}
}

func (r *GormAccountRepo) Create(ctx context.Context, a *domain.SendingAccount) error {
	model := accountModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *accountModelToDomain(model)
	}
	return nil
}

func (r *GormAccountRepo) GetByID(ctx context.Context, id string) (*domain.SendingAccount, error) {
	var model SendingAccountModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return accountModelToDomain(&model), nil
}

func (r *GormAccountRepo) ListActiveForUser(ctx context.Context, userID string) ([]domain.SendingAccount, error) {
	var models []SendingAccountModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.SendingAccount, 0, len(models))
	for i := range models {
		accounts = append(accounts, *accountModelToDomain(&models[i]))
	}
	return accounts, nil
}

func (r *GormAccountRepo) GetPolicy(ctx context.Context, accountID string) (*domain.RateLimitPolicy, error) {
	var model RateLimitPolicyModel
	err := r.db.WithContext(ctx).First(&model, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return policyModelToDomain(&model), nil
}

func (r *GormAccountRepo) SavePolicy(ctx context.Context, p *domain.RateLimitPolicy) error {
	model := policyModelFromDomain(p)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return err
	}
	if p != nil {
		*p = *policyModelToDomain(model)
	}
	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/outboundhq/sequence-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UsageRepository interface {
	// GetForDay returns the account's counter row for the given day key, or
	// domain.ErrNotFound when no send has happened that day yet.
	GetForDay(ctx context.Context, accountID, day string) (*domain.UsageCounter, error)
	GetForAccounts(ctx context.Context, accountIDs []string, day string) ([]domain.UsageCounter, error)
	// IncrementSend upserts the counter row for now's day, bumping the daily,
	// hourly, per-domain, and burst counts in one transaction. The hour bucket
	// and burst window are rolled over here rather than by a background reset.
	IncrementSend(ctx context.Context, accountID, recipientDomain string, now time.Time, cooldown time.Duration) error
}

type GormUsageRepo struct {
	db *gorm.DB
}

func NewGormUsageRepo(db *gorm.DB) *GormUsageRepo {
	return &GormUsageRepo{db: db}
}

func (r *GormUsageRepo) GetForDay(ctx context.Context, accountID, day string) (*domain.UsageCounter, error) {
	var model UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND day = ?", accountID, day).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return usageModelToDomain(&model), nil
}

func (r *GormUsageRepo) GetForAccounts(ctx context.Context, accountIDs []string, day string) ([]domain.UsageCounter, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	var models []UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("account_id IN ? AND day = ?", accountIDs, day).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	counters := make([]domain.UsageCounter, 0, len(models))
	for i := range models {
		counters = append(counters, *usageModelToDomain(&models[i]))
	}
	return counters, nil
}

func (r *GormUsageRepo) IncrementSend(ctx context.Context, accountID, recipientDomain string, now time.Time, cooldown time.Duration) error {
	day := domain.DayKey(now)
	hour := now.UTC().Hour()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model UsageCounterModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND day = ?", accountID, day).
			First(&model).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			model = UsageCounterModel{
				ID:        uuid.NewString(),
				AccountID: accountID,
				Day:       day,
			}
			created, createErr := r.createFresh(tx, &model, recipientDomain, now)
			if createErr != nil {
				return createErr
			}
			if created {
				return nil
			}
			// Lost the insert race; re-read under lock and fall through.
			if err := tx.
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("account_id = ? AND day = ?", accountID, day).
				First(&model).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		counts := map[string]int{}
		if model.DomainCounts != "" {
			_ = json.Unmarshal([]byte(model.DomainCounts), &counts)
		}
		counts[recipientDomain]++
		raw, err := json.Marshal(counts)
		if err != nil {
			return err
		}

		model.EmailsSent++
		if model.Hour != hour {
			model.Hour = hour
			model.HourlySent = 1
		} else {
			model.HourlySent++
		}

		if model.BurstWindowStart == nil || cooldown <= 0 || now.Sub(*model.BurstWindowStart) >= cooldown {
			start := now
			model.BurstWindowStart = &start
			model.BurstCount = 1
		} else {
			model.BurstCount++
		}

		sentAt := now
		model.LastSentAt = &sentAt
		model.DomainCounts = string(raw)

		return tx.Model(&UsageCounterModel{}).
			Where("id = ?", model.ID).
			Updates(map[string]any{
				"emails_sent":        model.EmailsSent,
				"hour":               model.Hour,
				"hourly_sent":        model.HourlySent,
				"domain_counts":      model.DomainCounts,
				"burst_count":        model.BurstCount,
				"burst_window_start": model.BurstWindowStart,
				"last_sent_at":       model.LastSentAt,
			}).Error
	})
}

func (r *GormUsageRepo) createFresh(tx *gorm.DB, model *UsageCounterModel, recipientDomain string, now time.Time) (bool, error) {
	raw, err := json.Marshal(map[string]int{recipientDomain: 1})
	if err != nil {
		return false, err
	}

	start := now
	model.EmailsSent = 1
	model.Hour = now.UTC().Hour()
	model.HourlySent = 1
	model.DomainCounts = string(raw)
	model.BurstCount = 1
	model.BurstWindowStart = &start
	model.LastSentAt = &start

	result := tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "day"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

package repository

import (
	"context"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"gorm.io/gorm"
)

// EventRepository stores append-only engagement events. Campaign counters are
// derived from these rows on read; nothing ever updates an event in place.
type EventRepository interface {
	Append(ctx context.Context, e *domain.CampaignEvent) error
	CampaignStats(ctx context.Context, campaignID string) (*domain.CampaignStats, error)
	// SendOutcomesForUser returns (sent, failed) event counts across all of a
	// user's campaigns, feeding the aggregate success rate.
	SendOutcomesForUser(ctx context.Context, userID string) (sent int64, failed int64, err error)
}

type eventCount struct {
	Type  domain.EventType `gorm:"column:type"`
	Count int              `gorm:"column:count"`
}

type GormEventRepo struct {
	db *gorm.DB
}

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db}
}

func (r *GormEventRepo) Append(ctx context.Context, e *domain.CampaignEvent) error {
	model := eventModelFromDomain(e)
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormEventRepo) CampaignStats(ctx context.Context, campaignID string) (*domain.CampaignStats, error) {
	var counts []eventCount
	err := r.db.WithContext(ctx).
		Model(&CampaignEventModel{}).
		Select("type, COUNT(*) as count").
		Where("campaign_id = ?", campaignID).
		Group("type").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	stats := &domain.CampaignStats{CampaignID: campaignID}
	for _, c := range counts {
		switch c.Type {
		case domain.EventSent:
			stats.Sent = c.Count
		case domain.EventOpened:
			stats.Opened = c.Count
		case domain.EventClicked:
			stats.Clicked = c.Count
		case domain.EventReplied:
			stats.Replied = c.Count
		case domain.EventBounced:
			stats.Bounced = c.Count
		case domain.EventUnsubscribed:
			stats.Unsubscribed = c.Count
		case domain.EventFailed:
			stats.Failed = c.Count
		}
	}
	return stats, nil
}

func (r *GormEventRepo) SendOutcomesForUser(ctx context.Context, userID string) (int64, int64, error) {
	var counts []eventCount
	err := r.db.WithContext(ctx).
		Model(&CampaignEventModel{}).
		Select("campaign_events.type, COUNT(*) as count").
		Joins("JOIN campaigns ON campaigns.id = campaign_events.campaign_id").
		Where("campaigns.user_id = ? AND campaign_events.type IN ?", userID, []domain.EventType{domain.EventSent, domain.EventFailed}).
		Group("campaign_events.type").
		Scan(&counts).Error
	if err != nil {
		return 0, 0, err
	}

	var sent, failed int64
	for _, c := range counts {
		switch c.Type {
		case domain.EventSent:
			sent = int64(c.Count)
		case domain.EventFailed:
			failed = int64(c.Count)
		}
	}
	return sent, failed, nil
}

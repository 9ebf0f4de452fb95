package ratelimit

import (
	"context"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// QuotaCache is a short-TTL read cache in front of policy and usage rows.
// Implementations must treat their own failures as misses; the limiter never
// sees a cache error.
type QuotaCache interface {
	GetPolicy(ctx context.Context, accountID string) (*domain.RateLimitPolicy, bool)
	SetPolicy(ctx context.Context, accountID string, p *domain.RateLimitPolicy, ttl time.Duration)
	GetUsage(ctx context.Context, accountID, day string) (*domain.UsageCounter, bool)
	SetUsage(ctx context.Context, accountID, day string, u *domain.UsageCounter, ttl time.Duration)
	// Invalidate drops both the policy and usage entries for the account. It
	// must complete before UpdateConfig returns so a same-process read
	// observes fresh data.
	Invalidate(ctx context.Context, accountID string) error
}

// NopCache disables caching; every read goes to the store.
type NopCache struct{}

func (NopCache) GetPolicy(context.Context, string) (*domain.RateLimitPolicy, bool) { return nil, false }
func (NopCache) SetPolicy(context.Context, string, *domain.RateLimitPolicy, time.Duration) {
}
func (NopCache) GetUsage(context.Context, string, string) (*domain.UsageCounter, bool) {
	return nil, false
}
func (NopCache) SetUsage(context.Context, string, string, *domain.UsageCounter, time.Duration) {}
func (NopCache) Invalidate(context.Context, string) error                                      { return nil }

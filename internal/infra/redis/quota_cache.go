package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const defaultQuotaTTL = 30 * time.Second

var _ ratelimit.QuotaCache = (*QuotaCache)(nil)

// QuotaCache caches rate limit policies and usage counters in Redis with a
// short TTL. Cache failures degrade to misses so quota checks fall through to
// the store; Invalidate is the only path that surfaces an error.
type QuotaCache struct {
	client     *goredis.Client
	defaultTTL time.Duration
}

func NewQuotaCache(client *goredis.Client, defaultTTL time.Duration) (*QuotaCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultQuotaTTL
	}

	return &QuotaCache{
		client:     client,
		defaultTTL: defaultTTL,
	}, nil
}

func policyKey(accountID string) string {
	return fmt.Sprintf("quota:policy:%s", accountID)
}

func usageKey(accountID, day string) string {
	return fmt.Sprintf("quota:usage:%s:%s", accountID, day)
}

func (c *QuotaCache) GetPolicy(ctx context.Context, accountID string) (*domain.RateLimitPolicy, bool) {
	if c == nil || accountID == "" {
		return nil, false
	}

	payload, err := c.client.Get(ctx, policyKey(accountID)).Bytes()
	if err != nil {
		return nil, false
	}

	var policy domain.RateLimitPolicy
	if err := json.Unmarshal(payload, &policy); err != nil {
		return nil, false
	}
	return &policy, true
}

func (c *QuotaCache) SetPolicy(ctx context.Context, accountID string, p *domain.RateLimitPolicy, ttl time.Duration) {
	if c == nil || accountID == "" || p == nil {
		return
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.client.Set(ctx, policyKey(accountID), payload, ttl)
}

func (c *QuotaCache) GetUsage(ctx context.Context, accountID, day string) (*domain.UsageCounter, bool) {
	if c == nil || accountID == "" || day == "" {
		return nil, false
	}

	payload, err := c.client.Get(ctx, usageKey(accountID, day)).Bytes()
	if err != nil {
		return nil, false
	}

	var usage domain.UsageCounter
	if err := json.Unmarshal(payload, &usage); err != nil {
		return nil, false
	}
	return &usage, true
}

func (c *QuotaCache) SetUsage(ctx context.Context, accountID, day string, u *domain.UsageCounter, ttl time.Duration) {
	if c == nil || accountID == "" || day == "" || u == nil {
		return
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.client.Set(ctx, usageKey(accountID, day), payload, ttl)
}

// Invalidate drops the policy entry and every usage entry for the account so
// a config update is observed on the next quota check.
func (c *QuotaCache) Invalidate(ctx context.Context, accountID string) error {
	if c == nil {
		return fmt.Errorf("quota cache is not initialized")
	}
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}

	if err := c.client.Del(ctx, policyKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate policy cache: %w", err)
	}

	pattern := fmt.Sprintf("quota:usage:%s:*", accountID)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to invalidate usage cache: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan usage cache keys: %w", err)
	}
	return nil
}

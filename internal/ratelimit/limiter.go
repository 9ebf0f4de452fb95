package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	policyCacheTTL = 30 * time.Second
	usageCacheTTL  = 5 * time.Second
)

// defaultRetryPolicy backs ScheduleRetry when an account's policy cannot be
// read; the send already happened, so retry classification must not depend on
// the store being up.
var defaultRetryPolicy = domain.DefaultRateLimitPolicy("").Retry

// Selection is the outcome of account selection. When no account has capacity
// right now, AccountID names the one that frees up soonest and ScheduledFor
// carries that moment; the caller should schedule instead of sending.
type Selection struct {
	Account      domain.SendingAccount
	Quota        domain.SendingQuota
	ScheduledFor *time.Time
}

// RetryDecision is the outcome of ScheduleRetry's decision table.
type RetryDecision struct {
	ShouldRetry  bool
	RetryAt      *time.Time
	FinalFailure bool
	Reason       string
}

// SelectOptions tunes SelectAccount.
type SelectOptions struct {
	Strategy Strategy
	// Exclude removes specific accounts from consideration, e.g. ones that
	// already failed for this job.
	Exclude []string
}

// PolicyUpdate is a partial rate-limit policy update; nil fields keep the
// stored value.
type PolicyUpdate struct {
	DailyLimit       *int
	HourlyLimit      *int
	DomainDailyLimit *int
	WarmupMode       *bool
	WarmupDailyLimit *int
	BurstLimit       *int
	Cooldown         *time.Duration
	RetryMaxAttempts *int
	RetryBaseDelay   *time.Duration
	RetryMaxDelay    *time.Duration
	RetryJitter      *bool
	RetryableErrors  []string
}

// UsageReport is the per-user usage summary returned by Stats.
type UsageReport struct {
	Accounts    []domain.AccountUsageStats
	SuccessRate float64
}

// Limiter enforces per-account sending quotas and owns retry timing. All
// quota reads fail closed: any doubt means "not available".
type Limiter struct {
	accounts repository.AccountRepository
	usage    repository.UsageRepository
	events   repository.EventRepository
	cache    QuotaCache
	logger   *zap.Logger

	now       func() time.Time
	randFloat func() float64
}

func NewLimiter(
	accounts repository.AccountRepository,
	usage repository.UsageRepository,
	events repository.EventRepository,
	cache QuotaCache,
	logger *zap.Logger,
) (*Limiter, error) {
	if accounts == nil {
		return nil, fmt.Errorf("account repository is required")
	}
	if usage == nil {
		return nil, fmt.Errorf("usage repository is required")
	}
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		accounts:  accounts,
		usage:     usage,
		events:    events,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
		randFloat: rand.Float64,
	}, nil
}

// CheckSendingQuota computes the account's remaining capacity toward one
// recipient domain. A missing policy or any store error yields an unavailable
// quota with zero remaining everywhere.
func (l *Limiter) CheckSendingQuota(ctx context.Context, accountID, recipientDomain string) domain.SendingQuota {
	if ctx == nil {
		ctx = context.Background()
	}
	recipientDomain = strings.ToLower(strings.TrimSpace(recipientDomain))

	policy, err := l.loadPolicy(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.UnavailableQuota(accountID, recipientDomain, domain.DenialPolicyMissing)
		}
		l.logger.Warn("quota check failed closed: policy read error",
			zap.String("accountId", accountID),
			zap.Error(err),
		)
		return domain.UnavailableQuota(accountID, recipientDomain, domain.DenialStoreError)
	}

	usage, err := l.loadUsage(ctx, accountID)
	if err != nil {
		l.logger.Warn("quota check failed closed: usage read error",
			zap.String("accountId", accountID),
			zap.Error(err),
		)
		return domain.UnavailableQuota(accountID, recipientDomain, domain.DenialStoreError)
	}

	return l.computeQuota(policy, usage, accountID, recipientDomain)
}

// computeQuota derives the quota view. Every dimension constrains sending;
// validation guarantees stored limits are positive, and a zero limit that
// reaches this path anyway reads as exhausted.
func (l *Limiter) computeQuota(policy *domain.RateLimitPolicy, usage *domain.UsageCounter, accountID, recipientDomain string) domain.SendingQuota {
	now := l.now().UTC()

	quota := domain.SendingQuota{
		AccountID: accountID,
		Domain:    recipientDomain,
	}

	sentToday := 0
	if usage != nil {
		sentToday = usage.EmailsSent
	}

	dailyLimit := policy.EffectiveDailyLimit()
	quota.DailyRemaining = remaining(dailyLimit, sentToday)
	quota.HourlyRemaining = remaining(policy.HourlyLimit, usage.HourlySentAt(now))
	quota.DomainRemaining = remaining(policy.DomainDailyLimit, usage.DomainSent(recipientDomain))
	quota.BurstRemaining = remaining(policy.BurstLimit, usage.BurstCountAt(now, policy.Cooldown))

	type constraint struct {
		exhausted bool
		reason    domain.QuotaDenialReason
		nextSlot  time.Time
	}

	constraints := []constraint{
		{quota.DailyRemaining == 0, domain.DenialDailyExhausted, startOfNextDay(now)},
		{quota.HourlyRemaining == 0, domain.DenialHourlyExhausted, startOfNextHour(now)},
		{quota.DomainRemaining == 0, domain.DenialDomainExhausted, startOfNextDay(now)},
		{quota.BurstRemaining == 0, domain.DenialBurstExhausted, burstWindowEnd(usage, policy.Cooldown, now)},
	}

	quota.Available = true
	var next *time.Time
	for _, c := range constraints {
		if !c.exhausted {
			continue
		}
		quota.Available = false
		if quota.Reason == domain.DenialNone {
			quota.Reason = c.reason
		}
		slot := c.nextSlot
		if next == nil || slot.Before(*next) {
			next = &slot
		}
	}
	quota.NextAvailableSlot = next

	return quota
}

// SelectAccount picks a sending account for the user under the strategy.
// When every account is exhausted, it returns the one whose quota frees up
// soonest with ScheduledFor set; absence of capacity is not absence of an
// account. domain.ErrNoAccountAvailable means there is truly nothing to use.
func (l *Limiter) SelectAccount(ctx context.Context, userID, recipientDomain string, opts SelectOptions) (*Selection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !opts.Strategy.IsValid() {
		opts.Strategy = StrategyLeastUsed
	}

	accounts, err := l.accounts.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sending accounts: %w", err)
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	var available []candidate
	var soonest *candidate
	for i := range accounts {
		account := accounts[i]
		if excluded[account.ID] {
			continue
		}

		usage, usageErr := l.loadUsage(ctx, account.ID)
		quota := l.CheckSendingQuota(ctx, account.ID, recipientDomain)
		if usageErr != nil {
			usage = nil
		}

		c := candidate{account: account, usage: usage, quota: quota}
		if quota.Available {
			available = append(available, c)
			continue
		}
		if quota.NextAvailableSlot == nil {
			continue
		}
		if soonest == nil || quota.NextAvailableSlot.Before(*soonest.quota.NextAvailableSlot) {
			clone := c
			soonest = &clone
		}
	}

	if best := pickByStrategy(opts.Strategy, available); best != nil {
		return &Selection{Account: best.account, Quota: best.quota}, nil
	}

	if soonest != nil {
		slot := *soonest.quota.NextAvailableSlot
		return &Selection{
			Account:      soonest.account,
			Quota:        soonest.quota,
			ScheduledFor: &slot,
		}, nil
	}

	return nil, domain.ErrNoAccountAvailable
}

// RecordSend books an attempted send against the account's counters. Counters
// move even on failure: a rejected attempt still consumed capacity toward the
// recipient domain. This sits in the hot send path and never returns an
// error; a bookkeeping failure must not unwind an already-sent email.
func (l *Limiter) RecordSend(ctx context.Context, accountID, recipientDomain string, success bool, errCode string) {
	if ctx == nil {
		ctx = context.Background()
	}
	recipientDomain = strings.ToLower(strings.TrimSpace(recipientDomain))

	cooldown := time.Duration(0)
	if policy, err := l.loadPolicy(ctx, accountID); err == nil {
		cooldown = policy.Cooldown
	}

	now := l.now().UTC()
	if err := l.usage.IncrementSend(ctx, accountID, recipientDomain, now, cooldown); err != nil {
		l.logger.Error("failed to record send usage",
			zap.String("accountId", accountID),
			zap.String("domain", recipientDomain),
			zap.Bool("success", success),
			zap.String("errorCode", errCode),
			zap.Error(err),
		)
		return
	}

	if err := l.cache.Invalidate(ctx, accountID); err != nil {
		l.logger.Warn("failed to invalidate usage cache after send",
			zap.String("accountId", accountID),
			zap.Error(err),
		)
	}
}

// ScheduleRetry applies the retry decision table to a failed send attempt:
// non-retryable error class or exhausted attempts mean final failure,
// otherwise retry after an exponentially growing delay.
func (l *Limiter) ScheduleRetry(ctx context.Context, job *domain.EmailJob, errCode string) RetryDecision {
	if ctx == nil {
		ctx = context.Background()
	}

	retryPolicy := defaultRetryPolicy
	if policy, err := l.loadPolicy(ctx, job.AccountID); err == nil {
		retryPolicy = policy.Retry
	} else {
		l.logger.Warn("retry decision using default policy",
			zap.String("accountId", job.AccountID),
			zap.Error(err),
		)
	}

	if !retryPolicy.Retryable(errCode) {
		return RetryDecision{FinalFailure: true, Reason: "non_retryable_error"}
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = retryPolicy.MaxAttempts
	}
	if job.RetryCount >= maxRetries {
		return RetryDecision{FinalFailure: true, Reason: "retries_exhausted"}
	}

	retryAt := l.now().Add(backoffDelay(retryPolicy, job.RetryCount, l.randFloat))
	return RetryDecision{ShouldRetry: true, RetryAt: &retryAt, Reason: "retryable_error"}
}

// UpdateConfig validates and persists a partial policy update, then
// invalidates the account's cache entries before returning so a subsequent
// quota check in this process observes the new limits.
func (l *Limiter) UpdateConfig(ctx context.Context, accountID string, update PolicyUpdate) (*domain.RateLimitPolicy, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	policy, err := l.accounts.GetPolicy(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		// Start from the bounded defaults so a partial first update still
		// produces a fully limited policy.
		policy = domain.DefaultRateLimitPolicy(accountID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load rate limit policy: %w", err)
	}

	applyPolicyUpdate(policy, update)

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if err := l.accounts.SavePolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("failed to save rate limit policy: %w", err)
	}

	if err := l.cache.Invalidate(ctx, accountID); err != nil {
		return nil, fmt.Errorf("failed to invalidate quota cache: %w", err)
	}

	return policy, nil
}

// Stats reports per-account usage percentages and the user's aggregate send
// success rate. This is a reporting path: store errors propagate.
func (l *Limiter) Stats(ctx context.Context, userID string) (*UsageReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	accounts, err := l.accounts.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sending accounts: %w", err)
	}

	day := domain.DayKey(l.now())
	ids := make([]string, 0, len(accounts))
	for i := range accounts {
		ids = append(ids, accounts[i].ID)
	}

	counters, err := l.usage.GetForAccounts(ctx, ids, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage counters: %w", err)
	}
	byAccount := make(map[string]*domain.UsageCounter, len(counters))
	for i := range counters {
		byAccount[counters[i].AccountID] = &counters[i]
	}

	report := &UsageReport{}
	for i := range accounts {
		account := &accounts[i]

		limit := 0
		if policy, policyErr := l.loadPolicy(ctx, account.ID); policyErr == nil {
			limit = policy.EffectiveDailyLimit()
		} else if !errors.Is(policyErr, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to load policy for account %s: %w", account.ID, policyErr)
		}

		sent := 0
		if counter := byAccount[account.ID]; counter != nil {
			sent = counter.EmailsSent
		}

		usagePercent := 0.0
		if limit > 0 {
			usagePercent = 100 * float64(sent) / float64(limit)
		}

		report.Accounts = append(report.Accounts, domain.AccountUsageStats{
			AccountID:    account.ID,
			AccountName:  account.Name,
			DailyLimit:   limit,
			SentToday:    sent,
			UsagePercent: usagePercent,
		})
	}

	if l.events != nil {
		sent, failed, err := l.events.SendOutcomesForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate send outcomes: %w", err)
		}
		if total := sent + failed; total > 0 {
			report.SuccessRate = float64(sent) / float64(total)
		}
	}

	return report, nil
}

func (l *Limiter) loadPolicy(ctx context.Context, accountID string) (*domain.RateLimitPolicy, error) {
	if policy, ok := l.cache.GetPolicy(ctx, accountID); ok {
		return policy, nil
	}

	policy, err := l.accounts.GetPolicy(ctx, accountID)
	if err != nil {
		return nil, err
	}

	l.cache.SetPolicy(ctx, accountID, policy, policyCacheTTL)
	return policy, nil
}

func (l *Limiter) loadUsage(ctx context.Context, accountID string) (*domain.UsageCounter, error) {
	day := domain.DayKey(l.now())
	if usage, ok := l.cache.GetUsage(ctx, accountID, day); ok {
		return usage, nil
	}

	usage, err := l.usage.GetForDay(ctx, accountID, day)
	if errors.Is(err, domain.ErrNotFound) {
		// No sends today; treat as a zeroed counter.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	l.cache.SetUsage(ctx, accountID, day, usage, usageCacheTTL)
	return usage, nil
}

func applyPolicyUpdate(policy *domain.RateLimitPolicy, update PolicyUpdate) {
	if update.DailyLimit != nil {
		policy.DailyLimit = *update.DailyLimit
	}
	if update.HourlyLimit != nil {
		policy.HourlyLimit = *update.HourlyLimit
	}
	if update.DomainDailyLimit != nil {
		policy.DomainDailyLimit = *update.DomainDailyLimit
	}
	if update.WarmupMode != nil {
		policy.WarmupMode = *update.WarmupMode
	}
	if update.WarmupDailyLimit != nil {
		policy.WarmupDailyLimit = *update.WarmupDailyLimit
	}
	if update.BurstLimit != nil {
		policy.BurstLimit = *update.BurstLimit
	}
	if update.Cooldown != nil {
		policy.Cooldown = *update.Cooldown
	}
	if update.RetryMaxAttempts != nil {
		policy.Retry.MaxAttempts = *update.RetryMaxAttempts
	}
	if update.RetryBaseDelay != nil {
		policy.Retry.BaseDelay = *update.RetryBaseDelay
	}
	if update.RetryMaxDelay != nil {
		policy.Retry.MaxDelay = *update.RetryMaxDelay
	}
	if update.RetryJitter != nil {
		policy.Retry.Jitter = *update.RetryJitter
	}
	if update.RetryableErrors != nil {
		policy.Retry.RetryableErrors = update.RetryableErrors
	}
}

// remaining is max(0, limit-used). A non-positive limit yields zero: a policy
// that never got real numbers must block sending, not unbound it.
func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

func startOfNextHour(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

func startOfNextDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func burstWindowEnd(usage *domain.UsageCounter, cooldown time.Duration, now time.Time) time.Time {
	if usage == nil || usage.BurstWindowStart == nil {
		return now
	}
	return usage.BurstWindowStart.Add(cooldown)
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// Limit ceilings accepted by policy validation.
const (
	MaxDailyLimit   = 50000
	MaxHourlyLimit  = 5000
	MaxBurstLimit   = 1000
	MaxRetryCeiling = 20
)

// Starting limits for a freshly created policy. Every dimension is bounded
// from the start; there is no "unlimited" value a half-initialized policy
// could fall into.
const (
	DefaultDailyLimit       = 500
	DefaultHourlyLimit      = 50
	DefaultDomainDailyLimit = 50
	DefaultBurstLimit       = 10
	DefaultCooldown         = time.Minute
)

// SendingAccount is one SMTP identity a user sends campaigns from.
type SendingAccount struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;not null"`
	Name      string `gorm:"type:varchar(255);not null"`
	FromEmail string `gorm:"type:varchar(255);not null"`
	FromName  string `gorm:"type:varchar(255)"`

	SMTPHost     string `gorm:"type:varchar(255);not null"`
	SMTPPort     int    `gorm:"not null;default:587"`
	SMTPUsername string `gorm:"type:varchar(255)"`
	SMTPPassword string `gorm:"type:text"`
	Encryption   string `gorm:"type:varchar(20);default:'STARTTLS'"`

	Active    bool `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *SendingAccount) Validate() error {
	if strings.TrimSpace(a.FromEmail) == "" {
		return fmt.Errorf("%w: from email is required", ErrValidation)
	}
	if strings.TrimSpace(a.SMTPHost) == "" {
		return fmt.Errorf("%w: smtp host is required", ErrValidation)
	}
	if a.SMTPPort <= 0 || a.SMTPPort > 65535 {
		return fmt.Errorf("%w: invalid smtp port %d", ErrValidation, a.SMTPPort)
	}
	return nil
}

// RetryPolicy controls account-level retry timing for transient send errors.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          bool
	RetryableErrors []string
}

// Retryable reports whether the error code belongs to the retryable class.
func (p RetryPolicy) Retryable(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, c := range p.RetryableErrors {
		if strings.ToLower(strings.TrimSpace(c)) == code {
			return true
		}
	}
	return false
}

// DefaultRateLimitPolicy builds the policy an account starts with before any
// explicit configuration.
func DefaultRateLimitPolicy(accountID string) *RateLimitPolicy {
	return &RateLimitPolicy{
		AccountID:        accountID,
		DailyLimit:       DefaultDailyLimit,
		HourlyLimit:      DefaultHourlyLimit,
		DomainDailyLimit: DefaultDomainDailyLimit,
		BurstLimit:       DefaultBurstLimit,
		Cooldown:         DefaultCooldown,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			BaseDelay:       time.Minute,
			MaxDelay:        time.Hour,
			Jitter:          true,
			RetryableErrors: []string{"rate_limited", "timeout", "connection_failed", "temporary_failure"},
		},
	}
}

// RateLimitPolicy is the per-account sending policy. One row per account,
// created on account setup and only changed by explicit update.
type RateLimitPolicy struct {
	AccountID        string
	DailyLimit       int
	HourlyLimit      int
	DomainDailyLimit int
	WarmupMode       bool
	WarmupDailyLimit int
	BurstLimit       int
	Cooldown         time.Duration
	Retry            RetryPolicy
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EffectiveDailyLimit applies the warmup override when warmup mode is on.
func (p *RateLimitPolicy) EffectiveDailyLimit() int {
	if p.WarmupMode {
		return p.WarmupDailyLimit
	}
	return p.DailyLimit
}

func (p *RateLimitPolicy) Validate() error {
	if strings.TrimSpace(p.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	// Every limit must be at least 1. A zero limit cannot mean "unlimited":
	// remaining capacity is max(0, limit-used), so a zero that slipped into
	// storage would silently stop — or worse, unbound — sending.
	if p.DailyLimit < 1 || p.DailyLimit > MaxDailyLimit {
		return fmt.Errorf("%w: daily limit %d out of range [1,%d]", ErrValidation, p.DailyLimit, MaxDailyLimit)
	}
	if p.HourlyLimit < 1 || p.HourlyLimit > MaxHourlyLimit {
		return fmt.Errorf("%w: hourly limit %d out of range [1,%d]", ErrValidation, p.HourlyLimit, MaxHourlyLimit)
	}
	if p.DomainDailyLimit < 1 || p.DomainDailyLimit > MaxDailyLimit {
		return fmt.Errorf("%w: domain daily limit %d out of range [1,%d]", ErrValidation, p.DomainDailyLimit, MaxDailyLimit)
	}
	if p.WarmupDailyLimit < 0 || p.WarmupDailyLimit > MaxDailyLimit {
		return fmt.Errorf("%w: warmup daily limit %d out of range [0,%d]", ErrValidation, p.WarmupDailyLimit, MaxDailyLimit)
	}
	if p.WarmupMode && p.WarmupDailyLimit < 1 {
		return fmt.Errorf("%w: warmup mode requires a warmup daily limit", ErrValidation)
	}
	if p.BurstLimit < 1 || p.BurstLimit > MaxBurstLimit {
		return fmt.Errorf("%w: burst limit %d out of range [1,%d]", ErrValidation, p.BurstLimit, MaxBurstLimit)
	}
	// The burst window only resets after a full cooldown, so a burst limit
	// without a positive cooldown would never be enforced.
	if p.Cooldown <= 0 {
		return fmt.Errorf("%w: cooldown must be positive", ErrValidation)
	}
	if p.Retry.MaxAttempts < 0 || p.Retry.MaxAttempts > MaxRetryCeiling {
		return fmt.Errorf("%w: max attempts %d out of range [0,%d]", ErrValidation, p.Retry.MaxAttempts, MaxRetryCeiling)
	}
	if p.Retry.BaseDelay < 0 || p.Retry.MaxDelay < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", ErrValidation)
	}
	if p.Retry.MaxDelay > 0 && p.Retry.BaseDelay > p.Retry.MaxDelay {
		return fmt.Errorf("%w: base retry delay exceeds max retry delay", ErrValidation)
	}
	return nil
}

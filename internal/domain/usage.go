package domain

import (
	"time"
)

// DayKey formats the calendar-day bucket key for usage rows.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UsageCounter tracks one account's sends for one calendar day. The hour
// bucket and the burst window are reset lazily on read, so a row may carry
// stale values for an hour that already rolled over.
type UsageCounter struct {
	ID        string
	AccountID string
	Day       string

	EmailsSent   int
	Hour         int
	HourlySent   int
	DomainCounts map[string]int

	BurstCount       int
	BurstWindowStart *time.Time
	LastSentAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HourlySentAt returns the sends within the hour containing now, treating a
// rolled-over hour bucket as empty.
func (u *UsageCounter) HourlySentAt(now time.Time) int {
	if u == nil {
		return 0
	}
	if u.Hour != now.UTC().Hour() || u.Day != DayKey(now) {
		return 0
	}
	return u.HourlySent
}

// BurstCountAt returns the burst-window count, treating the window as empty
// once the cooldown period has fully elapsed (fixed window, not rolling).
func (u *UsageCounter) BurstCountAt(now time.Time, cooldown time.Duration) int {
	if u == nil || u.BurstWindowStart == nil || cooldown <= 0 {
		return 0
	}
	if now.Sub(*u.BurstWindowStart) >= cooldown {
		return 0
	}
	return u.BurstCount
}

// DomainSent returns today's sends targeting the given recipient domain.
func (u *UsageCounter) DomainSent(domain string) int {
	if u == nil || u.DomainCounts == nil {
		return 0
	}
	return u.DomainCounts[domain]
}

// QuotaDenialReason names the binding constraint when a quota is exhausted.
type QuotaDenialReason string

const (
	DenialNone            QuotaDenialReason = ""
	DenialDailyExhausted  QuotaDenialReason = "daily_exhausted"
	DenialHourlyExhausted QuotaDenialReason = "hourly_exhausted"
	DenialDomainExhausted QuotaDenialReason = "domain_exhausted"
	DenialBurstExhausted  QuotaDenialReason = "burst_exhausted"
	DenialPolicyMissing   QuotaDenialReason = "policy_missing"
	DenialStoreError      QuotaDenialReason = "store_error"
)

// SendingQuota is the derived, never-persisted view of an account's remaining
// capacity toward one recipient domain.
type SendingQuota struct {
	AccountID       string
	Domain          string
	DailyRemaining  int
	HourlyRemaining int
	DomainRemaining int
	BurstRemaining  int
	Available       bool
	// NextAvailableSlot is set only when Available is false and points at the
	// earliest moment the binding constraint clears.
	NextAvailableSlot *time.Time
	Reason            QuotaDenialReason
}

// UnavailableQuota builds the fail-closed quota used on store errors or
// missing policies: zero remaining everywhere, no next slot promised.
func UnavailableQuota(accountID, domain string, reason QuotaDenialReason) SendingQuota {
	return SendingQuota{
		AccountID: accountID,
		Domain:    domain,
		Available: false,
		Reason:    reason,
	}
}

package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// Strategy picks among the available accounts of a user.
type Strategy string

const (
	// StrategyLeastUsed picks the account with the most daily capacity left.
	// Ties go to the earliest-created account.
	StrategyLeastUsed Strategy = "least_used"
	// StrategyRoundRobin picks the account whose last send is oldest (never
	// sent sorts first). Ties go to the earliest-created account.
	StrategyRoundRobin Strategy = "round_robin"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLeastUsed, StrategyRoundRobin:
		return true
	}
	return false
}

func ParseStrategyFromString(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return StrategyLeastUsed, nil
	}
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid selection strategy %q", domain.ErrValidation, s)
	}
	return st, nil
}

// candidate pairs an account with its computed quota. Candidates arrive in
// account-creation order, which every strategy relies on for tie-breaks.
type candidate struct {
	account domain.SendingAccount
	usage   *domain.UsageCounter
	quota   domain.SendingQuota
}

func pickByStrategy(strategy Strategy, available []candidate) *candidate {
	if len(available) == 0 {
		return nil
	}

	switch strategy {
	case StrategyRoundRobin:
		best := &available[0]
		for i := 1; i < len(available); i++ {
			c := &available[i]
			if lastSentBefore(c.usage, best.usage) {
				best = c
			}
		}
		return best
	default: // least_used
		best := &available[0]
		for i := 1; i < len(available); i++ {
			if available[i].quota.DailyRemaining > best.quota.DailyRemaining {
				best = &available[i]
			}
		}
		return best
	}
}

// lastSentBefore reports whether a's last send is strictly older than b's.
// A nil usage row (never sent today) is treated as oldest.
func lastSentBefore(a, b *domain.UsageCounter) bool {
	var aAt, bAt *time.Time
	if a != nil {
		aAt = a.LastSentAt
	}
	if b != nil {
		bAt = b.LastSentAt
	}
	if aAt == nil {
		return bAt != nil
	}
	if bAt == nil {
		return false
	}
	return aAt.Before(*bAt)
}

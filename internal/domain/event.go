package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType classifies campaign engagement events.
type EventType string

const (
	EventSent         EventType = "SENT"
	EventOpened       EventType = "OPENED"
	EventClicked      EventType = "CLICKED"
	EventReplied      EventType = "REPLIED"
	EventBounced      EventType = "BOUNCED"
	EventUnsubscribed EventType = "UNSUBSCRIBED"
	EventFailed       EventType = "FAILED"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventSent, EventOpened, EventClicked, EventReplied,
		EventBounced, EventUnsubscribed, EventFailed:
		return true
	}
	return false
}

func ParseEventTypeFromString(s string) (EventType, error) {
	et := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !et.IsValid() {
		return "", fmt.Errorf("%w: invalid event type %q", ErrValidation, s)
	}
	return et, nil
}

// CampaignEvent is one append-only engagement record. Campaign counters are
// aggregated from these rows on read instead of mutating counters in place.
type CampaignEvent struct {
	ID         string
	CampaignID string
	ContactID  string
	AccountID  string
	JobID      *string
	Type       EventType
	Detail     *string
	OccurredAt time.Time
	CreatedAt  time.Time
}

// CampaignStats is the read-side aggregate over a campaign's events.
type CampaignStats struct {
	CampaignID   string
	Sent         int
	Opened       int
	Clicked      int
	Replied      int
	Bounced      int
	Unsubscribed int
	Failed       int
}

// AccountUsageStats is the per-account slice of a user's usage report.
type AccountUsageStats struct {
	AccountID    string
	AccountName  string
	DailyLimit   int
	SentToday    int
	UsagePercent float64
}

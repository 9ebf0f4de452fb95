package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProgressStatus represents where a contact stands within a campaign.
type ProgressStatus string

const (
	ProgressPending      ProgressStatus = "PENDING"
	ProgressActive       ProgressStatus = "ACTIVE"
	ProgressCompleted    ProgressStatus = "COMPLETED"
	ProgressStopped      ProgressStatus = "STOPPED"
	ProgressBounced      ProgressStatus = "BOUNCED"
	ProgressUnsubscribed ProgressStatus = "UNSUBSCRIBED"
)

func (s ProgressStatus) String() string { return string(s) }

func (s ProgressStatus) IsValid() bool {
	switch s {
	case ProgressPending, ProgressActive, ProgressCompleted,
		ProgressStopped, ProgressBounced, ProgressUnsubscribed:
		return true
	}
	return false
}

// Terminal statuses are never reopened by normal flow.
func (s ProgressStatus) Terminal() bool {
	switch s {
	case ProgressCompleted, ProgressStopped, ProgressBounced, ProgressUnsubscribed:
		return true
	}
	return false
}

func ParseProgressStatusFromString(s string) (ProgressStatus, error) {
	st := ProgressStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid progress status %q", ErrValidation, s)
	}
	return st, nil
}

// BounceStopThreshold is the two-strike bounce policy: a contact with this
// many bounces is halted regardless of step conditions.
const BounceStopThreshold = 2

// ContactProgress tracks one contact's position and engagement within one
// campaign. CurrentStep only increases (or jumps to an explicit branch
// target); once a terminal status is reached the record is frozen.
type ContactProgress struct {
	ID         string
	CampaignID string
	ContactID  string

	CurrentStep int
	Status      ProgressStatus

	EmailsSent    int
	EmailsOpened  int
	EmailsClicked int
	BounceCount   int

	LastSentAt     *time.Time
	LastOpenedAt   *time.Time
	LastClickedAt  *time.Time
	RepliedAt      *time.Time
	UnsubscribedAt *time.Time

	VariantID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Replied reports whether a reply has ever been observed for this contact.
func (p *ContactProgress) Replied() bool {
	return p != nil && p.RepliedAt != nil
}

// Unsubscribed reports whether the contact has opted out.
func (p *ContactProgress) Unsubscribed() bool {
	return p != nil && (p.UnsubscribedAt != nil || p.Status == ProgressUnsubscribed)
}

// OpenedCurrentStep reports whether the most recent send has been opened.
func (p *ContactProgress) OpenedCurrentStep() bool {
	if p == nil || p.LastOpenedAt == nil || p.LastSentAt == nil {
		return false
	}
	return !p.LastOpenedAt.Before(*p.LastSentAt)
}

// ClickedCurrentStep reports whether the most recent send has been clicked.
func (p *ContactProgress) ClickedCurrentStep() bool {
	if p == nil || p.LastClickedAt == nil || p.LastSentAt == nil {
		return false
	}
	return !p.LastClickedAt.Before(*p.LastSentAt)
}

// HoursSinceLastSend returns elapsed hours since the last send, falling back
// to enrollment time when nothing has been sent yet.
func (p *ContactProgress) HoursSinceLastSend(now time.Time) float64 {
	if p == nil {
		return 0
	}
	ref := p.CreatedAt
	if p.LastSentAt != nil {
		ref = *p.LastSentAt
	}
	return now.Sub(ref).Hours()
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of an email job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSent       JobStatus = "SENT"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing,
		JobStatusSent, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSent, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func ParseJobStatusFromString(s string) (JobStatus, error) {
	st := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job status %q", ErrValidation, s)
	}
	return st, nil
}

// Priority represents the job priority level.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// EmailJob is one scheduled send attempt for a contact at a sequence step.
// It moves PENDING -> QUEUED -> PROCESSING -> {SENT | FAILED | CANCELLED};
// a failed attempt under budget goes back to PENDING with a later
// scheduled_at and an incremented retry count.
type EmailJob struct {
	ID         string
	CampaignID string
	ContactID  string
	ProgressID string
	AccountID  string
	StepNumber int

	Subject  string
	Body     string
	Priority Priority

	ScheduledAt  time.Time
	Status       JobStatus
	RetryCount   int
	MaxRetries   int
	ErrorMessage *string
	MessageID    *string
	SentAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *EmailJob) Validate() error {
	if strings.TrimSpace(j.CampaignID) == "" {
		return fmt.Errorf("%w: campaign id is required", ErrValidation)
	}
	if strings.TrimSpace(j.ContactID) == "" {
		return fmt.Errorf("%w: contact id is required", ErrValidation)
	}
	if j.StepNumber < 1 {
		return fmt.Errorf("%w: step number must be >= 1", ErrValidation)
	}
	if !j.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, j.Priority)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: invalid job status %q", ErrValidation, j.Status)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrValidation)
	}
	return nil
}

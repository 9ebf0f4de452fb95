package repository

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// SendingAccountModel is the persistence model for sending_accounts.
type SendingAccountModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	UserID       string `gorm:"type:uuid;not null;index"`
	Name         string `gorm:"type:varchar(255);not null"`
	FromEmail    string `gorm:"type:varchar(255);not null"`
	FromName     string `gorm:"type:varchar(255)"`
	SMTPHost     string `gorm:"type:varchar(255);not null"`
	SMTPPort     int    `gorm:"not null;default:587"`
	SMTPUsername string `gorm:"type:varchar(255)"`
	SMTPPassword string `gorm:"type:text"`
	Encryption   string `gorm:"type:varchar(20)"`
	Active       bool   `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SendingAccountModel) TableName() string { return "sending_accounts" }

// RateLimitPolicyModel is the persistence model for rate_limit_policies.
// One row per account; retryable error codes are stored comma-separated.
type RateLimitPolicyModel struct {
	AccountID        string `gorm:"type:uuid;primaryKey"`
	DailyLimit       int    `gorm:"not null;default:0"`
	HourlyLimit      int    `gorm:"not null;default:0"`
	DomainDailyLimit int    `gorm:"not null;default:0"`
	WarmupMode       bool   `gorm:"not null;default:false"`
	WarmupDailyLimit int    `gorm:"not null;default:0"`
	BurstLimit       int    `gorm:"not null;default:0"`
	CooldownMinutes  int    `gorm:"not null;default:0"`
	RetryMaxAttempts int    `gorm:"not null;default:3"`
	RetryBaseDelayMs int64  `gorm:"not null;default:60000"`
	RetryMaxDelayMs  int64  `gorm:"not null;default:3600000"`
	RetryJitter      bool   `gorm:"not null;default:true"`
	RetryableErrors  string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (RateLimitPolicyModel) TableName() string { return "rate_limit_policies" }

// UsageCounterModel is the persistence model for usage_counters. Rows are
// keyed (account_id, day); domain counts are a JSON object column.
type UsageCounterModel struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	AccountID        string `gorm:"type:uuid;not null;uniqueIndex:idx_usage_account_day,priority:1"`
	Day              string `gorm:"type:varchar(10);not null;uniqueIndex:idx_usage_account_day,priority:2"`
	EmailsSent       int    `gorm:"not null;default:0"`
	Hour             int    `gorm:"not null;default:0"`
	HourlySent       int    `gorm:"not null;default:0"`
	DomainCounts     string `gorm:"type:jsonb;default:'{}'"`
	BurstCount       int    `gorm:"not null;default:0"`
	BurstWindowStart *time.Time
	LastSentAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UsageCounterModel) TableName() string { return "usage_counters" }

// EmailJobModel is the persistence model for email_jobs.
type EmailJobModel struct {
	ID           string           `gorm:"type:uuid;primaryKey"`
	CampaignID   string           `gorm:"type:uuid;not null;index"`
	ContactID    string           `gorm:"type:uuid;not null"`
	ProgressID   string           `gorm:"type:uuid;not null;index"`
	AccountID    string           `gorm:"type:uuid;not null"`
	StepNumber   int              `gorm:"not null"`
	Subject      string           `gorm:"type:text;not null"`
	Body         string           `gorm:"type:text;not null"`
	Priority     domain.Priority  `gorm:"type:varchar(10);not null"`
	ScheduledAt  time.Time        `gorm:"not null"`
	Status       domain.JobStatus `gorm:"type:varchar(20);not null"`
	RetryCount   int              `gorm:"not null;default:0"`
	MaxRetries   int              `gorm:"not null;default:3"`
	ErrorMessage *string          `gorm:"type:text"`
	MessageID    *string          `gorm:"type:varchar(255)"`
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (EmailJobModel) TableName() string { return "email_jobs" }

// ContactProgressModel is the persistence model for contact_progress.
type ContactProgressModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	CampaignID     string                `gorm:"type:uuid;not null;uniqueIndex:idx_progress_campaign_contact,priority:1"`
	ContactID      string                `gorm:"type:uuid;not null;uniqueIndex:idx_progress_campaign_contact,priority:2"`
	CurrentStep    int                   `gorm:"not null;default:1"`
	Status         domain.ProgressStatus `gorm:"type:varchar(20);not null"`
	EmailsSent     int                   `gorm:"not null;default:0"`
	EmailsOpened   int                   `gorm:"not null;default:0"`
	EmailsClicked  int                   `gorm:"not null;default:0"`
	BounceCount    int                   `gorm:"not null;default:0"`
	LastSentAt     *time.Time
	LastOpenedAt   *time.Time
	LastClickedAt  *time.Time
	RepliedAt      *time.Time
	UnsubscribedAt *time.Time
	VariantID      *string `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ContactProgressModel) TableName() string { return "contact_progress" }

// CampaignModel is the persistence model for campaigns.
type CampaignModel struct {
	ID          string                `gorm:"type:uuid;primaryKey"`
	UserID      string                `gorm:"type:uuid;not null;index"`
	Name        string                `gorm:"type:varchar(255);not null"`
	Status      domain.CampaignStatus `gorm:"type:varchar(20);not null"`
	Priority    domain.Priority       `gorm:"type:varchar(10);not null"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Steps []EmailStepModel `gorm:"foreignKey:CampaignID"`
}

func (CampaignModel) TableName() string { return "campaigns" }

// EmailStepModel is the persistence model for email_steps.
type EmailStepModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	CampaignID string `gorm:"type:uuid;not null;index"`
	StepNumber int    `gorm:"not null"`
	Subject    string `gorm:"type:text;not null"`
	Body       string `gorm:"type:text;not null"`
	DelayDays  int    `gorm:"not null;default:0"`
	DelayHours int    `gorm:"not null;default:0"`

	Conditions []StepConditionModel `gorm:"foreignKey:StepID"`
}

func (EmailStepModel) TableName() string { return "email_steps" }

// StepConditionModel is the persistence model for step_conditions.
type StepConditionModel struct {
	ID         string                   `gorm:"type:uuid;primaryKey"`
	StepID     string                   `gorm:"type:uuid;not null;index"`
	Trigger    domain.ConditionTrigger  `gorm:"type:varchar(30);not null"`
	Operator   domain.ConditionOperator `gorm:"type:varchar(20);not null"`
	Value      string                   `gorm:"type:varchar(255)"`
	Action     domain.StepAction        `gorm:"type:varchar(20);not null"`
	TargetStep int                      `gorm:"not null;default:0"`
	DelayHours int                      `gorm:"not null;default:0"`
	Position   int                      `gorm:"not null;default:0"`
}

func (StepConditionModel) TableName() string { return "step_conditions" }

// ContactModel is the persistence model for contacts. Custom personalization
// fields live in a JSON object column.
type ContactModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	UserID     string `gorm:"type:uuid;not null;index"`
	Email      string `gorm:"type:varchar(255);not null"`
	FirstName  string `gorm:"type:varchar(255)"`
	LastName   string `gorm:"type:varchar(255)"`
	Company    string `gorm:"type:varchar(255)"`
	Title      string `gorm:"type:varchar(255)"`
	Attributes string `gorm:"type:jsonb;default:'{}'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ContactModel) TableName() string { return "contacts" }

// CampaignEventModel is the persistence model for campaign_events.
type CampaignEventModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	CampaignID string           `gorm:"type:uuid;not null;index:idx_events_campaign_type"`
	ContactID  string           `gorm:"type:uuid;not null"`
	AccountID  string           `gorm:"type:uuid"`
	JobID      *string          `gorm:"type:uuid"`
	Type       domain.EventType `gorm:"type:varchar(20);not null;index:idx_events_campaign_type"`
	Detail     *string          `gorm:"type:text"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time
}

func (CampaignEventModel) TableName() string { return "campaign_events" }

func accountModelFromDomain(a *domain.SendingAccount) *SendingAccountModel {
	if a == nil {
		return nil
	}
	return &SendingAccountModel{
		ID:           a.ID,
		UserID:       a.UserID,
		Name:         a.Name,
		FromEmail:    a.FromEmail,
		FromName:     a.FromName,
		SMTPHost:     a.SMTPHost,
		SMTPPort:     a.SMTPPort,
		SMTPUsername: a.SMTPUsername,
		SMTPPassword: a.SMTPPassword,
		Encryption:   a.Encryption,
		Active:       a.Active,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func accountModelToDomain(m *SendingAccountModel) *domain.SendingAccount {
	if m == nil {
		return nil
	}
	return &domain.SendingAccount{
		ID:           m.ID,
		UserID:       m.UserID,
		Name:         m.Name,
		FromEmail:    m.FromEmail,
		FromName:     m.FromName,
		SMTPHost:     m.SMTPHost,
		SMTPPort:     m.SMTPPort,
		SMTPUsername: m.SMTPUsername,
		SMTPPassword: m.SMTPPassword,
		Encryption:   m.Encryption,
		Active:       m.Active,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func policyModelFromDomain(p *domain.RateLimitPolicy) *RateLimitPolicyModel {
	if p == nil {
		return nil
	}
	return &RateLimitPolicyModel{
		AccountID:        p.AccountID,
		DailyLimit:       p.DailyLimit,
		HourlyLimit:      p.HourlyLimit,
		DomainDailyLimit: p.DomainDailyLimit,
		WarmupMode:       p.WarmupMode,
		WarmupDailyLimit: p.WarmupDailyLimit,
		BurstLimit:       p.BurstLimit,
		CooldownMinutes:  int(p.Cooldown / time.Minute),
		RetryMaxAttempts: p.Retry.MaxAttempts,
		RetryBaseDelayMs: p.Retry.BaseDelay.Milliseconds(),
		RetryMaxDelayMs:  p.Retry.MaxDelay.Milliseconds(),
		RetryJitter:      p.Retry.Jitter,
		RetryableErrors:  strings.Join(p.Retry.RetryableErrors, ","),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func policyModelToDomain(m *RateLimitPolicyModel) *domain.RateLimitPolicy {
	if m == nil {
		return nil
	}

	var retryable []string
	for _, code := range strings.Split(m.RetryableErrors, ",") {
		if code = strings.TrimSpace(code); code != "" {
			retryable = append(retryable, code)
		}
	}

	return &domain.RateLimitPolicy{
		AccountID:        m.AccountID,
		DailyLimit:       m.DailyLimit,
		HourlyLimit:      m.HourlyLimit,
		DomainDailyLimit: m.DomainDailyLimit,
		WarmupMode:       m.WarmupMode,
		WarmupDailyLimit: m.WarmupDailyLimit,
		BurstLimit:       m.BurstLimit,
		Cooldown:         time.Duration(m.CooldownMinutes) * time.Minute,
		Retry: domain.RetryPolicy{
			MaxAttempts:     m.RetryMaxAttempts,
			BaseDelay:       time.Duration(m.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:        time.Duration(m.RetryMaxDelayMs) * time.Millisecond,
			Jitter:          m.RetryJitter,
			RetryableErrors: retryable,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func usageModelToDomain(m *UsageCounterModel) *domain.UsageCounter {
	if m == nil {
		return nil
	}

	counts := map[string]int{}
	if strings.TrimSpace(m.DomainCounts) != "" {
		// A corrupt column degrades to an empty map; quota checks fail closed
		// on the store layer, not here.
		_ = json.Unmarshal([]byte(m.DomainCounts), &counts)
	}

	return &domain.UsageCounter{
		ID:               m.ID,
		AccountID:        m.AccountID,
		Day:              m.Day,
		EmailsSent:       m.EmailsSent,
		Hour:             m.Hour,
		HourlySent:       m.HourlySent,
		DomainCounts:     counts,
		BurstCount:       m.BurstCount,
		BurstWindowStart: m.BurstWindowStart,
		LastSentAt:       m.LastSentAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func jobModelFromDomain(j *domain.EmailJob) *EmailJobModel {
	if j == nil {
		return nil
	}
	return &EmailJobModel{
		ID:           j.ID,
		CampaignID:   j.CampaignID,
		ContactID:    j.ContactID,
		ProgressID:   j.ProgressID,
		AccountID:    j.AccountID,
		StepNumber:   j.StepNumber,
		Subject:      j.Subject,
		Body:         j.Body,
		Priority:     j.Priority,
		ScheduledAt:  j.ScheduledAt,
		Status:       j.Status,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		MessageID:    j.MessageID,
		SentAt:       j.SentAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func jobModelToDomain(m *EmailJobModel) *domain.EmailJob {
	if m == nil {
		return nil
	}
	return &domain.EmailJob{
		ID:           m.ID,
		CampaignID:   m.CampaignID,
		ContactID:    m.ContactID,
		ProgressID:   m.ProgressID,
		AccountID:    m.AccountID,
		StepNumber:   m.StepNumber,
		Subject:      m.Subject,
		Body:         m.Body,
		Priority:     m.Priority,
		ScheduledAt:  m.ScheduledAt,
		Status:       m.Status,
		RetryCount:   m.RetryCount,
		MaxRetries:   m.MaxRetries,
		ErrorMessage: m.ErrorMessage,
		MessageID:    m.MessageID,
		SentAt:       m.SentAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func progressModelFromDomain(p *domain.ContactProgress) *ContactProgressModel {
	if p == nil {
		return nil
	}
	return &ContactProgressModel{
		ID:             p.ID,
		CampaignID:     p.CampaignID,
		ContactID:      p.ContactID,
		CurrentStep:    p.CurrentStep,
		Status:         p.Status,
		EmailsSent:     p.EmailsSent,
		EmailsOpened:   p.EmailsOpened,
		EmailsClicked:  p.EmailsClicked,
		BounceCount:    p.BounceCount,
		LastSentAt:     p.LastSentAt,
		LastOpenedAt:   p.LastOpenedAt,
		LastClickedAt:  p.LastClickedAt,
		RepliedAt:      p.RepliedAt,
		UnsubscribedAt: p.UnsubscribedAt,
		VariantID:      p.VariantID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func progressModelToDomain(m *ContactProgressModel) *domain.ContactProgress {
	if m == nil {
		return nil
	}
	return &domain.ContactProgress{
		ID:             m.ID,
		CampaignID:     m.CampaignID,
		ContactID:      m.ContactID,
		CurrentStep:    m.CurrentStep,
		Status:         m.Status,
		EmailsSent:     m.EmailsSent,
		EmailsOpened:   m.EmailsOpened,
		EmailsClicked:  m.EmailsClicked,
		BounceCount:    m.BounceCount,
		LastSentAt:     m.LastSentAt,
		LastOpenedAt:   m.LastOpenedAt,
		LastClickedAt:  m.LastClickedAt,
		RepliedAt:      m.RepliedAt,
		UnsubscribedAt: m.UnsubscribedAt,
		VariantID:      m.VariantID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func campaignModelToDomain(m *CampaignModel) *domain.Campaign {
	if m == nil {
		return nil
	}

	steps := make([]domain.EmailStep, 0, len(m.Steps))
	for i := range m.Steps {
		steps = append(steps, *stepModelToDomain(&m.Steps[i]))
	}

	return &domain.Campaign{
		ID:          m.ID,
		UserID:      m.UserID,
		Name:        m.Name,
		Status:      m.Status,
		Priority:    m.Priority,
		Steps:       steps,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func stepModelToDomain(m *EmailStepModel) *domain.EmailStep {
	if m == nil {
		return nil
	}

	conditions := make([]domain.StepCondition, 0, len(m.Conditions))
	for i := range m.Conditions {
		c := &m.Conditions[i]
		conditions = append(conditions, domain.StepCondition{
			ID:         c.ID,
			StepID:     c.StepID,
			Trigger:    c.Trigger,
			Operator:   c.Operator,
			Value:      c.Value,
			Action:     c.Action,
			TargetStep: c.TargetStep,
			DelayHours: c.DelayHours,
			Position:   c.Position,
		})
	}

	return &domain.EmailStep{
		ID:         m.ID,
		CampaignID: m.CampaignID,
		StepNumber: m.StepNumber,
		Subject:    m.Subject,
		Body:       m.Body,
		DelayDays:  m.DelayDays,
		DelayHours: m.DelayHours,
		Conditions: conditions,
	}
}

func contactModelToDomain(m *ContactModel) *domain.Contact {
	if m == nil {
		return nil
	}

	attrs := map[string]string{}
	if strings.TrimSpace(m.Attributes) != "" {
		_ = json.Unmarshal([]byte(m.Attributes), &attrs)
	}

	return &domain.Contact{
		ID:         m.ID,
		UserID:     m.UserID,
		Email:      m.Email,
		FirstName:  m.FirstName,
		LastName:   m.LastName,
		Company:    m.Company,
		Title:      m.Title,
		Attributes: attrs,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func eventModelFromDomain(e *domain.CampaignEvent) *CampaignEventModel {
	if e == nil {
		return nil
	}
	return &CampaignEventModel{
		ID:         e.ID,
		CampaignID: e.CampaignID,
		ContactID:  e.ContactID,
		AccountID:  e.AccountID,
		JobID:      e.JobID,
		Type:       e.Type,
		Detail:     e.Detail,
		OccurredAt: e.OccurredAt,
		CreatedAt:  e.CreatedAt,
	}
}

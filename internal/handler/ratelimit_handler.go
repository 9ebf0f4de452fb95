package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
)

type RateLimitService interface {
	CheckSendingQuota(ctx context.Context, accountID, recipientDomain string) domain.SendingQuota
	SelectAccount(ctx context.Context, userID, recipientDomain string, opts ratelimit.SelectOptions) (*ratelimit.Selection, error)
	UpdateConfig(ctx context.Context, accountID string, update ratelimit.PolicyUpdate) (*domain.RateLimitPolicy, error)
	Stats(ctx context.Context, userID string) (*ratelimit.UsageReport, error)
}

type RateLimitHandler struct {
	service  RateLimitService
	validate *validator.Validate
}

func NewRateLimitHandler(service RateLimitService) (*RateLimitHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("rate limit service is required")
	}
	return &RateLimitHandler{
		service:  service,
		validate: validator.New(),
	}, nil
}

func RegisterRateLimitRoutes(router fiber.Router, service RateLimitService) error {
	h, err := NewRateLimitHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/accounts/:id/quota", h.GetQuota)
	v1.Put("/accounts/:id/limits", h.UpdateLimits)
	v1.Post("/accounts/select", h.SelectAccount)
	v1.Get("/users/:userId/usage", h.GetUsage)

	return nil
}

type quotaResponse struct {
	AccountID         string     `json:"accountId"`
	Domain            string     `json:"domain,omitempty"`
	Available         bool       `json:"available"`
	DailyRemaining    int        `json:"dailyRemaining"`
	HourlyRemaining   int        `json:"hourlyRemaining"`
	DomainRemaining   int        `json:"domainRemaining"`
	BurstRemaining    int        `json:"burstRemaining"`
	Reason            string     `json:"reason,omitempty"`
	NextAvailableSlot *time.Time `json:"nextAvailableSlot,omitempty"`
}

type updateLimitsRequest struct {
	DailyLimit       *int     `json:"dailyLimit" validate:"omitempty,min=1,max=50000"`
	HourlyLimit      *int     `json:"hourlyLimit" validate:"omitempty,min=1,max=5000"`
	DomainDailyLimit *int     `json:"domainDailyLimit" validate:"omitempty,min=1"`
	WarmupMode       *bool    `json:"warmupMode"`
	WarmupDailyLimit *int     `json:"warmupDailyLimit" validate:"omitempty,min=1"`
	BurstLimit       *int     `json:"burstLimit" validate:"omitempty,min=1,max=1000"`
	CooldownSeconds  *int     `json:"cooldownSeconds" validate:"omitempty,min=1"`
	RetryMaxAttempts *int     `json:"retryMaxAttempts" validate:"omitempty,min=0,max=10"`
	RetryBaseDelayMs *int64   `json:"retryBaseDelayMs" validate:"omitempty,min=0"`
	RetryMaxDelayMs  *int64   `json:"retryMaxDelayMs" validate:"omitempty,min=0"`
	RetryJitter      *bool    `json:"retryJitter"`
	RetryableErrors  []string `json:"retryableErrors"`
}

type policyResponse struct {
	AccountID        string   `json:"accountId"`
	DailyLimit       int      `json:"dailyLimit"`
	HourlyLimit      int      `json:"hourlyLimit"`
	DomainDailyLimit int      `json:"domainDailyLimit"`
	WarmupMode       bool     `json:"warmupMode"`
	WarmupDailyLimit int      `json:"warmupDailyLimit"`
	BurstLimit       int      `json:"burstLimit"`
	CooldownSeconds  int      `json:"cooldownSeconds"`
	RetryMaxAttempts int      `json:"retryMaxAttempts"`
	RetryBaseDelayMs int64    `json:"retryBaseDelayMs"`
	RetryMaxDelayMs  int64    `json:"retryMaxDelayMs"`
	RetryJitter      bool     `json:"retryJitter"`
	RetryableErrors  []string `json:"retryableErrors,omitempty"`
}

type selectAccountRequest struct {
	UserID   string   `json:"userId" validate:"required"`
	Domain   string   `json:"domain"`
	Strategy string   `json:"strategy"`
	Exclude  []string `json:"exclude"`
}

type selectAccountResponse struct {
	AccountID    string     `json:"accountId"`
	FromEmail    string     `json:"fromEmail"`
	ScheduledFor *time.Time    `json:"scheduledFor,omitempty"`
	Quota        quotaResponse `json:"quota"`
}

type usageReportResponse struct {
	Accounts    []accountUsageItem `json:"accounts"`
	SuccessRate float64            `json:"successRate"`
}

type accountUsageItem struct {
	AccountID    string  `json:"accountId"`
	AccountName  string  `json:"accountName"`
	DailyLimit   int     `json:"dailyLimit"`
	SentToday    int     `json:"sentToday"`
	UsagePercent float64 `json:"usagePercent"`
}

func (h *RateLimitHandler) GetQuota(c *fiber.Ctx) error {
	accountID := strings.TrimSpace(c.Params("id"))
	recipientDomain := strings.TrimSpace(c.Query("domain"))

	quota := h.service.CheckSendingQuota(c.Context(), accountID, recipientDomain)
	return c.Status(fiber.StatusOK).JSON(toQuotaResponse(quota))
}

func (h *RateLimitHandler) UpdateLimits(c *fiber.Ctx) error {
	var req updateLimitsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	update := ratelimit.PolicyUpdate{
		DailyLimit:       req.DailyLimit,
		HourlyLimit:      req.HourlyLimit,
		DomainDailyLimit: req.DomainDailyLimit,
		WarmupMode:       req.WarmupMode,
		WarmupDailyLimit: req.WarmupDailyLimit,
		BurstLimit:       req.BurstLimit,
		RetryMaxAttempts: req.RetryMaxAttempts,
		RetryJitter:      req.RetryJitter,
		RetryableErrors:  req.RetryableErrors,
	}
	if req.CooldownSeconds != nil {
		cooldown := time.Duration(*req.CooldownSeconds) * time.Second
		update.Cooldown = &cooldown
	}
	if req.RetryBaseDelayMs != nil {
		base := time.Duration(*req.RetryBaseDelayMs) * time.Millisecond
		update.RetryBaseDelay = &base
	}
	if req.RetryMaxDelayMs != nil {
		max := time.Duration(*req.RetryMaxDelayMs) * time.Millisecond
		update.RetryMaxDelay = &max
	}

	accountID := strings.TrimSpace(c.Params("id"))
	policy, err := h.service.UpdateConfig(c.Context(), accountID, update)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(policyResponse{
		AccountID:        policy.AccountID,
		DailyLimit:       policy.DailyLimit,
		HourlyLimit:      policy.HourlyLimit,
		DomainDailyLimit: policy.DomainDailyLimit,
		WarmupMode:       policy.WarmupMode,
		WarmupDailyLimit: policy.WarmupDailyLimit,
		BurstLimit:       policy.BurstLimit,
		CooldownSeconds:  int(policy.Cooldown / time.Second),
		RetryMaxAttempts: policy.Retry.MaxAttempts,
		RetryBaseDelayMs: policy.Retry.BaseDelay.Milliseconds(),
		RetryMaxDelayMs:  policy.Retry.MaxDelay.Milliseconds(),
		RetryJitter:      policy.Retry.Jitter,
		RetryableErrors:  policy.Retry.RetryableErrors,
	})
}

func (h *RateLimitHandler) SelectAccount(c *fiber.Ctx) error {
	var req selectAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	strategy, err := ratelimit.ParseStrategyFromString(req.Strategy)
	if err != nil {
		return toHTTPError(err)
	}

	selection, err := h.service.SelectAccount(c.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.Domain), ratelimit.SelectOptions{
		Strategy: strategy,
		Exclude:  req.Exclude,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(selectAccountResponse{
		AccountID:    selection.Account.ID,
		FromEmail:    selection.Account.FromEmail,
		ScheduledFor: selection.ScheduledFor,
		Quota:        toQuotaResponse(selection.Quota),
	})
}

func (h *RateLimitHandler) GetUsage(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	report, err := h.service.Stats(c.Context(), userID)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]accountUsageItem, 0, len(report.Accounts))
	for _, a := range report.Accounts {
		items = append(items, accountUsageItem{
			AccountID:    a.AccountID,
			AccountName:  a.AccountName,
			DailyLimit:   a.DailyLimit,
			SentToday:    a.SentToday,
			UsagePercent: a.UsagePercent,
		})
	}

	return c.Status(fiber.StatusOK).JSON(usageReportResponse{
		Accounts:    items,
		SuccessRate: report.SuccessRate,
	})
}

func toQuotaResponse(q domain.SendingQuota) quotaResponse {
	return quotaResponse{
		AccountID:         q.AccountID,
		Domain:            q.Domain,
		Available:         q.Available,
		DailyRemaining:    q.DailyRemaining,
		HourlyRemaining:   q.HourlyRemaining,
		DomainRemaining:   q.DomainRemaining,
		BurstRemaining:    q.BurstRemaining,
		Reason:            string(q.Reason),
		NextAvailableSlot: q.NextAvailableSlot,
	}
}

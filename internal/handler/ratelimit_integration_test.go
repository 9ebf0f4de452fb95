package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
	"github.com/outboundhq/sequence-engine/internal/transport"
	"go.uber.org/zap"
)

type stubRateLimitService struct {
	quotaFn  func(ctx context.Context, accountID, recipientDomain string) domain.SendingQuota
	selectFn func(ctx context.Context, userID, recipientDomain string, opts ratelimit.SelectOptions) (*ratelimit.Selection, error)
	updateFn func(ctx context.Context, accountID string, update ratelimit.PolicyUpdate) (*domain.RateLimitPolicy, error)
	statsFn  func(ctx context.Context, userID string) (*ratelimit.UsageReport, error)
}

func (s *stubRateLimitService) CheckSendingQuota(ctx context.Context, accountID, recipientDomain string) domain.SendingQuota {
	if s.quotaFn != nil {
		return s.quotaFn(ctx, accountID, recipientDomain)
	}
	return domain.SendingQuota{AccountID: accountID, Domain: recipientDomain, Available: true}
}

func (s *stubRateLimitService) SelectAccount(ctx context.Context, userID, recipientDomain string, opts ratelimit.SelectOptions) (*ratelimit.Selection, error) {
	if s.selectFn != nil {
		return s.selectFn(ctx, userID, recipientDomain, opts)
	}
	return &ratelimit.Selection{
		Account: domain.SendingAccount{ID: "acct-1", FromEmail: "sender@outbound.io"},
		Quota:   domain.SendingQuota{AccountID: "acct-1", Available: true},
	}, nil
}

func (s *stubRateLimitService) UpdateConfig(ctx context.Context, accountID string, update ratelimit.PolicyUpdate) (*domain.RateLimitPolicy, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, accountID, update)
	}
	return &domain.RateLimitPolicy{AccountID: accountID}, nil
}

func (s *stubRateLimitService) Stats(ctx context.Context, userID string) (*ratelimit.UsageReport, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, userID)
	}
	return &ratelimit.UsageReport{}, nil
}

func newRateLimitTestApp(t *testing.T, svc RateLimitService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterRateLimitRoutes(app, svc); err != nil {
		t.Fatalf("RegisterRateLimitRoutes() error = %v", err)
	}

	return app
}

func TestRateLimitIntegration_GetQuota(t *testing.T) {
	t.Parallel()

	slot := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	svc := &stubRateLimitService{
		quotaFn: func(_ context.Context, accountID, recipientDomain string) domain.SendingQuota {
			if recipientDomain != "acme.com" {
				t.Errorf("domain = %s, want acme.com", recipientDomain)
			}
			return domain.SendingQuota{
				AccountID:         accountID,
				Domain:            recipientDomain,
				Available:         false,
				Reason:            domain.DenialDailyExhausted,
				NextAvailableSlot: &slot,
			}
		},
	}
	app := newRateLimitTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/accounts/acct-1/quota?domain=acme.com", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed quotaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Available {
		t.Error("expected unavailable quota")
	}
	if parsed.Reason != string(domain.DenialDailyExhausted) {
		t.Errorf("reason = %s, want daily_exhausted", parsed.Reason)
	}
	if parsed.NextAvailableSlot == nil || !parsed.NextAvailableSlot.Equal(slot) {
		t.Errorf("nextAvailableSlot = %v, want %v", parsed.NextAvailableSlot, slot)
	}
}

func TestRateLimitIntegration_UpdateLimits(t *testing.T) {
	t.Parallel()

	svc := &stubRateLimitService{
		updateFn: func(_ context.Context, accountID string, update ratelimit.PolicyUpdate) (*domain.RateLimitPolicy, error) {
			if update.DailyLimit == nil || *update.DailyLimit != 500 {
				t.Errorf("dailyLimit = %v, want 500", update.DailyLimit)
			}
			if update.HourlyLimit != nil {
				t.Error("unset fields must stay nil")
			}
			if update.Cooldown == nil || *update.Cooldown != 90*time.Second {
				t.Errorf("cooldown = %v, want 90s", update.Cooldown)
			}
			return &domain.RateLimitPolicy{
				AccountID:  accountID,
				DailyLimit: 500,
				Cooldown:   90 * time.Second,
			}, nil
		},
	}
	app := newRateLimitTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPut, "/v1/accounts/acct-1/limits", `{"dailyLimit":500,"cooldownSeconds":90}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed policyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.DailyLimit != 500 || parsed.CooldownSeconds != 90 {
		t.Fatalf("unexpected policy: %+v", parsed)
	}
}

func TestRateLimitIntegration_UpdateLimitsValidation(t *testing.T) {
	t.Parallel()

	app := newRateLimitTestApp(t, &stubRateLimitService{
		updateFn: func(context.Context, string, ratelimit.PolicyUpdate) (*domain.RateLimitPolicy, error) {
			t.Fatal("service must not be called for invalid input")
			return nil, nil
		},
	})

	tests := []struct {
		name string
		body string
	}{
		{"negative daily limit", `{"dailyLimit":-1}`},
		{"daily limit over ceiling", `{"dailyLimit":50001}`},
		{"hourly limit over ceiling", `{"hourlyLimit":5001}`},
		{"burst limit over ceiling", `{"burstLimit":1001}`},
		{"malformed body", `{`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, _ := performRequest(t, app, http.MethodPut, "/v1/accounts/acct-1/limits", tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestRateLimitIntegration_SelectAccount(t *testing.T) {
	t.Parallel()

	svc := &stubRateLimitService{
		selectFn: func(_ context.Context, userID, recipientDomain string, opts ratelimit.SelectOptions) (*ratelimit.Selection, error) {
			if userID != "user-1" {
				t.Errorf("userId = %s, want user-1", userID)
			}
			if opts.Strategy != ratelimit.StrategyRoundRobin {
				t.Errorf("strategy = %s, want round_robin", opts.Strategy)
			}
			if len(opts.Exclude) != 1 || opts.Exclude[0] != "acct-2" {
				t.Errorf("exclude = %v, want [acct-2]", opts.Exclude)
			}
			return &ratelimit.Selection{
				Account: domain.SendingAccount{ID: "acct-1", FromEmail: "sender@outbound.io"},
				Quota:   domain.SendingQuota{AccountID: "acct-1", Available: true, DailyRemaining: 12},
			}, nil
		},
	}
	app := newRateLimitTestApp(t, svc)

	reqBody := `{"userId":"user-1","domain":"acme.com","strategy":"round_robin","exclude":["acct-2"]}`
	resp, body := performRequest(t, app, http.MethodPost, "/v1/accounts/select", reqBody)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed selectAccountResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.AccountID != "acct-1" || parsed.Quota.DailyRemaining != 12 {
		t.Fatalf("unexpected selection: %+v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/accounts/select", `{"userId":"user-1","strategy":"weighted"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown strategy", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/accounts/select", `{"strategy":"least_used"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing userId", resp.StatusCode)
	}
}

func TestRateLimitIntegration_SelectAccountExhausted(t *testing.T) {
	t.Parallel()

	svc := &stubRateLimitService{
		selectFn: func(context.Context, string, string, ratelimit.SelectOptions) (*ratelimit.Selection, error) {
			return nil, domain.ErrNoAccountAvailable
		},
	}
	app := newRateLimitTestApp(t, svc)

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/accounts/select", `{"userId":"user-1"}`)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 when no account is available", resp.StatusCode)
	}
}

func TestRateLimitIntegration_GetUsage(t *testing.T) {
	t.Parallel()

	svc := &stubRateLimitService{
		statsFn: func(_ context.Context, userID string) (*ratelimit.UsageReport, error) {
			if userID != "user-1" {
				t.Errorf("userId = %s, want user-1", userID)
			}
			return &ratelimit.UsageReport{
				Accounts: []domain.AccountUsageStats{
					{AccountID: "acct-1", AccountName: "Primary", DailyLimit: 100, SentToday: 40, UsagePercent: 40},
				},
				SuccessRate: 0.95,
			}, nil
		},
	}
	app := newRateLimitTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/users/user-1/usage", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed usageReportResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Accounts) != 1 || parsed.Accounts[0].UsagePercent != 40 {
		t.Fatalf("unexpected accounts: %+v", parsed.Accounts)
	}
	if parsed.SuccessRate != 0.95 {
		t.Fatalf("successRate = %v, want 0.95", parsed.SuccessRate)
	}
}

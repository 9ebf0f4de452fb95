package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/outboundhq/sequence-engine/internal/domain"
)

type CampaignService interface {
	EnrollContact(ctx context.Context, campaignID, contactID string) (*domain.ContactProgress, error)
	StartCampaign(ctx context.Context, campaignID string) error
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	StopCampaign(ctx context.Context, campaignID string) error
	RecordOpen(ctx context.Context, progressID string, at time.Time) error
	RecordClick(ctx context.Context, progressID string, at time.Time) error
	RecordReply(ctx context.Context, progressID string, at time.Time) error
	RecordBounce(ctx context.Context, progressID string, at time.Time) error
	RecordUnsubscribe(ctx context.Context, progressID string, at time.Time) error
}

type CampaignStatsProvider interface {
	CampaignStats(ctx context.Context, campaignID string) (*domain.CampaignStats, error)
}

type CampaignHandler struct {
	service CampaignService
	stats   CampaignStatsProvider
	now     func() time.Time
}

func NewCampaignHandler(service CampaignService, stats CampaignStatsProvider) (*CampaignHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("campaign service is required")
	}
	if stats == nil {
		return nil, fmt.Errorf("campaign stats provider is required")
	}
	return &CampaignHandler{
		service: service,
		stats:   stats,
		now:     time.Now,
	}, nil
}

func RegisterCampaignRoutes(router fiber.Router, service CampaignService, stats CampaignStatsProvider) error {
	h, err := NewCampaignHandler(service, stats)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/campaigns/:id/start", h.StartCampaign)
	v1.Post("/campaigns/:id/pause", h.PauseCampaign)
	v1.Post("/campaigns/:id/resume", h.ResumeCampaign)
	v1.Post("/campaigns/:id/stop", h.StopCampaign)
	v1.Post("/campaigns/:id/contacts", h.EnrollContact)
	v1.Get("/campaigns/:id/stats", h.GetCampaignStats)
	v1.Post("/progress/:id/events", h.RecordEngagement)

	return nil
}

type enrollContactRequest struct {
	ContactID string `json:"contactId"`
}

type progressResponse struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaignId"`
	ContactID   string `json:"contactId"`
	CurrentStep int    `json:"currentStep"`
	Status      string `json:"status"`
}

type engagementRequest struct {
	Type       string     `json:"type"`
	OccurredAt *time.Time `json:"occurredAt"`
}

type campaignStatsResponse struct {
	CampaignID   string `json:"campaignId"`
	Sent         int    `json:"sent"`
	Opened       int    `json:"opened"`
	Clicked      int    `json:"clicked"`
	Replied      int    `json:"replied"`
	Bounced      int    `json:"bounced"`
	Unsubscribed int    `json:"unsubscribed"`
	Failed       int    `json:"failed"`
}

func (h *CampaignHandler) StartCampaign(c *fiber.Ctx) error {
	return h.transition(c, domain.CampaignActive, h.service.StartCampaign)
}

func (h *CampaignHandler) PauseCampaign(c *fiber.Ctx) error {
	return h.transition(c, domain.CampaignPaused, h.service.PauseCampaign)
}

func (h *CampaignHandler) ResumeCampaign(c *fiber.Ctx) error {
	return h.transition(c, domain.CampaignActive, h.service.ResumeCampaign)
}

func (h *CampaignHandler) StopCampaign(c *fiber.Ctx) error {
	return h.transition(c, domain.CampaignStopped, h.service.StopCampaign)
}

func (h *CampaignHandler) transition(
	c *fiber.Ctx,
	target domain.CampaignStatus,
	fn func(ctx context.Context, campaignID string) error,
) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := fn(c.Context(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"campaignId": id,
		"status":     target.String(),
	})
}

func (h *CampaignHandler) EnrollContact(c *fiber.Ctx) error {
	var req enrollContactRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	contactID := strings.TrimSpace(req.ContactID)
	if contactID == "" {
		return toHTTPError(fmt.Errorf("%w: contactId is required", domain.ErrValidation))
	}

	campaignID := strings.TrimSpace(c.Params("id"))
	progress, err := h.service.EnrollContact(c.Context(), campaignID, contactID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(progressResponse{
		ID:          progress.ID,
		CampaignID:  progress.CampaignID,
		ContactID:   progress.ContactID,
		CurrentStep: progress.CurrentStep,
		Status:      progress.Status.String(),
	})
}

func (h *CampaignHandler) GetCampaignStats(c *fiber.Ctx) error {
	campaignID := strings.TrimSpace(c.Params("id"))
	stats, err := h.stats.CampaignStats(c.Context(), campaignID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(campaignStatsResponse{
		CampaignID:   stats.CampaignID,
		Sent:         stats.Sent,
		Opened:       stats.Opened,
		Clicked:      stats.Clicked,
		Replied:      stats.Replied,
		Bounced:      stats.Bounced,
		Unsubscribed: stats.Unsubscribed,
		Failed:       stats.Failed,
	})
}

// RecordEngagement ingests tracking callbacks (opens, clicks, replies,
// bounces, unsubscribes) for one contact's progress.
func (h *CampaignHandler) RecordEngagement(c *fiber.Ctx) error {
	var req engagementRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	eventType, err := domain.ParseEventTypeFromString(req.Type)
	if err != nil {
		return toHTTPError(err)
	}

	at := h.now().UTC()
	if req.OccurredAt != nil {
		at = req.OccurredAt.UTC()
	}

	progressID := strings.TrimSpace(c.Params("id"))
	switch eventType {
	case domain.EventOpened:
		err = h.service.RecordOpen(c.Context(), progressID, at)
	case domain.EventClicked:
		err = h.service.RecordClick(c.Context(), progressID, at)
	case domain.EventReplied:
		err = h.service.RecordReply(c.Context(), progressID, at)
	case domain.EventBounced:
		err = h.service.RecordBounce(c.Context(), progressID, at)
	case domain.EventUnsubscribed:
		err = h.service.RecordUnsubscribe(c.Context(), progressID, at)
	default:
		err = fmt.Errorf("%w: event type %q cannot be reported", domain.ErrValidation, req.Type)
	}
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"progressId": progressID,
		"type":       eventType.String(),
	})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrCampaignInactive),
		errors.Is(err, domain.ErrNoAccountAvailable):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/wavelinehq/waveline/internal/campaign"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/zerodha/fastglue"
	"gorm.io/gorm"
)

// CreateCampaignRequest is the create campaign payload
type CreateCampaignRequest struct {
	Name           string                 `json:"name"`
	TemplateName   string                 `json:"template_name"`
	Language       string                 `json:"language"`
	TemplateParams map[string]interface{} `json:"template_params"`
	DailyLimit     int                    `json:"daily_limit"`
}

// CreateCampaign creates a draft campaign
func (a *App) CreateCampaign(r *fastglue.Request) error {
	var req CreateCampaignRequest
	if err := json.Unmarshal(r.RequestCtx.PostBody(), &req); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if req.Name == "" || req.TemplateName == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Name and template_name are required", nil, "")
	}

	c := models.Campaign{
		Name:           req.Name,
		TemplateName:   req.TemplateName,
		Language:       req.Language,
		TemplateParams: models.JSONB(req.TemplateParams),
		DailyLimit:     req.DailyLimit,
		Status:         models.CampaignStatusDraft,
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = a.Config.Campaigns.DailySendLimit
	}

	if err := a.DB.Create(&c).Error; err != nil {
		a.Log.Error("failed to create campaign", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to create campaign", nil, "")
	}

	a.Log.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	return r.SendEnvelope(c)
}

// GetCampaign returns one campaign with its daily schedules
func (a *App) GetCampaign(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}

	var c models.Campaign
	if err := a.DB.First(&c, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}

	var schedules []models.DailySchedule
	if err := a.DB.Where("campaign_id = ?", id).Order("send_date ASC").Find(&schedules).Error; err != nil {
		a.Log.Error("failed to load schedules", "campaign_id", id, "error", err)
	}

	return r.SendEnvelope(map[string]interface{}{
		"campaign":  c,
		"schedules": schedules,
	})
}

// ListCampaigns returns campaigns, optionally filtered by status
func (a *App) ListCampaigns(r *fastglue.Request) error {
	p := parsePagination(r)

	q := a.DB.Model(&models.Campaign{})
	if status := string(r.RequestCtx.QueryArgs().Peek("status")); status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to count campaigns", nil, "")
	}

	var campaigns []models.Campaign
	if err := q.Order("created_at DESC").Offset(p.Offset).Limit(p.Limit).Find(&campaigns).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list campaigns", nil, "")
	}

	return r.SendEnvelope(map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
		"page":      p.Page,
		"limit":     p.Limit,
	})
}

// ImportRecipientsRequest is the recipient import payload
type ImportRecipientsRequest struct {
	Phones []string `json:"phones"`
}

// ImportRecipients adds phone numbers to a draft campaign
func (a *App) ImportRecipients(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}

	var req ImportRecipientsRequest
	if err := json.Unmarshal(r.RequestCtx.PostBody(), &req); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if len(req.Phones) == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "No phone numbers provided", nil, "")
	}

	added, skipped, err := a.Campaigns.AddRecipients(id, req.Phones)
	if err != nil {
		return a.campaignError(r, err, "Failed to import recipients")
	}

	return r.SendEnvelope(map[string]int{
		"added":   added,
		"skipped": skipped,
	})
}

// ActivateCampaignRequest is the activation payload. StartDate is optional
// YYYY-MM-DD; empty means today.
type ActivateCampaignRequest struct {
	StartDate string `json:"start_date"`
}

// ActivateCampaign partitions recipients into daily batches and starts the campaign
func (a *App) ActivateCampaign(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}

	start := time.Now()
	var req ActivateCampaignRequest
	if body := r.RequestCtx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
		}
		if req.StartDate != "" {
			parsed, err := time.Parse("2006-01-02", req.StartDate)
			if err != nil {
				return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid start_date, expected YYYY-MM-DD", nil, "")
			}
			start = parsed
		}
	}

	if err := a.Campaigns.Activate(id, start); err != nil {
		return a.campaignError(r, err, "Failed to activate campaign")
	}

	var c models.Campaign
	if err := a.DB.First(&c, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	}
	return r.SendEnvelope(c)
}

// PauseCampaign pauses an active campaign
func (a *App) PauseCampaign(r *fastglue.Request) error {
	return a.transitionCampaign(r, a.Campaigns.Pause, models.CampaignStatusPaused)
}

// ResumeCampaign resumes a paused campaign
func (a *App) ResumeCampaign(r *fastglue.Request) error {
	return a.transitionCampaign(r, a.Campaigns.Resume, models.CampaignStatusActive)
}

// CancelCampaign permanently stops a campaign
func (a *App) CancelCampaign(r *fastglue.Request) error {
	return a.transitionCampaign(r, a.Campaigns.Cancel, models.CampaignStatusCancelled)
}

func (a *App) transitionCampaign(r *fastglue.Request, fn func(id uuid.UUID) error, to string) error {
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	if err := fn(id); err != nil {
		return a.campaignError(r, err, "Failed to update campaign")
	}
	return r.SendEnvelope(map[string]string{"status": to})
}

// ProcessDailySchedules triggers the daily send pass for a date (default today)
func (a *App) ProcessDailySchedules(r *fastglue.Request) error {
	date := time.Now()
	if d, ok := parseDateParam(r, "date"); ok {
		date = d
	}

	if err := a.Campaigns.ProcessDay(r.RequestCtx, date); err != nil {
		a.Log.Error("daily processing failed", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Daily processing failed", nil, "")
	}
	return r.SendEnvelope(map[string]string{
		"status": "processed",
		"date":   date.Format("2006-01-02"),
	})
}

// campaignError maps scheduler errors onto HTTP status codes
func (a *App) campaignError(r *fastglue.Request, err error, fallback string) error {
	switch {
	case errors.Is(err, campaign.ErrNotDraft):
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Campaign is not in draft state", nil, "")
	case errors.Is(err, campaign.ErrNoRecipients):
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Campaign has no recipients", nil, "")
	case errors.Is(err, campaign.ErrBadTransition):
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Invalid campaign status transition", nil, "")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Campaign not found", nil, "")
	default:
		a.Log.Error("campaign operation failed", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, fallback, nil, "")
	}
}

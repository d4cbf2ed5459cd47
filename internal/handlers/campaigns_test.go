package handlers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/wavelinehq/waveline/internal/campaign"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/handlers"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/test/testutil"
)

// campaignTestApp wires an App for the campaign admin endpoints. No Redis
// needed; the scheduler talks to a fake queue.
func campaignTestApp(t *testing.T) (*handlers.App, *fakeQueue) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	log := testutil.NopLogger()
	q := newFakeQueue()

	cfg := &config.Config{}
	cfg.Campaigns.DailySendLimit = 250
	cfg.Campaigns.MaxRetries = 3

	return &handlers.App{
		Config:    cfg,
		DB:        db,
		Log:       log,
		Queue:     q,
		Campaigns: campaign.NewScheduler(db, q, cfg.Campaigns, log),
	}, q
}

func createDraftCampaign(t *testing.T, app *handlers.App) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:         "launch",
		TemplateName: "spring_promo",
		Language:     "en",
		DailyLimit:   2,
		Status:       models.CampaignStatusDraft,
	}
	require.NoError(t, app.DB.Create(c).Error)
	return c
}

func TestCreateCampaign(t *testing.T) {
	app, _ := campaignTestApp(t)

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"name":            "launch",
		"template_name":   "spring_promo",
		"template_params": map[string]string{"1": "20%"},
	})
	require.NoError(t, app.CreateCampaign(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	var c models.Campaign
	testutil.ParseEnvelopeResponse(t, req, &c)
	assert.Equal(t, models.CampaignStatusDraft, c.Status)
	assert.Equal(t, "en", c.Language, "language defaults")
	assert.Equal(t, 250, c.DailyLimit, "daily limit defaults to config")
}

func TestCreateCampaignMissingName(t *testing.T) {
	app, _ := campaignTestApp(t)

	req := testutil.NewJSONRequest(t, map[string]interface{}{"template_name": "x"})
	require.NoError(t, app.CreateCampaign(req))
	assert.Equal(t, fasthttp.StatusBadRequest, testutil.GetResponseStatusCode(req))
}

func TestListCampaignsFilterByStatus(t *testing.T) {
	app, _ := campaignTestApp(t)
	createDraftCampaign(t, app)
	c2 := createDraftCampaign(t, app)
	require.NoError(t, app.DB.Model(c2).Update("status", models.CampaignStatusActive).Error)

	req := testutil.NewGETRequest(t)
	testutil.SetQueryParam(req, "status", models.CampaignStatusDraft)
	require.NoError(t, app.ListCampaigns(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	var resp struct {
		Campaigns []models.Campaign `json:"campaigns"`
		Total     int64             `json:"total"`
	}
	testutil.ParseEnvelopeResponse(t, req, &resp)
	assert.EqualValues(t, 1, resp.Total)
	require.Len(t, resp.Campaigns, 1)
	assert.Equal(t, models.CampaignStatusDraft, resp.Campaigns[0].Status)
}

func TestImportRecipients(t *testing.T) {
	app, _ := campaignTestApp(t)
	c := createDraftCampaign(t, app)

	req := testutil.NewJSONRequest(t, map[string]interface{}{
		"phones": []string{"+15550000001", "15550000001", "15550000002"},
	})
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.ImportRecipients(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	var resp map[string]int
	testutil.ParseEnvelopeResponse(t, req, &resp)
	assert.Equal(t, 2, resp["added"])
	assert.Equal(t, 1, resp["skipped"])
}

func TestImportRecipientsNonDraft(t *testing.T) {
	app, _ := campaignTestApp(t)
	c := createDraftCampaign(t, app)
	require.NoError(t, app.DB.Model(c).Update("status", models.CampaignStatusActive).Error)

	req := testutil.NewJSONRequest(t, map[string]interface{}{"phones": []string{"15550000001"}})
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.ImportRecipients(req))
	assert.Equal(t, fasthttp.StatusBadRequest, testutil.GetResponseStatusCode(req))
}

func TestActivateCampaign(t *testing.T) {
	app, _ := campaignTestApp(t)
	c := createDraftCampaign(t, app)

	_, _, err := app.Campaigns.AddRecipients(c.ID, []string{"15550000001", "15550000002", "15550000003"})
	require.NoError(t, err)

	req := testutil.NewJSONRequest(t, map[string]string{"start_date": "2026-08-24"})
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.ActivateCampaign(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	var activated models.Campaign
	testutil.ParseEnvelopeResponse(t, req, &activated)
	assert.Equal(t, models.CampaignStatusActive, activated.Status)

	var schedules int64
	require.NoError(t, app.DB.Model(&models.DailySchedule{}).Where("campaign_id = ?", c.ID).Count(&schedules).Error)
	assert.EqualValues(t, 2, schedules, "3 recipients with daily limit 2")
}

func TestActivateCampaignWithoutRecipients(t *testing.T) {
	app, _ := campaignTestApp(t)
	c := createDraftCampaign(t, app)

	req := testutil.NewJSONRequest(t, nil)
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.ActivateCampaign(req))
	testutil.AssertErrorResponse(t, req, fasthttp.StatusBadRequest, "no recipients")
}

func TestCampaignLifecycleTransitions(t *testing.T) {
	app, _ := campaignTestApp(t)
	c := createDraftCampaign(t, app)
	require.NoError(t, app.DB.Model(c).Update("status", models.CampaignStatusActive).Error)

	req := testutil.NewJSONRequest(t, nil)
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.PauseCampaign(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	// Pausing again conflicts
	req = testutil.NewJSONRequest(t, nil)
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.PauseCampaign(req))
	assert.Equal(t, fasthttp.StatusConflict, testutil.GetResponseStatusCode(req))

	req = testutil.NewJSONRequest(t, nil)
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.ResumeCampaign(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	req = testutil.NewJSONRequest(t, nil)
	testutil.SetPathParam(req, "id", c.ID.String())
	require.NoError(t, app.CancelCampaign(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	var final models.Campaign
	require.NoError(t, app.DB.First(&final, "id = ?", c.ID).Error)
	assert.Equal(t, models.CampaignStatusCancelled, final.Status)
}

func TestProcessDailySchedulesEndpoint(t *testing.T) {
	app, q := campaignTestApp(t)
	c := createDraftCampaign(t, app)

	_, _, err := app.Campaigns.AddRecipients(c.ID, []string{"15550000001", "15550000002"})
	require.NoError(t, err)
	require.NoError(t, app.Campaigns.Activate(c.ID, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)))

	req := testutil.NewJSONRequest(t, nil)
	testutil.SetQueryParam(req, "date", "2026-08-24")
	require.NoError(t, app.ProcessDailySchedules(req))
	require.Equal(t, fasthttp.StatusOK, testutil.GetResponseStatusCode(req))

	assert.Equal(t, 2, q.laneCount(queue.LaneOutgoing))
}

func TestGetCampaignNotFound(t *testing.T) {
	app, _ := campaignTestApp(t)

	req := testutil.NewGETRequest(t)
	testutil.SetPathParam(req, "id", "b7a6a1de-0000-0000-0000-000000000000")
	require.NoError(t, app.GetCampaign(req))
	assert.Equal(t, fasthttp.StatusNotFound, testutil.GetResponseStatusCode(req))
}

package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/test/testutil"
	"gorm.io/gorm"
)

type fakeQueue struct {
	sent    []queue.OutgoingJob
	events  []queue.AnalyticsEvent
	failAll bool
}

func (f *fakeQueue) Send(_ context.Context, lane queue.Lane, payload interface{}, _ map[string]string) (string, error) {
	if lane == queue.LaneAnalytics {
		f.events = append(f.events, payload.(queue.AnalyticsEvent))
		return uuid.NewString(), nil
	}
	if f.failAll {
		return "", fmt.Errorf("redis down")
	}
	f.sent = append(f.sent, payload.(queue.OutgoingJob))
	return uuid.NewString(), nil
}

func (f *fakeQueue) Receive(context.Context, queue.Lane, int, time.Duration, time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}
func (f *fakeQueue) Delete(context.Context, queue.Lane, string) error { return nil }
func (f *fakeQueue) ExtendVisibility(context.Context, queue.Lane, string, time.Duration) error {
	return nil
}
func (f *fakeQueue) Attributes(context.Context, queue.Lane) (*queue.LaneStats, error) {
	return &queue.LaneStats{}, nil
}

func testScheduler(t *testing.T) (*Scheduler, *gorm.DB, *fakeQueue) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	q := &fakeQueue{}
	cfg := config.CampaignConfig{DailySendLimit: 250, MaxRetries: 3}
	return NewScheduler(db, q, cfg, testutil.NopLogger()), db, q
}

func createCampaign(t *testing.T, db *gorm.DB, dailyLimit int) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:         "launch",
		TemplateName: "spring_promo",
		Language:     "en",
		DailyLimit:   dailyLimit,
		Status:       models.CampaignStatusDraft,
		TemplateParams: models.JSONB{
			"1": "20%",
		},
	}
	require.NoError(t, db.Create(c).Error)
	return c
}

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("1555000%04d", i)
	}
	return out
}

func reload(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Campaign {
	t.Helper()
	var c models.Campaign
	require.NoError(t, db.First(&c, "id = ?", id).Error)
	return &c
}

func TestAddRecipientsDedupes(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 2)

	added, skipped, err := s.AddRecipients(c.ID, []string{"+15550000001", "15550000001", "15550000002"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, skipped, "in-batch duplicate after normalization")

	// Re-import against the unique index
	added, skipped, err = s.AddRecipients(c.ID, []string{"15550000002", "15550000003"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, skipped)

	c = reload(t, db, c.ID)
	assert.Equal(t, 3, c.TotalTarget)
	assert.Equal(t, 3, c.PendingCount)
}

func TestAddRecipientsRequiresDraft(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 2)
	require.NoError(t, db.Model(c).Update("status", models.CampaignStatusActive).Error)

	_, _, err := s.AddRecipients(c.ID, []string{"15550000001"})
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestActivatePartitionsIntoDailyBatches(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 2)
	_, _, err := s.AddRecipients(c.ID, phones(5))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))

	var schedules []models.DailySchedule
	require.NoError(t, db.Where("campaign_id = ?", c.ID).Order("send_date ASC").Find(&schedules).Error)
	require.Len(t, schedules, 3, "ceil(5/2) days")
	assert.Equal(t, 2, schedules[0].BatchSize)
	assert.Equal(t, 2, schedules[1].BatchSize)
	assert.Equal(t, 1, schedules[2].BatchSize)
	assert.True(t, schedules[0].SendDate.Equal(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)))
	assert.True(t, schedules[2].SendDate.Equal(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)))

	c = reload(t, db, c.ID)
	assert.Equal(t, models.CampaignStatusActive, c.Status)
	require.NotNil(t, c.ScheduledEnd)
	assert.True(t, c.ScheduledEnd.Equal(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)))

	// Second activation is a no-op
	require.NoError(t, s.Activate(c.ID, start))
	var count int64
	require.NoError(t, db.Model(&models.DailySchedule{}).Where("campaign_id = ?", c.ID).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestActivateEmptyCampaign(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 2)
	assert.ErrorIs(t, s.Activate(c.ID, time.Now()), ErrNoRecipients)
}

func TestProcessDayQueuesBatch(t *testing.T) {
	s, db, q := testScheduler(t)
	c := createCampaign(t, db, 2)
	_, _, err := s.AddRecipients(c.ID, phones(3))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))
	require.NoError(t, s.ProcessDay(context.Background(), start))

	require.Len(t, q.sent, 2, "first day's batch only")
	job := q.sent[0]
	assert.Equal(t, queue.OutgoingTemplate, job.Kind)
	assert.Equal(t, "spring_promo", job.Template.Name)
	assert.Equal(t, "en", job.Template.Language)
	assert.Equal(t, []string{"20%"}, job.Template.BodyParams)
	assert.Equal(t, queue.SourceCampaign, job.Meta.Source)
	require.NotNil(t, job.Meta.CampaignID)
	assert.Equal(t, c.ID, *job.Meta.CampaignID)

	var queued int64
	require.NoError(t, db.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND status = ?", c.ID, models.RecipientStatusQueued).Count(&queued).Error)
	assert.EqualValues(t, 2, queued)

	c = reload(t, db, c.ID)
	assert.Equal(t, 1, c.PendingCount)

	var schedule models.DailySchedule
	require.NoError(t, db.First(&schedule, "campaign_id = ? AND send_date = ?", c.ID, start).Error)
	assert.Equal(t, models.ScheduleStatusCompleted, schedule.Status)
	assert.Equal(t, 2, schedule.MessagesSent)
}

func TestProcessDaySkipsUnsubscribed(t *testing.T) {
	s, db, q := testScheduler(t)
	c := createCampaign(t, db, 10)

	require.NoError(t, db.Create(&models.User{
		Phone: "15550000001", Subscription: models.SubscriptionUnsubscribed, IsActive: models.Bool(true),
	}).Error)

	_, _, err := s.AddRecipients(c.ID, []string{"15550000001", "15550000002"})
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))
	require.NoError(t, s.ProcessDay(context.Background(), start))

	assert.Len(t, q.sent, 1)

	var skippedRec models.CampaignRecipient
	require.NoError(t, db.First(&skippedRec, "campaign_id = ? AND phone = ?", c.ID, "15550000001").Error)
	assert.Equal(t, models.RecipientStatusSkipped, skippedRec.Status)
	assert.Equal(t, "user unsubscribed", skippedRec.FailureReason)

	c = reload(t, db, c.ID)
	assert.Equal(t, 1, c.SkippedCount)
	assert.Equal(t, 0, c.PendingCount)
}

func TestProcessDayIgnoresPausedCampaign(t *testing.T) {
	s, db, q := testScheduler(t)
	c := createCampaign(t, db, 10)
	_, _, err := s.AddRecipients(c.ID, phones(2))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))
	require.NoError(t, s.Pause(c.ID))

	require.NoError(t, s.ProcessDay(context.Background(), start))
	assert.Empty(t, q.sent)

	// Schedule stays pending so a resume can pick it up
	var schedule models.DailySchedule
	require.NoError(t, db.First(&schedule, "campaign_id = ?", c.ID).Error)
	assert.Equal(t, models.ScheduleStatusPending, schedule.Status)
}

func TestProcessDayRetriesFailedUntilExhausted(t *testing.T) {
	s, db, q := testScheduler(t)
	c := createCampaign(t, db, 5)
	_, _, err := s.AddRecipients(c.ID, phones(2))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))

	// One recipient failed on an earlier day, one exhausted its retries.
	var recs []models.CampaignRecipient
	require.NoError(t, db.Where("campaign_id = ?", c.ID).Order("created_at ASC, id ASC").Find(&recs).Error)
	require.NoError(t, db.Model(&recs[0]).Updates(map[string]interface{}{
		"status": models.RecipientStatusFailed, "retry_count": 1, "scheduled_send_date": start.AddDate(0, 0, -1),
	}).Error)
	require.NoError(t, db.Model(&recs[1]).Updates(map[string]interface{}{
		"status": models.RecipientStatusFailed, "retry_count": 3, "scheduled_send_date": start.AddDate(0, 0, -1),
	}).Error)

	require.NoError(t, s.ProcessDay(context.Background(), start))

	require.Len(t, q.sent, 1)
	assert.Equal(t, recs[0].Phone, q.sent[0].Phone)

	var exhausted models.CampaignRecipient
	require.NoError(t, db.First(&exhausted, "id = ?", recs[1].ID).Error)
	assert.Equal(t, models.RecipientStatusFailed, exhausted.Status)
}

func TestMarkSentAndCompletion(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 5)
	_, _, err := s.AddRecipients(c.ID, phones(1))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))
	require.NoError(t, s.ProcessDay(context.Background(), start))

	var rec models.CampaignRecipient
	require.NoError(t, db.First(&rec, "campaign_id = ?", c.ID).Error)
	require.Equal(t, models.RecipientStatusQueued, rec.Status)

	require.NoError(t, s.MarkSent(rec.ID, "wamid.ABC", time.Now()))

	rec = models.CampaignRecipient{}
	require.NoError(t, db.First(&rec, "campaign_id = ?", c.ID).Error)
	assert.Equal(t, models.RecipientStatusSent, rec.Status)
	assert.Equal(t, "wamid.ABC", rec.WhatsAppMessageID)
	require.NotNil(t, rec.SentAt)

	c = reload(t, db, c.ID)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, models.CampaignStatusCompleted, c.Status, "no open recipients left")
}

func TestApplyStatusMonotonic(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 5)
	_, _, err := s.AddRecipients(c.ID, phones(1))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))
	require.NoError(t, s.ProcessDay(context.Background(), start))

	var rec models.CampaignRecipient
	require.NoError(t, db.First(&rec, "campaign_id = ?", c.ID).Error)
	require.NoError(t, s.MarkSent(rec.ID, "wamid.XYZ", time.Now()))

	require.NoError(t, s.ApplyStatus("wamid.XYZ", models.RecipientStatusRead, time.Now(), ""))

	rec = models.CampaignRecipient{}
	require.NoError(t, db.First(&rec, "campaign_id = ?", c.ID).Error)
	assert.Equal(t, models.RecipientStatusRead, rec.Status)
	require.NotNil(t, rec.DeliveredAt, "read implies delivered")

	// Late delivered receipt must not downgrade
	require.NoError(t, s.ApplyStatus("wamid.XYZ", models.RecipientStatusDelivered, time.Now(), ""))
	rec = models.CampaignRecipient{}
	require.NoError(t, db.First(&rec, "campaign_id = ?", c.ID).Error)
	assert.Equal(t, models.RecipientStatusRead, rec.Status)

	c = reload(t, db, c.ID)
	assert.Equal(t, 1, c.DeliveredCount)
	assert.Equal(t, 1, c.ReadCount)

	// Unknown message IDs are ignored
	assert.NoError(t, s.ApplyStatus("wamid.UNKNOWN", models.RecipientStatusDelivered, time.Now(), ""))
}

func TestStatusTransitionsKeepCountersAligned(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 5)
	_, _, err := s.AddRecipients(c.ID, phones(2))
	require.NoError(t, err)

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Activate(c.ID, start))
	require.NoError(t, s.ProcessDay(context.Background(), start))

	var recs []models.CampaignRecipient
	require.NoError(t, db.Where("campaign_id = ?", c.ID).Order("created_at ASC, id ASC").Find(&recs).Error)
	require.Len(t, recs, 2)

	// One recipient delivers, the other exhausts its send attempts.
	require.NoError(t, s.MarkSent(recs[0].ID, "wamid.A", time.Now()))
	require.NoError(t, s.MarkSendFailed(recs[1].ID, "network error"))
	require.NoError(t, s.ApplyStatus("wamid.A", models.RecipientStatusDelivered, time.Now(), ""))
	require.NoError(t, s.ApplyStatus("wamid.A", models.RecipientStatusRead, time.Now(), ""))

	c = reload(t, db, c.ID)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.DeliveredCount)
	assert.Equal(t, 1, c.ReadCount)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 0, c.PendingCount)
	assert.Equal(t, c.TotalTarget, c.SentCount+c.FailedCount+c.PendingCount+c.SkippedCount)
	assert.GreaterOrEqual(t, c.SentCount, c.DeliveredCount)
	assert.GreaterOrEqual(t, c.DeliveredCount, c.ReadCount)

	// Replayed receipts change neither status nor counters.
	require.NoError(t, s.ApplyStatus("wamid.A", models.RecipientStatusRead, time.Now(), ""))
	c = reload(t, db, c.ID)
	assert.Equal(t, 1, c.ReadCount)
}

func TestCancelGating(t *testing.T) {
	s, db, _ := testScheduler(t)
	c := createCampaign(t, db, 5)

	require.NoError(t, s.Cancel(c.ID))
	assert.Equal(t, models.CampaignStatusCancelled, reload(t, db, c.ID).Status)

	// Cancelling again is an invalid transition
	assert.ErrorIs(t, s.Cancel(c.ID), ErrBadTransition)
	assert.ErrorIs(t, s.Resume(c.ID), ErrBadTransition)
}

// Package campaign implements the rate-limited campaign scheduler: recipient
// import, activation into daily batches, the daily send pass, and recipient
// status bookkeeping driven by delivery receipts.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/userutil"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

var (
	// ErrNotDraft is returned when activation or import hits a campaign
	// that has already left the draft state.
	ErrNotDraft = errors.New("campaign is not in draft state")
	// ErrNoRecipients is returned when activating an empty campaign.
	ErrNoRecipients = errors.New("campaign has no recipients")
	// ErrBadTransition is returned for pause/resume/cancel on the wrong state.
	ErrBadTransition = errors.New("invalid campaign status transition")
)

// Scheduler coordinates campaign sends
type Scheduler struct {
	db  *gorm.DB
	q   queue.Queue
	cfg config.CampaignConfig
	log logf.Logger
}

// NewScheduler creates a campaign scheduler
func NewScheduler(db *gorm.DB, q queue.Queue, cfg config.CampaignConfig, log logf.Logger) *Scheduler {
	return &Scheduler{db: db, q: q, cfg: cfg, log: log}
}

// AddRecipients imports phone numbers into a draft campaign. Duplicates,
// both within the batch and against already-imported rows, are skipped.
// Returns how many were added and how many skipped.
func (s *Scheduler) AddRecipients(campaignID uuid.UUID, phones []string) (added, skipped int, err error) {
	var c models.Campaign
	if err := s.db.First(&c, "id = ?", campaignID).Error; err != nil {
		return 0, 0, fmt.Errorf("campaign not found: %w", err)
	}
	if c.Status != models.CampaignStatusDraft {
		return 0, 0, ErrNotDraft
	}

	seen := make(map[string]bool, len(phones))
	for _, raw := range phones {
		phone := userutil.NormalizePhone(raw)
		if phone == "" || seen[phone] {
			skipped++
			continue
		}
		seen[phone] = true

		rec := models.CampaignRecipient{
			CampaignID: campaignID,
			Phone:      phone,
			Status:     models.RecipientStatusPending,
		}
		if err := s.db.Create(&rec).Error; err != nil {
			// Unique (campaign_id, phone) index: already imported.
			skipped++
			continue
		}
		added++
	}

	if added > 0 {
		if err := s.db.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(map[string]interface{}{
			"total_target":  gorm.Expr("total_target + ?", added),
			"pending_count": gorm.Expr("pending_count + ?", added),
		}).Error; err != nil {
			return added, skipped, fmt.Errorf("failed to update campaign counters: %w", err)
		}
	}

	s.log.Info("recipients imported", "campaign_id", campaignID, "added", added, "skipped", skipped)
	return added, skipped, nil
}

// Activate partitions a draft campaign's pending recipients into daily
// batches of at most the daily limit, starting at start. Activating an
// already-active campaign is a no-op.
func (s *Scheduler) Activate(campaignID uuid.UUID, start time.Time) error {
	var c models.Campaign
	if err := s.db.First(&c, "id = ?", campaignID).Error; err != nil {
		return fmt.Errorf("campaign not found: %w", err)
	}
	if c.Status == models.CampaignStatusActive {
		return nil
	}
	if c.Status != models.CampaignStatusDraft {
		return ErrNotDraft
	}

	var recipients []models.CampaignRecipient
	if err := s.db.Where("campaign_id = ? AND status = ?", campaignID, models.RecipientStatusPending).
		Order("created_at ASC, id ASC").
		Find(&recipients).Error; err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	limit := c.DailyLimit
	if limit <= 0 {
		limit = s.cfg.DailySendLimit
	}
	days := int(math.Ceil(float64(len(recipients)) / float64(limit)))
	startDate := dateOf(start)

	var lastDate time.Time
	for day := 0; day < days; day++ {
		lo := day * limit
		hi := lo + limit
		if hi > len(recipients) {
			hi = len(recipients)
		}
		chunk := recipients[lo:hi]
		sendDate := startDate.AddDate(0, 0, day)
		lastDate = sendDate

		ids := make([]uuid.UUID, 0, len(chunk))
		for _, r := range chunk {
			ids = append(ids, r.ID)
		}
		if err := s.db.Model(&models.CampaignRecipient{}).Where("id IN ?", ids).
			Update("scheduled_send_date", sendDate).Error; err != nil {
			return fmt.Errorf("failed to schedule recipients: %w", err)
		}

		schedule := models.DailySchedule{
			CampaignID: campaignID,
			SendDate:   sendDate,
			BatchSize:  len(chunk),
			Status:     models.ScheduleStatusPending,
		}
		if err := s.db.Create(&schedule).Error; err != nil {
			return fmt.Errorf("failed to create daily schedule: %w", err)
		}
	}

	if err := s.db.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(map[string]interface{}{
		"status":          models.CampaignStatusActive,
		"scheduled_start": startDate,
		"scheduled_end":   lastDate,
	}).Error; err != nil {
		return fmt.Errorf("failed to activate campaign: %w", err)
	}

	s.log.Info("campaign activated", "campaign_id", campaignID, "recipients", len(recipients), "days", days, "daily_limit", limit)
	return nil
}

// Pause stops an active campaign's daily processing
func (s *Scheduler) Pause(campaignID uuid.UUID) error {
	return s.transition(campaignID, models.CampaignStatusActive, models.CampaignStatusPaused)
}

// Resume returns a paused campaign to active
func (s *Scheduler) Resume(campaignID uuid.UUID) error {
	return s.transition(campaignID, models.CampaignStatusPaused, models.CampaignStatusActive)
}

// Cancel permanently stops a campaign
func (s *Scheduler) Cancel(campaignID uuid.UUID) error {
	res := s.db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaignID, []string{
			models.CampaignStatusDraft, models.CampaignStatusActive, models.CampaignStatusPaused,
		}).
		Update("status", models.CampaignStatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	return nil
}

func (s *Scheduler) transition(campaignID uuid.UUID, from, to string) error {
	res := s.db.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	return nil
}

// ProcessDay runs every schedule due on the given date: enqueues the day's
// batch to the outgoing lane, retries eligible failed recipients up to the
// retry limit, and skips unsubscribed users. Paused and cancelled campaigns
// are left untouched.
func (s *Scheduler) ProcessDay(ctx context.Context, date time.Time) error {
	day := dateOf(date)

	var schedules []models.DailySchedule
	if err := s.db.Where("send_date = ? AND status IN ?", day, []string{
		models.ScheduleStatusPending, models.ScheduleStatusProcessing,
	}).Find(&schedules).Error; err != nil {
		return fmt.Errorf("failed to load daily schedules: %w", err)
	}

	for i := range schedules {
		if err := s.processSchedule(ctx, &schedules[i], day); err != nil {
			s.log.Error("daily schedule failed", "campaign_id", schedules[i].CampaignID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) processSchedule(ctx context.Context, schedule *models.DailySchedule, day time.Time) error {
	var c models.Campaign
	if err := s.db.First(&c, "id = ?", schedule.CampaignID).Error; err != nil {
		return fmt.Errorf("campaign not found: %w", err)
	}
	if c.Status != models.CampaignStatusActive {
		s.log.Debug("skipping schedule for inactive campaign", "campaign_id", c.ID, "status", c.Status)
		return nil
	}

	if err := s.db.Model(schedule).Update("status", models.ScheduleStatusProcessing).Error; err != nil {
		return err
	}

	var recipients []models.CampaignRecipient
	if err := s.db.Where("campaign_id = ? AND status = ? AND scheduled_send_date = ?",
		c.ID, models.RecipientStatusPending, day).
		Order("created_at ASC, id ASC").
		Limit(schedule.BatchSize).
		Find(&recipients).Error; err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}

	// Spare capacity goes to retrying earlier failures.
	if remaining := schedule.BatchSize - len(recipients); remaining > 0 {
		var failed []models.CampaignRecipient
		if err := s.db.Where("campaign_id = ? AND status = ? AND retry_count < ?",
			c.ID, models.RecipientStatusFailed, s.cfg.MaxRetries).
			Order("created_at ASC, id ASC").
			Limit(remaining).
			Find(&failed).Error; err != nil {
			return fmt.Errorf("failed to load retry candidates: %w", err)
		}
		for i := range failed {
			rec := &failed[i]
			err := s.db.Transaction(func(tx *gorm.DB) error {
				if err := tx.Model(rec).Updates(map[string]interface{}{
					"status":              models.RecipientStatusPending,
					"scheduled_send_date": day,
					"failure_reason":      "",
				}).Error; err != nil {
					return err
				}
				return adjustCounters(tx, c.ID, map[string]int{"failed_count": -1, "pending_count": 1})
			})
			if err != nil {
				return err
			}
			failed[i].Status = models.RecipientStatusPending
			recipients = append(recipients, failed[i])
		}
	}

	sent := 0
	for i := range recipients {
		if s.enqueueRecipient(ctx, &c, &recipients[i]) {
			sent++
		}
	}

	if err := s.db.Model(schedule).Updates(map[string]interface{}{
		"status":        models.ScheduleStatusCompleted,
		"messages_sent": sent,
	}).Error; err != nil {
		return err
	}

	s.log.Info("daily schedule processed", "campaign_id", c.ID, "date", day.Format("2006-01-02"), "queued", sent, "batch", len(recipients))
	return s.CheckCompletion(c.ID)
}

// enqueueRecipient moves one recipient to queued (or skipped/failed) and
// reports whether a send was enqueued.
func (s *Scheduler) enqueueRecipient(ctx context.Context, c *models.Campaign, rec *models.CampaignRecipient) bool {
	var user models.User
	err := s.db.Where("phone = ?", rec.Phone).First(&user).Error
	if err == nil && user.Subscription == models.SubscriptionUnsubscribed {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(rec).Updates(map[string]interface{}{
				"status":         models.RecipientStatusSkipped,
				"failure_reason": "user unsubscribed",
			}).Error; err != nil {
				return err
			}
			return adjustCounters(tx, c.ID, map[string]int{"pending_count": -1, "skipped_count": 1})
		})
		if err != nil {
			s.log.Error("failed to skip recipient", "recipient_id", rec.ID, "error", err)
			return false
		}
		s.emit(ctx, queue.EventCampaignSkipped, rec.Phone, c.ID)
		return false
	}

	job := queue.OutgoingJob{
		Phone: rec.Phone,
		Kind:  queue.OutgoingTemplate,
		Template: &queue.TemplateSend{
			Name:       c.TemplateName,
			Language:   c.Language,
			BodyParams: positionalParams(c.TemplateParams),
		},
		Meta: queue.OutgoingMeta{
			Source:      queue.SourceCampaign,
			CampaignID:  &c.ID,
			RecipientID: &rec.ID,
		},
	}
	if _, err := s.q.Send(ctx, queue.LaneOutgoing, job, map[string]string{queue.AttrSource: queue.SourceCampaign}); err != nil {
		s.log.Error("failed to enqueue campaign send", "recipient_id", rec.ID, "error", err)
		txErr := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(rec).Updates(map[string]interface{}{
				"status":         models.RecipientStatusFailed,
				"retry_count":    gorm.Expr("retry_count + 1"),
				"failure_reason": "enqueue failed: " + err.Error(),
			}).Error; err != nil {
				return err
			}
			return adjustCounters(tx, c.ID, map[string]int{"pending_count": -1, "failed_count": 1})
		})
		if txErr != nil {
			s.log.Error("failed to mark recipient failed", "recipient_id", rec.ID, "error", txErr)
		}
		return false
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(rec).Update("status", models.RecipientStatusQueued).Error; err != nil {
			return err
		}
		return adjustCounters(tx, c.ID, map[string]int{"pending_count": -1})
	}); err != nil {
		s.log.Error("failed to mark recipient queued", "recipient_id", rec.ID, "error", err)
	}
	s.emit(ctx, queue.EventCampaignQueued, rec.Phone, c.ID)
	return true
}

// MarkSent records a successful delivery to the Cloud API for a campaign
// recipient: queued -> sent with the WhatsApp message ID.
func (s *Scheduler) MarkSent(recipientID uuid.UUID, waMessageID string, at time.Time) error {
	campaignID := uuid.Nil
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.CampaignRecipient
		if err := tx.First(&rec, "id = ?", recipientID).Error; err != nil {
			return fmt.Errorf("recipient not found: %w", err)
		}
		if rec.Status != models.RecipientStatusQueued {
			return nil
		}
		if err := tx.Model(&rec).Updates(map[string]interface{}{
			"status":               models.RecipientStatusSent,
			"whats_app_message_id": waMessageID,
			"sent_at":              at,
		}).Error; err != nil {
			return err
		}
		campaignID = rec.CampaignID
		return adjustCounters(tx, rec.CampaignID, map[string]int{"sent_count": 1})
	})
	if err != nil || campaignID == uuid.Nil {
		return err
	}
	return s.CheckCompletion(campaignID)
}

// MarkSendFailed records a failed delivery attempt for a campaign recipient
func (s *Scheduler) MarkSendFailed(recipientID uuid.UUID, reason string) error {
	campaignID := uuid.Nil
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.CampaignRecipient
		if err := tx.First(&rec, "id = ?", recipientID).Error; err != nil {
			return fmt.Errorf("recipient not found: %w", err)
		}
		if rec.Status != models.RecipientStatusQueued {
			return nil
		}
		if err := tx.Model(&rec).Updates(map[string]interface{}{
			"status":         models.RecipientStatusFailed,
			"retry_count":    gorm.Expr("retry_count + 1"),
			"failure_reason": reason,
		}).Error; err != nil {
			return err
		}
		campaignID = rec.CampaignID
		return adjustCounters(tx, rec.CampaignID, map[string]int{"failed_count": 1})
	})
	if err != nil || campaignID == uuid.Nil {
		return err
	}
	return s.CheckCompletion(campaignID)
}

// ApplyStatus applies a webhook delivery receipt (delivered/read/failed) to
// the recipient matching the WhatsApp message ID. Transitions only move
// forward; late "delivered" after "read" is ignored.
func (s *Scheduler) ApplyStatus(waMessageID, status string, at time.Time, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.CampaignRecipient
		err := tx.Where("whats_app_message_id = ?", waMessageID).First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		switch status {
		case models.RecipientStatusDelivered:
			if rec.Status != models.RecipientStatusSent {
				return nil
			}
			if err := tx.Model(&rec).Updates(map[string]interface{}{
				"status": models.RecipientStatusDelivered, "delivered_at": at,
			}).Error; err != nil {
				return err
			}
			return adjustCounters(tx, rec.CampaignID, map[string]int{"delivered_count": 1})
		case models.RecipientStatusRead:
			if rec.Status != models.RecipientStatusSent && rec.Status != models.RecipientStatusDelivered {
				return nil
			}
			updates := map[string]interface{}{"status": models.RecipientStatusRead, "read_at": at}
			if rec.DeliveredAt == nil {
				updates["delivered_at"] = at
			}
			deltas := map[string]int{"read_count": 1}
			if rec.Status == models.RecipientStatusSent {
				deltas["delivered_count"] = 1
			}
			if err := tx.Model(&rec).Updates(updates).Error; err != nil {
				return err
			}
			return adjustCounters(tx, rec.CampaignID, deltas)
		case models.RecipientStatusFailed:
			if rec.Status == models.RecipientStatusFailed || rec.Status == models.RecipientStatusRead {
				return nil
			}
			if err := tx.Model(&rec).Updates(map[string]interface{}{
				"status": models.RecipientStatusFailed, "failure_reason": reason,
				"retry_count": gorm.Expr("retry_count + 1"),
			}).Error; err != nil {
				return err
			}
			return adjustCounters(tx, rec.CampaignID, map[string]int{"failed_count": 1})
		}
		return nil
	})
}

// CheckCompletion marks an active campaign completed once no recipient is
// pending or queued.
func (s *Scheduler) CheckCompletion(campaignID uuid.UUID) error {
	var open int64
	if err := s.db.Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND status IN ?", campaignID, []string{
			models.RecipientStatusPending, models.RecipientStatusQueued,
		}).Count(&open).Error; err != nil {
		return err
	}
	if open > 0 {
		return nil
	}

	now := time.Now()
	res := s.db.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignStatusActive).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("campaign completed", "campaign_id", campaignID)
	}
	return nil
}

// adjustCounters applies atomic column increments to a campaign row. Runs
// inside the transaction that changes the recipient, so the counters and the
// recipient status commit together.
func adjustCounters(tx *gorm.DB, campaignID uuid.UUID, deltas map[string]int) error {
	updates := make(map[string]interface{}, len(deltas))
	for column, delta := range deltas {
		updates[column] = gorm.Expr(column+" + ?", delta)
	}
	return tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(updates).Error
}

// positionalParams flattens {"1": "a", "2": "b"} template params into the
// ordered body parameter list.
func positionalParams(params models.JSONB) []string {
	if len(params) == 0 {
		return nil
	}
	var out []string
	for i := 1; ; i++ {
		val, ok := params[strconv.Itoa(i)]
		if !ok {
			break
		}
		out = append(out, fmt.Sprintf("%v", val))
	}
	return out
}

// emit publishes an analytics event; failures are logged, never fatal
func (s *Scheduler) emit(ctx context.Context, event, phone string, campaignID uuid.UUID) {
	_, err := s.q.Send(ctx, queue.LaneAnalytics, queue.AnalyticsEvent{
		Event:      event,
		Phone:      phone,
		CampaignID: &campaignID,
		At:         time.Now().UTC(),
	}, nil)
	if err != nil {
		s.log.Warn("failed to emit analytics event", "event", event, "error", err)
	}
}

// dateOf truncates a time to midnight UTC
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

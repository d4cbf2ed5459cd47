package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/userutil"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
	"github.com/zerodha/fastglue"
)

// WebhookVerify handles Meta's webhook verification challenge
func (a *App) WebhookVerify(r *fastglue.Request) error {
	mode := string(r.RequestCtx.QueryArgs().Peek("hub.mode"))
	token := string(r.RequestCtx.QueryArgs().Peek("hub.verify_token"))
	challenge := string(r.RequestCtx.QueryArgs().Peek("hub.challenge"))

	if mode == "" || token == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Missing verification parameters", nil, "")
	}
	if mode != "subscribe" {
		a.Log.Warn("webhook verification failed", "reason", "invalid mode", "mode", mode)
		return r.SendErrorEnvelope(fasthttp.StatusForbidden, "Verification failed", nil, "")
	}
	if a.Config.WhatsApp.WebhookVerifyToken == "" {
		a.Log.Error("webhook verify token not configured")
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Webhook verification not configured", nil, "")
	}
	if token != a.Config.WhatsApp.WebhookVerifyToken {
		a.Log.Warn("webhook verification failed", "reason", "token mismatch")
		return r.SendErrorEnvelope(fasthttp.StatusForbidden, "Verification failed", nil, "")
	}

	// Meta expects the raw challenge string back, not an envelope.
	r.RequestCtx.SetStatusCode(fasthttp.StatusOK)
	r.RequestCtx.SetBodyString(challenge)
	return nil
}

// messageResult is the per-message outcome in the webhook response
type messageResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// webhookStats summarizes one webhook delivery
type webhookStats struct {
	Received   int `json:"received"`
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// WebhookReceive ingests a webhook delivery from Meta. Each contained message
// is registered in the dedup store and enqueued exactly once; retries of the
// same delivery are counted and skipped. Status receipts are applied inline.
func (a *App) WebhookReceive(r *fastglue.Request) error {
	start := time.Now()
	webhookID := uuid.NewString()
	ctx := r.RequestCtx

	if !a.ready(r) {
		return r.SendErrorEnvelope(fasthttp.StatusServiceUnavailable, "Service not ready", nil, "")
	}

	payload, err := whatsapp.ParseWebhook(ctx.PostBody())
	if err != nil {
		a.Log.Error("failed to parse webhook payload", "webhook_id", webhookID, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid payload", nil, "")
	}

	if payload.HasStatuses() {
		for _, status := range payload.ExtractStatuses() {
			a.applyStatusReceipt(status)
		}
	}

	if !payload.HasMessages() {
		return r.SendEnvelope(map[string]string{
			"status":     "ignored",
			"webhook_id": webhookID,
		})
	}
	messages := payload.ExtractMessages()

	entryID := ""
	if len(payload.Entry) > 0 {
		entryID = payload.Entry[0].ID
	}

	stats := webhookStats{Received: len(messages)}
	results := make([]messageResult, 0, len(messages))

	for _, msg := range messages {
		res, err := a.Dedup.CreateIfAbsent(ctx, msg.ID, webhookID)
		if err != nil {
			a.Log.Error("dedup registration failed", "webhook_id", webhookID, "message_id", msg.ID, "error", err)
			stats.Errors++
			results = append(results, messageResult{MessageID: msg.ID, Status: "error", Error: "dedup unavailable"})
			continue
		}
		if !res.Created {
			a.Log.Info("duplicate webhook delivery", "message_id", msg.ID, "webhook_count", res.WebhookCount)
			stats.Duplicates++
			results = append(results, messageResult{MessageID: msg.ID, Status: "duplicate"})
			a.emit(queue.EventDuplicateWebhook, msg.From, msg.ID)
			continue
		}

		if _, _, err := userutil.GetOrCreateUser(a.DB, msg.From, msg.ContactName); err != nil {
			a.Log.Warn("failed to upsert user", "phone", msg.From, "error", err)
		}

		job := queue.IncomingJob{
			Message: msg,
			Meta: queue.IncomingMeta{
				WebhookID:    webhookID,
				EntryID:      entryID,
				ProcessingID: res.ProcessingID,
				MessageID:    msg.ID,
				Phone:        msg.From,
				Type:         msg.Type,
				ReceivedAt:   time.Now().UTC(),
			},
		}
		if _, err := a.Queue.Send(ctx, queue.LaneIncoming, job, map[string]string{queue.AttrSource: queue.SourceWebhook}); err != nil {
			a.Log.Error("failed to enqueue incoming message", "message_id", msg.ID, "error", err)
			// Roll back the dedup record so Meta's retry can ingest it.
			if rmErr := a.Dedup.Remove(ctx, msg.ID); rmErr != nil {
				a.Log.Error("failed to roll back dedup record", "message_id", msg.ID, "error", rmErr)
			}
			stats.Errors++
			results = append(results, messageResult{MessageID: msg.ID, Status: "error", Error: "enqueue failed"})
			continue
		}

		stats.New++
		results = append(results, messageResult{MessageID: msg.ID, Status: "queued"})
	}

	return r.SendEnvelope(map[string]interface{}{
		"webhook_id":         webhookID,
		"stats":              stats,
		"results":            results,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

// applyStatusReceipt applies a delivery receipt to the stored message and,
// when the message belongs to a campaign send, to the recipient row.
func (a *App) applyStatusReceipt(status whatsapp.ParsedStatus) {
	at := status.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var msg models.Message
	if err := a.DB.Where("message_id = ?", status.MessageID).First(&msg).Error; err == nil {
		if models.StatusAdvances(msg.Status, status.Status) {
			updates := map[string]interface{}{"status": status.Status}
			switch status.Status {
			case models.MessageStatusDelivered:
				updates["delivered_at"] = at
			case models.MessageStatusRead:
				updates["read_at"] = at
				if msg.DeliveredAt == nil {
					updates["delivered_at"] = at
				}
			case models.MessageStatusFailed:
				updates["fail_reason"] = status.ErrorMsg
			}
			if err := a.DB.Model(&msg).Updates(updates).Error; err != nil {
				a.Log.Error("failed to update message status", "message_id", status.MessageID, "error", err)
			}
		}
	}

	if err := a.Campaigns.ApplyStatus(status.MessageID, status.Status, at, status.ErrorMsg); err != nil {
		a.Log.Error("failed to apply campaign receipt", "message_id", status.MessageID, "error", err)
	}
}

// emit publishes an analytics event from the ingress path. Best effort.
func (a *App) emit(event, phone, messageID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := a.Queue.Send(ctx, queue.LaneAnalytics, queue.AnalyticsEvent{
			Event:     event,
			Phone:     phone,
			MessageID: messageID,
			At:        time.Now().UTC(),
		}, nil); err != nil {
			a.Log.Warn("failed to emit analytics event", "event", event, "error", err)
		}
	}()
}

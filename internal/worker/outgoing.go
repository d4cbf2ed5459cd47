package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/userutil"
)

// runOutgoing long-polls the outgoing lane until the context is cancelled
func (p *Pool) runOutgoing(ctx context.Context) {
	for {
		deliveries, err := p.receive(ctx, queue.LaneOutgoing)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("outgoing receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for i := range deliveries {
			if ctx.Err() != nil {
				return
			}
			p.handleOutgoing(ctx, &deliveries[i])
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handleOutgoing delivers one outgoing job via the Cloud API. Send failures
// leave the envelope in flight so visibility expiry retries it; the substrate
// routes it to the DLQ after max receives.
func (p *Pool) handleOutgoing(ctx context.Context, d *queue.Delivery) {
	var job queue.OutgoingJob
	if err := d.Decode(&job); err != nil {
		p.log.Error("undecodable outgoing job", "id", d.ID, "error", err)
		if err := p.q.Delete(ctx, queue.LaneOutgoing, d.ReceiptHandle); err != nil {
			p.log.Error("failed to delete poison message", "id", d.ID, "error", err)
		}
		return
	}

	// A job that can never be sent is dropped rather than retried to the DLQ.
	if reason := missingJobData(&job); reason != "" {
		p.log.Error("unrecoverable outgoing job", "id", d.ID, "reason", reason)
		if job.Meta.RecipientID != nil {
			if err := p.campaigns.MarkSendFailed(*job.Meta.RecipientID, reason); err != nil {
				p.log.Error("failed to mark recipient failed", "recipient_id", job.Meta.RecipientID, "error", err)
			}
		}
		if err := p.q.Delete(ctx, queue.LaneOutgoing, d.ReceiptHandle); err != nil {
			p.log.Error("failed to delete poison message", "id", d.ID, "error", err)
		}
		return
	}

	stopHeartbeat := p.startHeartbeat(ctx, queue.LaneOutgoing, d.ReceiptHandle)
	defer stopHeartbeat()

	waMessageID, err := p.send(ctx, &job)
	if err != nil {
		p.log.Error("send failed", "phone", job.Phone, "kind", job.Kind, "error", err,
			"receive_count", d.ReceiveCount)

		// Campaign recipients are marked failed only once retries are
		// exhausted; until then the envelope redelivery is the retry.
		if job.Meta.RecipientID != nil && d.ReceiveCount >= p.cfg.Queue.MaxReceiveCount {
			if err := p.campaigns.MarkSendFailed(*job.Meta.RecipientID, err.Error()); err != nil {
				p.log.Error("failed to mark recipient failed", "recipient_id", job.Meta.RecipientID, "error", err)
			}
		}
		p.emit(ctx, queue.AnalyticsEvent{
			Event:      queue.EventMessageFailed,
			Phone:      job.Phone,
			CampaignID: job.Meta.CampaignID,
		})
		return
	}

	now := time.Now().UTC()
	stored := models.Message{
		MessageID: waMessageID,
		FromPhone: p.cfg.WhatsApp.BusinessNumber,
		ToPhone:   userutil.NormalizePhone(job.Phone),
		Direction: models.DirectionOutgoing,
		Type:      job.Kind,
		Content:   outgoingContent(&job),
		Status:    models.MessageStatusSent,
		ContextID: job.Meta.ReplyTo,
		Timestamp: now,
	}
	if err := p.db.Create(&stored).Error; err != nil {
		p.log.Error("failed to store outgoing message", "message_id", waMessageID, "error", err)
	}

	if job.Meta.RecipientID != nil {
		if err := p.campaigns.MarkSent(*job.Meta.RecipientID, waMessageID, now); err != nil {
			p.log.Error("failed to mark recipient sent", "recipient_id", job.Meta.RecipientID, "error", err)
		}
	}

	p.emit(ctx, queue.AnalyticsEvent{
		Event:      queue.EventMessageSent,
		Phone:      job.Phone,
		MessageID:  waMessageID,
		CampaignID: job.Meta.CampaignID,
		Properties: map[string]interface{}{
			"source": job.Meta.Source,
			"kind":   job.Kind,
		},
	})

	if err := p.q.Delete(ctx, queue.LaneOutgoing, d.ReceiptHandle); err != nil {
		p.log.Error("failed to delete sent envelope", "id", d.ID, "error", err)
	}
}

// missingJobData reports why an outgoing job can never be sent, or "" when
// it is complete.
func missingJobData(job *queue.OutgoingJob) string {
	if strings.TrimSpace(job.Phone) == "" {
		return "missing phone"
	}
	switch job.Kind {
	case queue.OutgoingText:
		if job.Text == "" {
			return "missing text"
		}
	case queue.OutgoingTemplate:
		if job.Template == nil {
			return "missing template data"
		}
	case queue.OutgoingInteractive:
		if job.Interactive == nil {
			return "missing interactive data"
		}
	case queue.OutgoingMedia:
		if job.Media == nil {
			return "missing media data"
		}
	default:
		return fmt.Sprintf("unknown kind %q", job.Kind)
	}
	return ""
}

// send dispatches a job to the WhatsApp client by kind
func (p *Pool) send(ctx context.Context, job *queue.OutgoingJob) (string, error) {
	switch job.Kind {
	case queue.OutgoingText:
		return p.wa.SendText(ctx, job.Phone, job.Text)
	case queue.OutgoingTemplate:
		if job.Template == nil {
			return "", fmt.Errorf("template job without template data")
		}
		return p.wa.SendTemplate(ctx, job.Phone, job.Template.Name, job.Template.Language, job.Template.BodyParams)
	case queue.OutgoingInteractive:
		if job.Interactive == nil {
			return "", fmt.Errorf("interactive job without interactive data")
		}
		return p.wa.SendInteractive(ctx, job.Phone, job.Interactive.Body, job.Interactive.Buttons)
	case queue.OutgoingMedia:
		if job.Media == nil {
			return "", fmt.Errorf("media job without media data")
		}
		return p.wa.SendMediaLink(ctx, job.Phone, job.Media.Type, job.Media.Link, job.Media.Caption)
	default:
		return "", fmt.Errorf("unknown outgoing kind %q", job.Kind)
	}
}

// outgoingContent summarizes an outgoing job for storage
func outgoingContent(job *queue.OutgoingJob) string {
	switch job.Kind {
	case queue.OutgoingText:
		return job.Text
	case queue.OutgoingTemplate:
		return fmt.Sprintf("Template: %s (%s)", job.Template.Name, job.Template.Language)
	case queue.OutgoingInteractive:
		return job.Interactive.Body
	case queue.OutgoingMedia:
		if job.Media.Caption != "" {
			return job.Media.Caption
		}
		return fmt.Sprintf("[%s]", job.Media.Type)
	default:
		return ""
	}
}

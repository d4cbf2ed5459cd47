package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wavelinehq/waveline/internal/dedup"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/userutil"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
)

// runIncoming long-polls the incoming lane until the context is cancelled
func (p *Pool) runIncoming(ctx context.Context, processorID string) {
	for {
		deliveries, err := p.receive(ctx, queue.LaneIncoming)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("incoming receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for i := range deliveries {
			if ctx.Err() != nil {
				return
			}
			p.handleIncoming(ctx, processorID, &deliveries[i])
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handleIncoming processes one incoming delivery end to end: claim, persist,
// dispatch, record the outcome.
func (p *Pool) handleIncoming(ctx context.Context, processorID string, d *queue.Delivery) {
	var job queue.IncomingJob
	if err := d.Decode(&job); err != nil {
		p.log.Error("undecodable incoming job", "id", d.ID, "error", err)
		if err := p.q.Delete(ctx, queue.LaneIncoming, d.ReceiptHandle); err != nil {
			p.log.Error("failed to delete poison message", "id", d.ID, "error", err)
		}
		return
	}

	if err := p.registry.Claim(ctx, job.Meta.MessageID, processorID); err != nil {
		if errors.Is(err, dedup.ErrNotClaimable) {
			// Another processor owns this message; the duplicate envelope
			// is ours to discard.
			p.log.Debug("message already claimed", "message_id", job.Meta.MessageID)
			if err := p.q.Delete(ctx, queue.LaneIncoming, d.ReceiptHandle); err != nil {
				p.log.Error("failed to delete claimed envelope", "id", d.ID, "error", err)
			}
			return
		}
		p.log.Error("claim failed", "message_id", job.Meta.MessageID, "error", err)
		return
	}

	stopHeartbeat := p.startHeartbeat(ctx, queue.LaneIncoming, d.ReceiptHandle)
	defer stopHeartbeat()

	if err := p.processIncoming(ctx, &job); err != nil {
		p.log.Error("incoming processing failed", "message_id", job.Meta.MessageID, "error", err)
		if err := p.registry.UpdateStatus(ctx, job.Meta.MessageID, dedup.StatusFailed, processorID, err.Error()); err != nil {
			p.log.Error("failed to record failure", "message_id", job.Meta.MessageID, "error", err)
		}
		// The envelope stays in flight; visibility expiry retries it and the
		// substrate DLQs it after max receives.
		return
	}

	if err := p.registry.UpdateStatus(ctx, job.Meta.MessageID, dedup.StatusCompleted, processorID, ""); err != nil {
		p.log.Error("failed to record completion", "message_id", job.Meta.MessageID, "error", err)
	}
	if err := p.q.Delete(ctx, queue.LaneIncoming, d.ReceiptHandle); err != nil {
		p.log.Error("failed to delete processed envelope", "id", d.ID, "error", err)
	}
}

// processIncoming persists the message, updates the user, and dispatches to
// the conversation engine and reply rules.
func (p *Pool) processIncoming(ctx context.Context, job *queue.IncomingJob) error {
	msg := &job.Message

	stored := models.Message{
		MessageID: msg.ID,
		FromPhone: userutil.NormalizePhone(msg.From),
		ToPhone:   p.cfg.WhatsApp.BusinessNumber,
		Direction: models.DirectionIncoming,
		Type:      msg.Type,
		Content:   incomingContent(msg),
		MediaType: msg.MediaMimeType,
		Status:    models.MessageStatusReceived,
		ContextID: msg.ContextID,
		Timestamp: msg.Timestamp,
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = job.Meta.ReceivedAt
	}
	if err := p.db.Create(&stored).Error; err != nil {
		// Unique message_id index: already persisted by an earlier attempt.
		p.log.Debug("message already stored", "message_id", msg.ID)
	}

	user, _, err := userutil.GetOrCreateUser(p.db, msg.From, msg.ContactName)
	if err != nil {
		p.log.Warn("failed to load user", "phone", msg.From, "error", err)
	} else if err := userutil.RecordInteraction(p.db, user.ID, stored.Timestamp); err != nil {
		p.log.Warn("failed to record interaction", "phone", msg.From, "error", err)
	}

	p.emit(ctx, queue.AnalyticsEvent{
		Event:     queue.EventMessageReceived,
		Phone:     msg.From,
		MessageID: msg.ID,
	})

	switch msg.Type {
	case "text":
		handled, err := p.conversations.Handle(ctx, msg)
		if err != nil {
			return fmt.Errorf("conversation engine: %w", err)
		}
		if handled {
			return nil
		}
		return p.autoReply(ctx, msg)
	case "interactive":
		if _, err := p.conversations.Handle(ctx, msg); err != nil {
			return fmt.Errorf("conversation engine: %w", err)
		}
		return nil
	default:
		// Media and anything else is stored only.
		return nil
	}
}

// autoReply runs the reply rule engine for a text message outside any
// conversation and enqueues the matched reply.
func (p *Pool) autoReply(ctx context.Context, msg *whatsapp.ParsedMessage) error {
	rule, ok := p.replies.Match(msg.Text, time.Now())
	if !ok {
		return nil
	}

	job := queue.OutgoingJob{
		Phone: msg.From,
		Kind:  queue.OutgoingText,
		Text:  rule.Reply,
		Meta: queue.OutgoingMeta{
			Source:  queue.SourceReplyRule,
			ReplyTo: msg.ID,
		},
	}
	priority := queue.PriorityNormal
	if rule.Priority > 5 {
		priority = queue.PriorityHigh
	}
	attrs := map[string]string{
		queue.AttrSource:    queue.SourceReplyRule,
		queue.AttrPriority:  priority,
		queue.AttrRuleName:  rule.Name,
		queue.AttrAutomated: "true",
	}
	if _, err := p.q.Send(ctx, queue.LaneOutgoing, job, attrs); err != nil {
		return fmt.Errorf("enqueue auto reply: %w", err)
	}

	p.log.Info("auto reply queued", "rule", rule.Name, "phone", msg.From)
	p.emit(ctx, queue.AnalyticsEvent{
		Event:     queue.EventAutoReply,
		Phone:     msg.From,
		MessageID: msg.ID,
		Properties: map[string]interface{}{
			"rule": rule.Name,
		},
	})
	return nil
}

// incomingContent summarizes an incoming message for storage
func incomingContent(msg *whatsapp.ParsedMessage) string {
	switch msg.Type {
	case "text", "interactive":
		return msg.Text
	case "image", "document", "audio", "video":
		if msg.Caption != "" {
			return msg.Caption
		}
		return fmt.Sprintf("[%s]", msg.Type)
	default:
		return fmt.Sprintf("[%s]", msg.Type)
	}
}

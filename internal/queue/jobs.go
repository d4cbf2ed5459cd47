package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
)

// Message attribute keys
const (
	AttrSource    = "source"
	AttrPriority  = "priority"
	AttrRuleName  = "rule_name"
	AttrAutomated = "automated"
)

// Priority attribute values
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)

// Job sources
const (
	SourceWebhook      = "webhook"
	SourceConversation = "conversation"
	SourceReplyRule    = "reply_rule"
	SourceCampaign     = "marketing_campaign"
)

// IncomingJob is the incoming-lane payload: one webhook message plus the
// ingress bookkeeping the processor needs.
type IncomingJob struct {
	Message whatsapp.ParsedMessage `json:"message"`
	Meta    IncomingMeta           `json:"meta"`
}

// IncomingMeta carries ingress identifiers through the pipeline
type IncomingMeta struct {
	WebhookID    string    `json:"webhook_id"`
	EntryID      string    `json:"entry_id,omitempty"`
	ProcessingID string    `json:"processing_id"`
	MessageID    string    `json:"message_id"`
	Phone        string    `json:"phone"`
	Type         string    `json:"type"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Outgoing message kinds
const (
	OutgoingText        = "text"
	OutgoingTemplate    = "template"
	OutgoingInteractive = "interactive"
	OutgoingMedia       = "media"
)

// OutgoingJob is the outgoing-lane payload: one message to deliver via the
// WhatsApp Cloud API. Exactly one of the kind-specific fields is set.
type OutgoingJob struct {
	Phone       string           `json:"phone"`
	Kind        string           `json:"kind"`
	Text        string           `json:"text,omitempty"`
	Template    *TemplateSend    `json:"template,omitempty"`
	Interactive *InteractiveSend `json:"interactive,omitempty"`
	Media       *MediaSend       `json:"media,omitempty"`
	Meta        OutgoingMeta     `json:"meta"`
}

// TemplateSend holds a template message
type TemplateSend struct {
	Name       string   `json:"name"`
	Language   string   `json:"language"`
	BodyParams []string `json:"body_params,omitempty"`
}

// InteractiveSend holds a button or list message
type InteractiveSend struct {
	Body    string            `json:"body"`
	Buttons []whatsapp.Button `json:"buttons"`
}

// MediaSend holds a media message sent by link
type MediaSend struct {
	Type    string `json:"type"` // image, document, audio, video
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

// OutgoingMeta identifies where an outgoing message came from
type OutgoingMeta struct {
	Source      string     `json:"source"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`
	RecipientID *uuid.UUID `json:"recipient_id,omitempty"`
	ReplyTo     string     `json:"reply_to,omitempty"` // Inbound message ID this responds to
}

// AnalyticsEvent is the analytics-lane payload
type AnalyticsEvent struct {
	Event      string                 `json:"event"`
	Phone      string                 `json:"phone,omitempty"`
	MessageID  string                 `json:"message_id,omitempty"`
	CampaignID *uuid.UUID             `json:"campaign_id,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	At         time.Time              `json:"at"`
}

// Analytics event names
const (
	EventMessageReceived     = "message_received"
	EventMessageSent         = "message_sent"
	EventMessageFailed       = "message_failed"
	EventDuplicateWebhook    = "duplicate_webhook"
	EventConversationStarted = "conversation_started"
	EventConversationEnded   = "conversation_ended"
	EventAutoReply           = "auto_reply"
	EventAgentHandoff        = "agent_handoff"
	EventCampaignQueued      = "campaign_queued"
	EventCampaignSkipped     = "campaign_skipped"
)

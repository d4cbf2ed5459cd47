package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel is embedded in all entities
type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID if one was not set explicitly
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Bool returns a pointer to v. The default-true boolean columns take *bool
// because gorm drops a plain false as a zero value on insert.
func Bool(v bool) *bool { return &v }

// JSONB is a JSON object column
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("unsupported type for JSONB")
	}
}

// StringList is a JSON-encoded string array column
type StringList []string

// Value implements driver.Valuer
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("unsupported type for StringList")
	}
}

// Message direction
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message delivery statuses, ordered. Transitions only move forward.
const (
	MessageStatusQueued    = "queued"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
	MessageStatusReceived  = "received"
)

// messageStatusRank orders delivery statuses for monotonic updates.
var messageStatusRank = map[string]int{
	MessageStatusQueued:    0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusFailed:    4,
}

// StatusAdvances reports whether moving from one delivery status to another
// is a forward transition. Downgrades (e.g. read -> delivered) are refused.
func StatusAdvances(from, to string) bool {
	fr, ok := messageStatusRank[from]
	if !ok {
		return true
	}
	tr, ok := messageStatusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Message is a stored inbound or outbound WhatsApp message
type Message struct {
	BaseModel
	MessageID   string     `gorm:"size:255;uniqueIndex" json:"message_id"`
	FromPhone   string     `gorm:"size:20;index" json:"from_phone"`
	ToPhone     string     `gorm:"size:20;index" json:"to_phone"`
	Direction   string     `gorm:"size:10;index" json:"direction"`
	Type        string     `gorm:"size:20" json:"type"`
	Content     string     `gorm:"type:text" json:"content"`
	MediaURL    string     `gorm:"size:512" json:"media_url,omitempty"`
	MediaType   string     `gorm:"size:50" json:"media_type,omitempty"`
	Status      string     `gorm:"size:20;index" json:"status"`
	ContextID   string     `gorm:"size:255" json:"context_id,omitempty"`
	Timestamp   time.Time  `gorm:"index" json:"timestamp"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FailReason  string     `gorm:"size:512" json:"fail_reason,omitempty"`
}

// User subscription statuses
const (
	SubscriptionSubscribed   = "subscribed"
	SubscriptionUnsubscribed = "unsubscribed"
)

// User is a WhatsApp contact known to the system
type User struct {
	BaseModel
	Phone           string     `gorm:"size:20;uniqueIndex" json:"phone"`
	DisplayName     string     `gorm:"size:255" json:"display_name"`
	Tier            string     `gorm:"size:20;default:standard" json:"tier"`
	Tags            StringList `gorm:"type:jsonb" json:"tags,omitempty"`
	Subscription    string     `gorm:"size:20;default:subscribed" json:"subscription"`
	TotalMessages   int        `gorm:"default:0" json:"total_messages"`
	LastInteraction *time.Time `json:"last_interaction,omitempty"`
	IsActive        *bool      `gorm:"default:true" json:"is_active"`
}

// ConversationState tracks a user's position inside a workflow template
type ConversationState struct {
	BaseModel
	Phone        string    `gorm:"size:20;uniqueIndex" json:"phone"`
	TemplateName string    `gorm:"size:100" json:"template_name"`
	CurrentStep  string    `gorm:"size:100" json:"current_step"`
	Context      JSONB     `gorm:"type:jsonb" json:"context,omitempty"`
	ExpiresAt    time.Time `gorm:"index" json:"expires_at"`
}

// Workflow template types
const (
	TemplateTypeText   = "text"
	TemplateTypeButton = "button"
	TemplateTypeList   = "list"
)

// WorkflowTemplate defines a keyword-triggered conversation flow.
// Menu holds the entry message (body text plus button/list action), Steps
// maps step id to its definition.
type WorkflowTemplate struct {
	BaseModel
	Name            string     `gorm:"size:100;uniqueIndex" json:"name"`
	Type            string     `gorm:"size:20" json:"type"`
	TriggerKeywords StringList `gorm:"type:jsonb" json:"trigger_keywords"`
	Menu            JSONB      `gorm:"type:jsonb" json:"menu,omitempty"`
	Steps           JSONB      `gorm:"type:jsonb" json:"steps"`
	IsActive        *bool      `gorm:"default:true" json:"is_active"`
}

// ReplyRule is a keyword auto-reply. Condition is a regex, or "*" for the
// catch-all fallback.
type ReplyRule struct {
	BaseModel
	Name      string `gorm:"size:100;uniqueIndex" json:"name"`
	Condition string `gorm:"size:512" json:"condition"`
	Reply     string `gorm:"type:text" json:"reply"`
	Priority  int    `gorm:"default:0;index" json:"priority"`
	IsActive  *bool  `gorm:"default:true" json:"is_active"`
}

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
)

// Campaign is a rate-limited bulk template send
type Campaign struct {
	BaseModel
	Name           string     `gorm:"size:255" json:"name"`
	TemplateName   string     `gorm:"size:100" json:"template_name"`
	Language       string     `gorm:"size:10;default:en" json:"language"`
	TemplateParams JSONB      `gorm:"type:jsonb" json:"template_params,omitempty"`
	DailyLimit     int        `gorm:"default:250" json:"daily_limit"`
	Status         string     `gorm:"size:20;default:draft;index" json:"status"`
	TotalTarget    int        `gorm:"default:0" json:"total_target"`
	PendingCount   int        `gorm:"default:0" json:"pending_count"`
	SentCount      int        `gorm:"default:0" json:"sent_count"`
	DeliveredCount int        `gorm:"default:0" json:"delivered_count"`
	ReadCount      int        `gorm:"default:0" json:"read_count"`
	FailedCount    int        `gorm:"default:0" json:"failed_count"`
	SkippedCount   int        `gorm:"default:0" json:"skipped_count"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Campaign recipient statuses
const (
	RecipientStatusPending   = "pending"
	RecipientStatusQueued    = "queued"
	RecipientStatusSent      = "sent"
	RecipientStatusDelivered = "delivered"
	RecipientStatusRead      = "read"
	RecipientStatusFailed    = "failed"
	RecipientStatusSkipped   = "skipped"
)

// CampaignRecipient is one target phone within a campaign
type CampaignRecipient struct {
	BaseModel
	CampaignID        uuid.UUID  `gorm:"type:uuid;index" json:"campaign_id"`
	Phone             string     `gorm:"size:20" json:"phone"`
	Status            string     `gorm:"size:20;default:pending;index" json:"status"`
	ScheduledSendDate *time.Time `gorm:"index" json:"scheduled_send_date,omitempty"`
	WhatsAppMessageID string     `gorm:"size:255;index" json:"whatsapp_message_id,omitempty"`
	RetryCount        int        `gorm:"default:0" json:"retry_count"`
	FailureReason     string     `gorm:"size:512" json:"failure_reason,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
}

// Daily schedule statuses
const (
	ScheduleStatusPending    = "pending"
	ScheduleStatusProcessing = "processing"
	ScheduleStatusCompleted  = "completed"
)

// DailySchedule is one day's send batch for a campaign
type DailySchedule struct {
	BaseModel
	CampaignID   uuid.UUID `gorm:"type:uuid;index" json:"campaign_id"`
	SendDate     time.Time `gorm:"index" json:"send_date"`
	BatchSize    int       `json:"batch_size"`
	MessagesSent int       `gorm:"default:0" json:"messages_sent"`
	Status       string    `gorm:"size:20;default:pending" json:"status"`
}

// Agent session statuses
const (
	AgentSessionWaiting = "waiting"
	AgentSessionActive  = "active"
	AgentSessionEnded   = "ended"
)

// AgentSession is a handoff from the bot to a human agent
type AgentSession struct {
	BaseModel
	Phone     string    `gorm:"size:20;index" json:"phone"`
	Status    string    `gorm:"size:20;default:waiting;index" json:"status"`
	Topic     string    `gorm:"size:255" json:"topic,omitempty"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

// DailyMetric is a per-day event counter written by the analytics drain
type DailyMetric struct {
	BaseModel
	Date   time.Time `gorm:"type:date;index:idx_daily_metrics_date_metric,unique" json:"date"`
	Metric string    `gorm:"size:100;index:idx_daily_metrics_date_metric,unique" json:"metric"`
	Count  int64     `gorm:"default:0" json:"count"`
}

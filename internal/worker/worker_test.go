package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavelinehq/waveline/internal/campaign"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/conversation"
	"github.com/wavelinehq/waveline/internal/database"
	"github.com/wavelinehq/waveline/internal/dedup"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/reply"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
	"github.com/wavelinehq/waveline/test/testutil"
)

// fakeQueue records sends and deletes without Redis
type fakeQueue struct {
	mu       sync.Mutex
	sent     map[queue.Lane][][]byte
	attrs    map[queue.Lane][]map[string]string
	deleted  []string
	failLane queue.Lane
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		sent:  make(map[queue.Lane][][]byte),
		attrs: make(map[queue.Lane][]map[string]string),
	}
}

func (f *fakeQueue) Send(_ context.Context, lane queue.Lane, payload interface{}, attrs map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lane == f.failLane {
		return "", fmt.Errorf("redis down")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.sent[lane] = append(f.sent[lane], raw)
	f.attrs[lane] = append(f.attrs[lane], attrs)
	return uuid.NewString(), nil
}

func (f *fakeQueue) Receive(context.Context, queue.Lane, int, time.Duration, time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}

func (f *fakeQueue) Delete(_ context.Context, _ queue.Lane, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeQueue) ExtendVisibility(context.Context, queue.Lane, string, time.Duration) error {
	return nil
}

func (f *fakeQueue) Attributes(context.Context, queue.Lane) (*queue.LaneStats, error) {
	return &queue.LaneStats{}, nil
}

func (f *fakeQueue) outgoing(t *testing.T) []queue.OutgoingJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := make([]queue.OutgoingJob, 0, len(f.sent[queue.LaneOutgoing]))
	for _, raw := range f.sent[queue.LaneOutgoing] {
		var job queue.OutgoingJob
		require.NoError(t, json.Unmarshal(raw, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func (f *fakeQueue) events(t *testing.T) []queue.AnalyticsEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := make([]queue.AnalyticsEvent, 0, len(f.sent[queue.LaneAnalytics]))
	for _, raw := range f.sent[queue.LaneAnalytics] {
		var ev queue.AnalyticsEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		evs = append(evs, ev)
	}
	return evs
}

func (f *fakeQueue) outgoingAttrs() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[queue.LaneOutgoing]
}

func (f *fakeQueue) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

// fakeRegistry is an in-memory dedup.Registry
type fakeRegistry struct {
	mu       sync.Mutex
	claimErr error
	statuses map[string]string
	owners   map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{statuses: make(map[string]string), owners: make(map[string]string)}
}

func (f *fakeRegistry) CreateIfAbsent(_ context.Context, messageID, processingID string) (*dedup.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[messageID] = dedup.StatusReceived
	return &dedup.CreateResult{Created: true, Status: dedup.StatusReceived, ProcessingID: processingID, WebhookCount: 1}, nil
}

func (f *fakeRegistry) Claim(_ context.Context, messageID, processorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.statuses[messageID] = dedup.StatusProcessing
	f.owners[messageID] = processorID
	return nil
}

func (f *fakeRegistry) UpdateStatus(_ context.Context, messageID, status, processorID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[messageID] != processorID {
		return dedup.ErrNotOwner
	}
	f.statuses[messageID] = status
	return nil
}

func (f *fakeRegistry) Exists(_ context.Context, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.statuses[messageID]
	return ok, nil
}

func (f *fakeRegistry) Remove(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, messageID)
	return nil
}

func (f *fakeRegistry) status(messageID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[messageID]
}

// testPool wires a pool against sqlite, fakes, and an optional Cloud API stub
func testPool(t *testing.T, waURL string) (*Pool, *fakeQueue, *fakeRegistry) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	require.NoError(t, database.SeedReplyRules(db))
	log := testutil.NopLogger()
	fq := newFakeQueue()
	reg := newFakeRegistry()

	cfg := &config.Config{}
	cfg.WhatsApp.BusinessNumber = "15559990000"
	cfg.Queue = config.QueueConfig{
		VisibilityTimeout:  900,
		MaxReceiveCount:    3,
		WaitTimeSeconds:    1,
		BatchSize:          10,
		HeartbeatInterval:  60,
		HeartbeatExtension: 1800,
	}
	cfg.Campaigns = config.CampaignConfig{DailySendLimit: 250, MaxRetries: 3}
	cfg.Conversation = config.ConversationConfig{TTLHours: 24, AgentSessionHours: 22, SweepMinutes: 10}
	// Always-open hours so the closed-hours rule never interferes
	cfg.BusinessHours = config.BusinessHoursConfig{OpenHour: 0, CloseHour: 24, Weekends: true}

	replies, err := reply.NewEngine(db, cfg.BusinessHours, log)
	require.NoError(t, err)

	var wa *whatsapp.Client
	if waURL != "" {
		wa = whatsapp.NewWithBaseURL(log, waURL)
	}

	return NewPool(Deps{
		Config:        cfg,
		DB:            db,
		Queue:         fq,
		Dedup:         reg,
		WhatsApp:      wa,
		Conversations: conversation.NewEngine(db, fq, cfg.Conversation, log),
		Replies:       replies,
		Campaigns:     campaign.NewScheduler(db, fq, cfg.Campaigns, log),
		Log:           log,
	}), fq, reg
}

func incomingDelivery(t *testing.T, msg whatsapp.ParsedMessage) *queue.Delivery {
	t.Helper()
	job := queue.IncomingJob{
		Message: msg,
		Meta: queue.IncomingMeta{
			WebhookID:  uuid.NewString(),
			MessageID:  msg.ID,
			Phone:      msg.From,
			Type:       msg.Type,
			ReceivedAt: time.Now().UTC(),
		},
	}
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	id := uuid.NewString()
	return &queue.Delivery{ID: id, ReceiptHandle: id, Data: raw, ReceiveCount: 1}
}

func outgoingDelivery(t *testing.T, job queue.OutgoingJob, receiveCount int) *queue.Delivery {
	t.Helper()
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	id := uuid.NewString()
	return &queue.Delivery{ID: id, ReceiptHandle: id, Data: raw, ReceiveCount: receiveCount}
}

func cloudAPIStub(t *testing.T, messageID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"messages":[{"id":%q}]}`, messageID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleIncomingTextAutoReply(t *testing.T) {
	p, fq, reg := testPool(t, "")

	msg := whatsapp.ParsedMessage{
		From: "15550001111", ID: "wamid.in1", Type: "text",
		Text: "how much does it cost?", ContactName: "Ada", Timestamp: time.Now(),
	}
	p.handleIncoming(context.Background(), "proc-1", incomingDelivery(t, msg))

	assert.Equal(t, dedup.StatusCompleted, reg.status("wamid.in1"))
	assert.Equal(t, 1, fq.deletedCount(), "processed envelope is acknowledged")

	jobs := fq.outgoing(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.OutgoingText, jobs[0].Kind)
	assert.Contains(t, jobs[0].Text, "pricing starts at")
	assert.Equal(t, queue.SourceReplyRule, jobs[0].Meta.Source)
	assert.Equal(t, "wamid.in1", jobs[0].Meta.ReplyTo)

	attrs := fq.outgoingAttrs()
	require.Len(t, attrs, 1)
	assert.Equal(t, queue.SourceReplyRule, attrs[0][queue.AttrSource])
	assert.Equal(t, queue.PriorityHigh, attrs[0][queue.AttrPriority], "priority 90 rule outranks the cutoff")
	assert.Equal(t, "pricing", attrs[0][queue.AttrRuleName])
	assert.Equal(t, "true", attrs[0][queue.AttrAutomated])

	var stored models.Message
	require.NoError(t, p.db.First(&stored, "message_id = ?", "wamid.in1").Error)
	assert.Equal(t, models.DirectionIncoming, stored.Direction)
	assert.Equal(t, "how much does it cost?", stored.Content)

	var user models.User
	require.NoError(t, p.db.First(&user, "phone = ?", "15550001111").Error)
	assert.Equal(t, 1, user.TotalMessages)
	require.NotNil(t, user.LastInteraction)
}

func TestAutoReplyLowPriorityRuleSendsNormal(t *testing.T) {
	p, fq, _ := testPool(t, "")

	// Gibberish lands on the fallback rule, which sits below the priority
	// cutoff.
	msg := whatsapp.ParsedMessage{
		From: "15550001111", ID: "wamid.in6", Type: "text",
		Text: "completely unrelated gibberish 42", Timestamp: time.Now(),
	}
	p.handleIncoming(context.Background(), "proc-1", incomingDelivery(t, msg))

	attrs := fq.outgoingAttrs()
	require.Len(t, attrs, 1)
	assert.Equal(t, queue.PriorityNormal, attrs[0][queue.AttrPriority])
	assert.Equal(t, "fallback", attrs[0][queue.AttrRuleName])
}

func TestHandleIncomingConversationBeatsReplyRules(t *testing.T) {
	p, fq, _ := testPool(t, "")

	steps, err := json.Marshal(map[string]interface{}{
		"initial": map[string]interface{}{"prompt": "Welcome! Reply DONE.", "next": "done"},
		"done":    map[string]interface{}{"prompt": "Bye.", "end_conversation": true},
	})
	require.NoError(t, err)
	var stepsJSONB models.JSONB
	require.NoError(t, json.Unmarshal(steps, &stepsJSONB))

	require.NoError(t, p.db.Create(&models.WorkflowTemplate{
		Name: "welcome", Type: models.TemplateTypeText,
		TriggerKeywords: models.StringList{"hi"},
		Steps:           stepsJSONB,
		IsActive:        models.Bool(true),
	}).Error)

	msg := whatsapp.ParsedMessage{From: "15550001111", ID: "wamid.in2", Type: "text", Text: "hi", Timestamp: time.Now()}
	p.handleIncoming(context.Background(), "proc-1", incomingDelivery(t, msg))

	jobs := fq.outgoing(t)
	require.Len(t, jobs, 1, "conversation trigger suppresses the greeting rule")
	assert.Equal(t, queue.SourceConversation, jobs[0].Meta.Source)
	assert.Contains(t, jobs[0].Text, "Welcome")
}

func TestHandleIncomingClaimLostDiscardsEnvelope(t *testing.T) {
	p, fq, reg := testPool(t, "")
	reg.claimErr = dedup.ErrNotClaimable

	msg := whatsapp.ParsedMessage{From: "15550001111", ID: "wamid.in3", Type: "text", Text: "hello", Timestamp: time.Now()}
	p.handleIncoming(context.Background(), "proc-1", incomingDelivery(t, msg))

	assert.Equal(t, 1, fq.deletedCount(), "duplicate envelope is discarded")
	assert.Empty(t, fq.outgoing(t))

	var count int64
	require.NoError(t, p.db.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "losing the claim does not persist the message")
}

func TestHandleIncomingFailureLeavesEnvelope(t *testing.T) {
	p, fq, reg := testPool(t, "")
	fq.failLane = queue.LaneOutgoing

	msg := whatsapp.ParsedMessage{
		From: "15550001111", ID: "wamid.in4", Type: "text",
		Text: "how much does it cost?", Timestamp: time.Now(),
	}
	p.handleIncoming(context.Background(), "proc-1", incomingDelivery(t, msg))

	assert.Equal(t, dedup.StatusFailed, reg.status("wamid.in4"))
	assert.Equal(t, 0, fq.deletedCount(), "failed envelope is left to expire and retry")
}

func TestHandleIncomingMediaStoredOnly(t *testing.T) {
	p, fq, reg := testPool(t, "")

	msg := whatsapp.ParsedMessage{
		From: "15550001111", ID: "wamid.in5", Type: "image",
		MediaID: "media-1", MediaMimeType: "image/jpeg", Caption: "receipt", Timestamp: time.Now(),
	}
	p.handleIncoming(context.Background(), "proc-1", incomingDelivery(t, msg))

	assert.Equal(t, dedup.StatusCompleted, reg.status("wamid.in5"))
	assert.Empty(t, fq.outgoing(t), "media gets no automated reply")

	var stored models.Message
	require.NoError(t, p.db.First(&stored, "message_id = ?", "wamid.in5").Error)
	assert.Equal(t, "receipt", stored.Content)
	assert.Equal(t, "image/jpeg", stored.MediaType)
}

func TestHandleOutgoingTextSendsAndStores(t *testing.T) {
	srv := cloudAPIStub(t, "wamid.out1")
	p, fq, _ := testPool(t, srv.URL)

	job := queue.OutgoingJob{
		Phone: "15550001111", Kind: queue.OutgoingText, Text: "Hello!",
		Meta: queue.OutgoingMeta{Source: queue.SourceReplyRule},
	}
	p.handleOutgoing(context.Background(), outgoingDelivery(t, job, 1))

	assert.Equal(t, 1, fq.deletedCount())

	var stored models.Message
	require.NoError(t, p.db.First(&stored, "message_id = ?", "wamid.out1").Error)
	assert.Equal(t, models.DirectionOutgoing, stored.Direction)
	assert.Equal(t, models.MessageStatusSent, stored.Status)
	assert.Equal(t, "Hello!", stored.Content)
	assert.Equal(t, "15559990000", stored.FromPhone)

	evs := fq.events(t)
	require.NotEmpty(t, evs)
	assert.Equal(t, queue.EventMessageSent, evs[len(evs)-1].Event)
}

func TestHandleOutgoingCampaignMarksSent(t *testing.T) {
	srv := cloudAPIStub(t, "wamid.camp1")
	p, _, _ := testPool(t, srv.URL)

	c := models.Campaign{Name: "launch", TemplateName: "promo", Language: "en", Status: models.CampaignStatusActive}
	require.NoError(t, p.db.Create(&c).Error)
	rec := models.CampaignRecipient{CampaignID: c.ID, Phone: "15550001111", Status: models.RecipientStatusQueued}
	require.NoError(t, p.db.Create(&rec).Error)

	job := queue.OutgoingJob{
		Phone: "15550001111", Kind: queue.OutgoingTemplate,
		Template: &queue.TemplateSend{Name: "promo", Language: "en"},
		Meta:     queue.OutgoingMeta{Source: queue.SourceCampaign, CampaignID: &c.ID, RecipientID: &rec.ID},
	}
	p.handleOutgoing(context.Background(), outgoingDelivery(t, job, 1))

	var updated models.CampaignRecipient
	require.NoError(t, p.db.First(&updated, "id = ?", rec.ID).Error)
	assert.Equal(t, models.RecipientStatusSent, updated.Status)
	assert.Equal(t, "wamid.camp1", updated.WhatsAppMessageID)

	var stored models.Message
	require.NoError(t, p.db.First(&stored, "message_id = ?", "wamid.camp1").Error)
	assert.Equal(t, "Template: promo (en)", stored.Content)
}

func TestHandleOutgoingFailureRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"throttled","code":131056}}`)
	}))
	t.Cleanup(srv.Close)
	p, fq, _ := testPool(t, srv.URL)

	c := models.Campaign{Name: "launch", TemplateName: "promo", Language: "en", Status: models.CampaignStatusActive}
	require.NoError(t, p.db.Create(&c).Error)
	rec := models.CampaignRecipient{CampaignID: c.ID, Phone: "15550001111", Status: models.RecipientStatusQueued}
	require.NoError(t, p.db.Create(&rec).Error)

	job := queue.OutgoingJob{
		Phone: "15550001111", Kind: queue.OutgoingTemplate,
		Template: &queue.TemplateSend{Name: "promo", Language: "en"},
		Meta:     queue.OutgoingMeta{Source: queue.SourceCampaign, CampaignID: &c.ID, RecipientID: &rec.ID},
	}

	// First attempt: envelope left in flight, recipient still queued
	p.handleOutgoing(context.Background(), outgoingDelivery(t, job, 1))
	assert.Equal(t, 0, fq.deletedCount())

	var after models.CampaignRecipient
	require.NoError(t, p.db.First(&after, "id = ?", rec.ID).Error)
	assert.Equal(t, models.RecipientStatusQueued, after.Status)

	// Final attempt: recipient marked failed
	p.handleOutgoing(context.Background(), outgoingDelivery(t, job, 3))
	require.NoError(t, p.db.First(&after, "id = ?", rec.ID).Error)
	assert.Equal(t, models.RecipientStatusFailed, after.Status)
	assert.Contains(t, after.FailureReason, "throttled")
}

func TestHandleOutgoingMissingPhoneDropped(t *testing.T) {
	p, fq, _ := testPool(t, "")

	c := models.Campaign{Name: "launch", TemplateName: "promo", Language: "en", Status: models.CampaignStatusActive}
	require.NoError(t, p.db.Create(&c).Error)
	rec := models.CampaignRecipient{CampaignID: c.ID, Phone: "15550001111", Status: models.RecipientStatusQueued}
	require.NoError(t, p.db.Create(&rec).Error)

	job := queue.OutgoingJob{
		Phone: "  ", Kind: queue.OutgoingTemplate,
		Template: &queue.TemplateSend{Name: "promo", Language: "en"},
		Meta:     queue.OutgoingMeta{Source: queue.SourceCampaign, CampaignID: &c.ID, RecipientID: &rec.ID},
	}
	p.handleOutgoing(context.Background(), outgoingDelivery(t, job, 1))

	// The envelope can never succeed, so it is dropped instead of retried.
	assert.Equal(t, 1, fq.deletedCount())

	var count int64
	require.NoError(t, p.db.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	var after models.CampaignRecipient
	require.NoError(t, p.db.First(&after, "id = ?", rec.ID).Error)
	assert.Equal(t, models.RecipientStatusFailed, after.Status)
	assert.Equal(t, "missing phone", after.FailureReason)
}

func TestHandleOutgoingMissingPayloadDropped(t *testing.T) {
	p, fq, _ := testPool(t, "")

	job := queue.OutgoingJob{
		Phone: "15550001111", Kind: queue.OutgoingText,
		Meta: queue.OutgoingMeta{Source: queue.SourceReplyRule},
	}
	p.handleOutgoing(context.Background(), outgoingDelivery(t, job, 1))

	assert.Equal(t, 1, fq.deletedCount())

	var count int64
	require.NoError(t, p.db.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestHandleAnalyticsUpsertsDailyMetric(t *testing.T) {
	p, fq, _ := testPool(t, "")

	at := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := queue.AnalyticsEvent{Event: queue.EventMessageReceived, Phone: "15550001111", At: at}
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		id := uuid.NewString()
		p.handleAnalytics(context.Background(), &queue.Delivery{ID: id, ReceiptHandle: id, Data: raw, ReceiveCount: 1})
	}

	var metric models.DailyMetric
	require.NoError(t, p.db.First(&metric, "metric = ?", queue.EventMessageReceived).Error)
	assert.EqualValues(t, 3, metric.Count)
	assert.Equal(t, 3, fq.deletedCount(), "analytics envelopes are always acknowledged")
}

func TestPoolStartStop(t *testing.T) {
	p, _, _ := testPool(t, "")

	p.Start(context.Background(), 2)
	require.NoError(t, p.Stop(5*time.Second))
}

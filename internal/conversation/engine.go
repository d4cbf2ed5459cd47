// Package conversation implements the template-driven conversation engine.
// A workflow template is a small state machine: trigger keywords start it,
// steps prompt and route on the user's replies, and terminal steps close the
// conversation. State lives in conversation_states, one row per phone.
package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/templateutil"
	"github.com/wavelinehq/waveline/internal/userutil"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// backCommands end the current conversation and return to the trigger menu
var backCommands = map[string]bool{
	"back":      true,
	"menu":      true,
	"main menu": true,
}

// Engine drives workflow conversations
type Engine struct {
	db  *gorm.DB
	q   queue.Queue
	cfg config.ConversationConfig
	log logf.Logger
}

// NewEngine creates a conversation engine
func NewEngine(db *gorm.DB, q queue.Queue, cfg config.ConversationConfig, log logf.Logger) *Engine {
	return &Engine{db: db, q: q, cfg: cfg, log: log}
}

// Handle routes an incoming message through the active conversation, or
// starts one when a trigger keyword matches. Returns false when the engine
// did nothing, so the caller can fall through to the reply rules.
func (e *Engine) Handle(ctx context.Context, msg *whatsapp.ParsedMessage) (bool, error) {
	phone := userutil.NormalizePhone(msg.From)

	state, err := e.activeState(phone)
	if err != nil {
		return false, err
	}

	if state == nil {
		tmpl, err := e.matchTrigger(msg.Text)
		if err != nil {
			return false, err
		}
		if tmpl == nil {
			return false, nil
		}
		return true, e.start(ctx, phone, tmpl)
	}

	input := strings.TrimSpace(msg.Text)
	if backCommands[strings.ToLower(input)] {
		if err := e.end(ctx, state, phone); err != nil {
			return true, err
		}
		// Returning to the top level re-enters trigger matching with a
		// greeting so the user lands on the main menu if one is configured.
		tmpl, err := e.matchTrigger("hi")
		if err != nil {
			return true, err
		}
		if tmpl != nil {
			return true, e.start(ctx, phone, tmpl)
		}
		return true, e.sendText(ctx, phone, "Okay, we're back at the start. Say hi anytime.")
	}

	return true, e.advance(ctx, state, msg, phone)
}

// activeState loads the conversation for a phone, lazily expiring stale rows
func (e *Engine) activeState(phone string) (*models.ConversationState, error) {
	var state models.ConversationState
	err := e.db.Where("phone = ?", phone).First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	if time.Now().After(state.ExpiresAt) {
		e.log.Debug("conversation expired", "phone", phone, "template", state.TemplateName)
		if err := e.db.Delete(&state).Error; err != nil {
			return nil, fmt.Errorf("failed to delete expired conversation: %w", err)
		}
		return nil, nil
	}
	return &state, nil
}

// matchTrigger finds an active template with a trigger keyword contained in
// the text, case-insensitively.
func (e *Engine) matchTrigger(text string) (*models.WorkflowTemplate, error) {
	haystack := strings.ToLower(strings.TrimSpace(text))
	if haystack == "" {
		return nil, nil
	}

	var templates []models.WorkflowTemplate
	if err := e.db.Where("is_active = ?", true).Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to load workflow templates: %w", err)
	}

	for i := range templates {
		for _, kw := range templates[i].TriggerKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(haystack, kw) {
				return &templates[i], nil
			}
		}
	}
	return nil, nil
}

// start opens a conversation at the initial step and sends the entry message
func (e *Engine) start(ctx context.Context, phone string, tmpl *models.WorkflowTemplate) error {
	steps, err := ParseSteps(tmpl)
	if err != nil {
		return err
	}
	menu, err := ParseMenu(tmpl)
	if err != nil {
		return err
	}

	// One conversation per phone; starting replaces any previous state.
	if err := e.db.Where("phone = ?", phone).Delete(&models.ConversationState{}).Error; err != nil {
		return fmt.Errorf("failed to clear previous conversation: %w", err)
	}
	state := models.ConversationState{
		Phone:        phone,
		TemplateName: tmpl.Name,
		CurrentStep:  StepInitial,
		Context:      models.JSONB{},
		ExpiresAt:    time.Now().Add(time.Duration(e.cfg.TTLHours) * time.Hour),
	}
	if err := e.db.Create(&state).Error; err != nil {
		return fmt.Errorf("failed to create conversation state: %w", err)
	}

	e.log.Info("conversation started", "phone", phone, "template", tmpl.Name)
	e.emit(ctx, queue.EventConversationStarted, phone, tmpl.Name)

	if menu != nil {
		return e.sendPrompt(ctx, phone, menu.Body, menu.Buttons, nil)
	}
	initial := steps[StepInitial]
	return e.sendPrompt(ctx, phone, initial.Prompt, initial.Buttons, nil)
}

// advance moves the conversation forward on one user message
func (e *Engine) advance(ctx context.Context, state *models.ConversationState, msg *whatsapp.ParsedMessage, phone string) error {
	var tmpl models.WorkflowTemplate
	err := e.db.Where("name = ? AND is_active = ?", state.TemplateName, true).First(&tmpl).Error
	if err != nil {
		// Template removed or deactivated mid-conversation. Close it out.
		e.log.Warn("conversation template gone, ending", "phone", phone, "template", state.TemplateName)
		return e.end(ctx, state, phone)
	}

	steps, err := ParseSteps(&tmpl)
	if err != nil {
		return err
	}
	step, ok := steps[state.CurrentStep]
	if !ok {
		e.log.Warn("conversation on unknown step, ending", "phone", phone, "step", state.CurrentStep)
		return e.end(ctx, state, phone)
	}

	selection := msg.ButtonReplyID
	if selection == "" {
		selection = msg.ListReplyID
	}
	input := strings.TrimSpace(msg.Text)

	// Typed input goes through the step's validation; button taps do not.
	if step.Validation != "" && selection == "" {
		valid, vErr := validInput(step.Validation, input)
		if vErr != nil {
			return fmt.Errorf("step %q has invalid validation: %w", state.CurrentStep, vErr)
		}
		if !valid {
			errMsg := step.ErrorMessage
			if errMsg == "" {
				errMsg = "That doesn't look right, please try again."
			}
			return e.sendText(ctx, phone, errMsg)
		}
	}

	if state.Context == nil {
		state.Context = models.JSONB{}
	}
	if step.ContextKey != "" {
		if selection != "" {
			state.Context[step.ContextKey] = msg.Text // button/list title
		} else {
			state.Context[step.ContextKey] = input
		}
	}

	next := resolveNext(step, selection, input)
	if next == "" {
		// Nothing routes this input: nudge with the current prompt.
		prompt := templateutil.Replace(step.Prompt, state.Context)
		return e.sendPrompt(ctx, phone, prompt, step.Buttons, state.Context)
	}

	if next == NextTalkToExpert {
		return e.handoff(ctx, state, phone)
	}

	nextStep, ok := steps[next]
	if !ok {
		// A target that is not a step may name another template: close the
		// current conversation and enter the target at its menu.
		var target models.WorkflowTemplate
		if dbErr := e.db.Where("name = ? AND is_active = ?", next, true).First(&target).Error; dbErr == nil {
			if err := e.end(ctx, state, phone); err != nil {
				return err
			}
			return e.start(ctx, phone, &target)
		}
		e.log.Error("conversation routed to missing step", "phone", phone, "step", next, "template", tmpl.Name)
		return e.end(ctx, state, phone)
	}

	prompt := templateutil.Replace(nextStep.Prompt, state.Context)
	if err := e.sendPrompt(ctx, phone, prompt, nextStep.Buttons, state.Context); err != nil {
		return err
	}

	if nextStep.EndConversation {
		return e.end(ctx, state, phone)
	}

	updates := map[string]interface{}{
		"current_step": next,
		"context":      state.Context,
		"expires_at":   time.Now().Add(time.Duration(e.cfg.TTLHours) * time.Hour),
	}
	if err := e.db.Model(state).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to advance conversation: %w", err)
	}
	e.log.Debug("conversation advanced", "phone", phone, "template", tmpl.Name, "step", next)
	return nil
}

// validInput checks typed input against a step's validation. The "number"
// kind accepts a positive integer; anything else is a regular expression.
func validInput(validation, input string) (bool, error) {
	if validation == ValidationNumber {
		n, err := strconv.Atoi(strings.TrimSpace(input))
		return err == nil && n > 0, nil
	}
	re, err := regexp.Compile(validation)
	if err != nil {
		return false, err
	}
	return re.MatchString(input), nil
}

// resolveNext picks the follow-up step for the user's reply. Button ids win,
// then typed input, then the "default" route, then the unconditional Next.
func resolveNext(step Step, selection, input string) string {
	if len(step.NextSteps) > 0 {
		if selection != "" {
			if target, ok := step.NextSteps[selection]; ok {
				return target
			}
		}
		if input != "" {
			if target, ok := step.NextSteps[strings.ToLower(input)]; ok {
				return target
			}
		}
		if target, ok := step.NextSteps["default"]; ok {
			return target
		}
		return ""
	}
	return step.Next
}

// handoff parks the user with a human agent and closes the bot conversation
func (e *Engine) handoff(ctx context.Context, state *models.ConversationState, phone string) error {
	session := models.AgentSession{
		Phone:     phone,
		Status:    models.AgentSessionWaiting,
		Topic:     state.TemplateName,
		ExpiresAt: time.Now().Add(time.Duration(e.cfg.AgentSessionHours) * time.Hour),
	}
	if err := e.db.Create(&session).Error; err != nil {
		return fmt.Errorf("failed to create agent session: %w", err)
	}

	e.log.Info("conversation handed to agent", "phone", phone, "session_id", session.ID)
	e.emit(ctx, queue.EventAgentHandoff, phone, state.TemplateName)

	if err := e.sendText(ctx, phone, "Connecting you with one of our team members. We'll be right with you!"); err != nil {
		return err
	}
	return e.end(ctx, state, phone)
}

// end deletes the conversation state
func (e *Engine) end(ctx context.Context, state *models.ConversationState, phone string) error {
	if err := e.db.Delete(state).Error; err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	e.log.Info("conversation ended", "phone", phone, "template", state.TemplateName)
	e.emit(ctx, queue.EventConversationEnded, phone, state.TemplateName)
	return nil
}

// SweepExpired removes stale conversation states and expires waiting agent
// sessions. Called periodically; the same checks run lazily on access.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now()

	res := e.db.Where("expires_at < ?", now).Delete(&models.ConversationState{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep conversations: %w", res.Error)
	}
	swept := res.RowsAffected

	if err := e.db.Model(&models.AgentSession{}).
		Where("status <> ? AND expires_at < ?", models.AgentSessionEnded, now).
		Update("status", models.AgentSessionEnded).Error; err != nil {
		return swept, fmt.Errorf("failed to expire agent sessions: %w", err)
	}

	if swept > 0 {
		e.log.Info("swept expired conversations", "count", swept)
	}
	return swept, nil
}

// StartSweeper runs SweepExpired on an interval until ctx is cancelled
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepExpired(ctx); err != nil {
				e.log.Error("conversation sweep failed", "error", err)
			}
		}
	}
}

// sendPrompt enqueues the step message: interactive when buttons are
// configured, plain text otherwise.
func (e *Engine) sendPrompt(ctx context.Context, phone, prompt string, buttons []whatsapp.Button, params models.JSONB) error {
	if params != nil {
		prompt = templateutil.Replace(prompt, params)
	}
	job := queue.OutgoingJob{
		Phone: phone,
		Meta:  queue.OutgoingMeta{Source: queue.SourceConversation},
	}
	if len(buttons) > 0 {
		job.Kind = queue.OutgoingInteractive
		job.Interactive = &queue.InteractiveSend{Body: prompt, Buttons: buttons}
	} else {
		job.Kind = queue.OutgoingText
		job.Text = prompt
	}
	if _, err := e.q.Send(ctx, queue.LaneOutgoing, job, map[string]string{queue.AttrSource: queue.SourceConversation}); err != nil {
		return fmt.Errorf("failed to enqueue conversation reply: %w", err)
	}
	return nil
}

func (e *Engine) sendText(ctx context.Context, phone, text string) error {
	return e.sendPrompt(ctx, phone, text, nil, nil)
}

// emit publishes an analytics event; failures are logged, never fatal
func (e *Engine) emit(ctx context.Context, event, phone, template string) {
	_, err := e.q.Send(ctx, queue.LaneAnalytics, queue.AnalyticsEvent{
		Event:      event,
		Phone:      phone,
		Properties: map[string]interface{}{"template": template},
		At:         time.Now().UTC(),
	}, nil)
	if err != nil {
		e.log.Warn("failed to emit analytics event", "event", event, "error", err)
	}
}

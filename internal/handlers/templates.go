package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"github.com/wavelinehq/waveline/internal/conversation"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/reply"
	"github.com/zerodha/fastglue"
)

// ListTemplates returns all workflow templates
func (a *App) ListTemplates(r *fastglue.Request) error {
	var templates []models.WorkflowTemplate
	if err := a.DB.Order("name ASC").Find(&templates).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list templates", nil, "")
	}
	return r.SendEnvelope(templates)
}

// GetTemplate returns one workflow template by ID
func (a *App) GetTemplate(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "template")
	if err != nil {
		return nil
	}

	var t models.WorkflowTemplate
	if err := a.DB.First(&t, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Template not found", nil, "")
	}
	return r.SendEnvelope(t)
}

// templateExists reports whether a workflow template with the given name is
// stored, so step targets can route to other templates.
func (a *App) templateExists(name string) bool {
	var count int64
	if err := a.DB.Model(&models.WorkflowTemplate{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

// CreateTemplate stores a new workflow template after structural validation
func (a *App) CreateTemplate(r *fastglue.Request) error {
	var t models.WorkflowTemplate
	if err := json.Unmarshal(r.RequestCtx.PostBody(), &t); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}

	if err := conversation.ValidateTemplate(&t, a.templateExists); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, err.Error(), nil, "")
	}
	if t.IsActive == nil {
		t.IsActive = models.Bool(true)
	}

	if err := a.DB.Create(&t).Error; err != nil {
		a.Log.Error("failed to create template", "name", t.Name, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Template name already exists", nil, "")
	}

	a.Log.Info("workflow template created", "name", t.Name)
	return r.SendEnvelope(t)
}

// UpdateTemplate replaces a workflow template's definition
func (a *App) UpdateTemplate(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "template")
	if err != nil {
		return nil
	}

	var existing models.WorkflowTemplate
	if err := a.DB.First(&existing, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Template not found", nil, "")
	}

	var t models.WorkflowTemplate
	if err := json.Unmarshal(r.RequestCtx.PostBody(), &t); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if err := conversation.ValidateTemplate(&t, a.templateExists); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, err.Error(), nil, "")
	}
	if t.IsActive == nil {
		t.IsActive = models.Bool(true)
	}

	updates := map[string]interface{}{
		"name":             t.Name,
		"type":             t.Type,
		"trigger_keywords": t.TriggerKeywords,
		"menu":             t.Menu,
		"steps":            t.Steps,
		"is_active":        t.IsActive,
	}
	if err := a.DB.Model(&existing).Updates(updates).Error; err != nil {
		a.Log.Error("failed to update template", "id", id, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update template", nil, "")
	}
	return r.SendEnvelope(existing)
}

// DeleteTemplate removes a workflow template. Conversations already inside
// the flow end on their next input when the template is gone.
func (a *App) DeleteTemplate(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "template")
	if err != nil {
		return nil
	}

	res := a.DB.Delete(&models.WorkflowTemplate{}, "id = ?", id)
	if res.Error != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to delete template", nil, "")
	}
	if res.RowsAffected == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Template not found", nil, "")
	}
	return r.SendEnvelope(map[string]string{"status": "deleted"})
}

// ListReplyRules returns all reply rules in evaluation order
func (a *App) ListReplyRules(r *fastglue.Request) error {
	var rules []models.ReplyRule
	if err := a.DB.Order("priority DESC, created_at ASC").Find(&rules).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to list reply rules", nil, "")
	}
	return r.SendEnvelope(rules)
}

// CreateReplyRule stores a new reply rule. The compiled rule set is loaded at
// startup, so new rules take effect on the next restart.
func (a *App) CreateReplyRule(r *fastglue.Request) error {
	var rule models.ReplyRule
	if err := json.Unmarshal(r.RequestCtx.PostBody(), &rule); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if rule.Name == "" || rule.Condition == "" || rule.Reply == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Name, condition, and reply are required", nil, "")
	}
	if err := reply.CheckCondition(rule.Condition); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid condition: "+err.Error(), nil, "")
	}

	if rule.IsActive == nil {
		rule.IsActive = models.Bool(true)
	}

	if err := a.DB.Create(&rule).Error; err != nil {
		a.Log.Error("failed to create reply rule", "name", rule.Name, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusConflict, "Rule name already exists", nil, "")
	}
	return r.SendEnvelope(rule)
}

// UpdateReplyRule updates an existing reply rule
func (a *App) UpdateReplyRule(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "rule")
	if err != nil {
		return nil
	}

	var existing models.ReplyRule
	if err := a.DB.First(&existing, "id = ?", id).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Rule not found", nil, "")
	}

	var rule models.ReplyRule
	if err := json.Unmarshal(r.RequestCtx.PostBody(), &rule); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid request body", nil, "")
	}
	if rule.Condition != "" {
		if err := reply.CheckCondition(rule.Condition); err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid condition: "+err.Error(), nil, "")
		}
		existing.Condition = rule.Condition
	}
	if rule.Name != "" {
		existing.Name = rule.Name
	}
	if rule.Reply != "" {
		existing.Reply = rule.Reply
	}
	existing.Priority = rule.Priority
	if rule.IsActive != nil {
		existing.IsActive = rule.IsActive
	}

	if err := a.DB.Save(&existing).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to update rule", nil, "")
	}
	return r.SendEnvelope(existing)
}

// DeleteReplyRule removes a reply rule
func (a *App) DeleteReplyRule(r *fastglue.Request) error {
	id, err := parsePathUUID(r, "id", "rule")
	if err != nil {
		return nil
	}

	res := a.DB.Delete(&models.ReplyRule{}, "id = ?", id)
	if res.Error != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to delete rule", nil, "")
	}
	if res.RowsAffected == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Rule not found", nil, "")
	}
	return r.SendEnvelope(map[string]string{"status": "deleted"})
}

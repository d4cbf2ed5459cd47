// Package reply implements the keyword auto-reply engine. Rules are loaded
// and compiled once at startup; the rule set is immutable at runtime, so rule
// edits take effect on restart.
package reply

import (
	"fmt"
	"regexp"
	"time"

	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/models"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// RuleBusinessHours is the rule that only fires outside business hours
const RuleBusinessHours = "business_hours_closed"

type compiledRule struct {
	rule models.ReplyRule
	re   *regexp.Regexp // nil for the "*" catch-all
}

// Engine matches incoming text against the compiled rule set
type Engine struct {
	rules []compiledRule
	hours config.BusinessHoursConfig
	log   logf.Logger
}

// NewEngine loads active rules from the database and compiles them. An
// invalid regex fails the load with the rule named in the error.
func NewEngine(db *gorm.DB, hours config.BusinessHoursConfig, log logf.Logger) (*Engine, error) {
	var rules []models.ReplyRule
	if err := db.Where("is_active = ?", true).
		Order("priority DESC, created_at ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load reply rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}
		if r.Condition != "*" {
			re, err := regexp.Compile(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("reply rule %q has invalid condition: %w", r.Name, err)
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	log.Info("reply rules loaded", "count", len(compiled))
	return &Engine{rules: compiled, hours: hours, log: log}, nil
}

// Match returns the highest-priority rule matching text, if any. Rules with
// equal priority keep database insertion order. The business-hours rule only
// matches outside configured hours.
func (e *Engine) Match(text string, now time.Time) (*models.ReplyRule, bool) {
	for i := range e.rules {
		cr := &e.rules[i]

		if cr.rule.Name == RuleBusinessHours && e.WithinBusinessHours(now) {
			continue
		}
		if cr.re != nil && !cr.re.MatchString(text) {
			continue
		}
		return &cr.rule, true
	}
	return nil, false
}

// WithinBusinessHours reports whether now falls inside configured hours
func (e *Engine) WithinBusinessHours(now time.Time) bool {
	if !e.hours.Weekends {
		switch now.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}
	h := now.Hour()
	return h >= e.hours.OpenHour && h < e.hours.CloseHour
}

// Len reports the number of compiled rules
func (e *Engine) Len() int {
	return len(e.rules)
}

// CheckCondition validates a rule condition without compiling an engine.
// "*" is the catch-all and always valid.
func CheckCondition(condition string) error {
	if condition == "*" {
		return nil
	}
	_, err := regexp.Compile(condition)
	return err
}

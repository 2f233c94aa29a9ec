package approval

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alekspetrov/warden/internal/logging"
)

// Condition type constants
const (
	ConditionKeyword      = "keyword"
	ConditionAgentPattern = "agent_pattern"
)

// Rule marks a task critical when its condition matches.
type Rule struct {
	Name      string    `yaml:"name"`
	Enabled   bool      `yaml:"enabled"`
	Condition Condition `yaml:"condition"`
}

// Condition is the match criterion of a rule.
type Condition struct {
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`
}

// RuleContext is what rules are evaluated against.
type RuleContext struct {
	TaskID      int64
	Title       string
	Description string
	AgentName   string
}

// KeywordRules builds one enabled keyword rule per keyword.
func KeywordRules(keywords []string) []Rule {
	rules := make([]Rule, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		rules = append(rules, Rule{
			Name:      "keyword:" + kw,
			Enabled:   true,
			Condition: Condition{Type: ConditionKeyword, Pattern: kw},
		})
	}
	return rules
}

// RuleEvaluator evaluates criticality rules against a task
type RuleEvaluator struct {
	rules    []Rule
	keywords map[string]*regexp.Regexp
	log      *slog.Logger
}

// NewRuleEvaluator creates a new rule evaluator with the given rules
func NewRuleEvaluator(rules []Rule) *RuleEvaluator {
	re := &RuleEvaluator{
		rules:    rules,
		keywords: make(map[string]*regexp.Regexp),
		log:      logging.WithComponent("approval-rules"),
	}
	for _, r := range rules {
		if r.Condition.Type == ConditionKeyword && r.Condition.Pattern != "" {
			// Matches words starting with the keyword: "deploy" matches "deployment".
			re.keywords[r.Condition.Pattern] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(r.Condition.Pattern))
		}
	}
	return re
}

// Evaluate returns the first enabled rule matching ctx, or nil.
func (re *RuleEvaluator) Evaluate(ctx RuleContext) *Rule {
	for i := range re.rules {
		rule := &re.rules[i]
		if !rule.Enabled {
			continue
		}
		if re.matches(rule, ctx) {
			re.log.Info("criticality rule matched",
				slog.String("rule", rule.Name),
				slog.Int64("task_id", ctx.TaskID),
			)
			return rule
		}
	}
	return nil
}

// IsCritical reports whether any rule matches.
func (re *RuleEvaluator) IsCritical(ctx RuleContext) bool {
	return re.Evaluate(ctx) != nil
}

func (re *RuleEvaluator) matches(rule *Rule, ctx RuleContext) bool {
	switch rule.Condition.Type {
	case ConditionKeyword:
		rx, ok := re.keywords[rule.Condition.Pattern]
		if !ok {
			return false
		}
		return rx.MatchString(ctx.Title) || rx.MatchString(ctx.Description)
	case ConditionAgentPattern:
		return re.matchAgentPattern(rule, ctx)
	default:
		re.log.Warn("unknown condition type",
			slog.String("rule", rule.Name),
			slog.String("type", rule.Condition.Type),
		)
		return false
	}
}

// matchAgentPattern glob-matches the assigned agent's name.
func (re *RuleEvaluator) matchAgentPattern(rule *Rule, ctx RuleContext) bool {
	if rule.Condition.Pattern == "" || ctx.AgentName == "" {
		return false
	}
	matched, err := filepath.Match(rule.Condition.Pattern, ctx.AgentName)
	if err != nil {
		re.log.Warn("invalid agent pattern",
			slog.String("rule", rule.Name),
			slog.String("pattern", rule.Condition.Pattern),
			slog.String("error", err.Error()),
		)
		return false
	}
	return matched
}

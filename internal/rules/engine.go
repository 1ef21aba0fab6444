package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	ConditionUsagePercent  = "usage_percent"
	ConditionUsageAbsolute = "usage_absolute"
	ConditionTier          = "tier"
	ConditionModelPattern  = "model_pattern"
	ConditionAnd           = "and"
	ConditionOr            = "or"

	ActionAllow          = "allow"
	ActionBlock          = "block"
	ActionCustomResponse = "custom_response"
)

type Condition struct {
	Type string `json:"type"`

	// For usage conditions: "gt", "gte", "lt", "lte", "eq" (default "gte")
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`

	Tier    string `json:"tier,omitempty"`
	Pattern string `json:"pattern,omitempty"`

	// Sub-conditions for "and"/"or"
	Conditions []Condition `json:"conditions,omitempty"`
}

type Action struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"status_code,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

type Rule struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	Condition Condition `json:"condition"`
	Action    Action    `json:"action"`
}

// Request-scoped facts the conditions evaluate against
type Context struct {
	UsagePercent  float64
	AbsoluteUsage int64
	Tier          string
	Model         string
}

type compiledCondition struct {
	cond     Condition
	pattern  *regexp.Regexp
	children []compiledCondition
}

type compiledRule struct {
	rule Rule
	cond compiledCondition
}

// RuleSet is an ordered, pre-validated rule list. Rules are evaluated in
// declaration order; the first match wins.
type RuleSet struct {
	rules []compiledRule
}

// Validates condition types, operators, action types and regex patterns
// up front. Invalid rules are a configuration error, rejected here rather
// than skipped silently at request time.
func Compile(list []Rule) (*RuleSet, error) {
	set := &RuleSet{rules: make([]compiledRule, 0, len(list))}

	for i, rule := range list {
		switch rule.Action.Type {
		case ActionAllow, ActionBlock, ActionCustomResponse:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown action type %q", i, rule.ID, rule.Action.Type)
		}

		cond, err := compileCondition(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err)
		}

		set.rules = append(set.rules, compiledRule{rule: rule, cond: cond})
	}

	return set, nil
}

// Parses and compiles a serialized rule list
func CompileJSON(data []byte) (*RuleSet, error) {
	if len(data) == 0 {
		return &RuleSet{}, nil
	}

	var list []Rule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("invalid rules payload: %w", err)
	}
	return Compile(list)
}

func compileCondition(cond Condition) (compiledCondition, error) {
	compiled := compiledCondition{cond: cond}

	switch cond.Type {
	case ConditionUsagePercent, ConditionUsageAbsolute:
		switch cond.Operator {
		case "", "gt", "gte", "lt", "lte", "eq":
		default:
			return compiledCondition{}, fmt.Errorf("unknown operator %q", cond.Operator)
		}

	case ConditionTier:
		if cond.Tier == "" {
			return compiledCondition{}, fmt.Errorf("tier condition requires a tier name")
		}

	case ConditionModelPattern:
		re, err := regexp.Compile(cond.Pattern)
		if err != nil {
			return compiledCondition{}, fmt.Errorf("invalid pattern %q: %w", cond.Pattern, err)
		}
		compiled.pattern = re

	case ConditionAnd, ConditionOr:
		if len(cond.Conditions) == 0 {
			return compiledCondition{}, fmt.Errorf("%s condition requires sub-conditions", cond.Type)
		}
		for _, sub := range cond.Conditions {
			child, err := compileCondition(sub)
			if err != nil {
				return compiledCondition{}, err
			}
			compiled.children = append(compiled.children, child)
		}

	default:
		return compiledCondition{}, fmt.Errorf("unknown condition type %q", cond.Type)
	}

	return compiled, nil
}

// Returns the first enabled rule whose condition matches, or (false, nil)
// so the caller falls through to its default allow.
func (s *RuleSet) Evaluate(ctx Context) (bool, *Action) {
	for i := range s.rules {
		if !s.rules[i].rule.Enabled {
			continue
		}
		if s.rules[i].cond.matches(ctx) {
			action := s.rules[i].rule.Action
			return true, &action
		}
	}
	return false, nil
}

func (s *RuleSet) Len() int {
	return len(s.rules)
}

func (c *compiledCondition) matches(ctx Context) bool {
	switch c.cond.Type {
	case ConditionUsagePercent:
		return compare(ctx.UsagePercent, c.cond.Operator, c.cond.Value)
	case ConditionUsageAbsolute:
		return compare(float64(ctx.AbsoluteUsage), c.cond.Operator, c.cond.Value)
	case ConditionTier:
		return ctx.Tier == c.cond.Tier
	case ConditionModelPattern:
		return c.pattern.MatchString(ctx.Model)
	case ConditionAnd:
		for i := range c.children {
			if !c.children[i].matches(ctx) {
				return false
			}
		}
		return true
	case ConditionOr:
		for i := range c.children {
			if c.children[i].matches(ctx) {
				return true
			}
		}
		return false
	}
	return false
}

func compare(actual float64, operator string, value float64) bool {
	switch operator {
	case "gt":
		return actual > value
	case "lt":
		return actual < value
	case "lte":
		return actual <= value
	case "eq":
		return actual == value
	default: // gte
		return actual >= value
	}
}

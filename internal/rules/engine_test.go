package rules

import (
	"testing"
)

func mustCompile(t *testing.T, list []Rule) *RuleSet {
	t.Helper()

	set, err := Compile(list)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return set
}

func TestFirstMatchWins(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			ID:        "warn-at-50",
			Enabled:   true,
			Condition: Condition{Type: ConditionUsagePercent, Operator: "gte", Value: 50},
			Action:    Action{Type: ActionCustomResponse, StatusCode: 402, Body: []byte(`{"upgrade":true}`)},
		},
		{
			ID:        "block-at-90",
			Enabled:   true,
			Condition: Condition{Type: ConditionUsagePercent, Operator: "gte", Value: 90},
			Action:    Action{Type: ActionBlock},
		},
	})

	matched, action := set.Evaluate(Context{UsagePercent: 95})
	if !matched {
		t.Fatal("No rule matched")
	}
	// Declaration order, not specificity: the 50% rule comes first
	if action.Type != ActionCustomResponse || action.StatusCode != 402 {
		t.Fatalf("Action = %+v, want the first declared match", action)
	}
}

func TestDisabledRulesSkipped(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			ID:        "disabled-block",
			Enabled:   false,
			Condition: Condition{Type: ConditionUsagePercent, Operator: "gte", Value: 0},
			Action:    Action{Type: ActionBlock},
		},
	})

	if matched, _ := set.Evaluate(Context{UsagePercent: 100}); matched {
		t.Fatal("Disabled rule matched")
	}
}

func TestNoMatchFallsThrough(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			ID:        "tier-free",
			Enabled:   true,
			Condition: Condition{Type: ConditionTier, Tier: "free"},
			Action:    Action{Type: ActionBlock},
		},
	})

	matched, action := set.Evaluate(Context{Tier: "pro"})
	if matched || action != nil {
		t.Fatal("Unexpected match; caller should fall through to default allow")
	}
}

func TestCompositeConditions(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			ID:      "free-and-heavy",
			Enabled: true,
			Condition: Condition{
				Type: ConditionAnd,
				Conditions: []Condition{
					{Type: ConditionTier, Tier: "free"},
					{Type: ConditionUsagePercent, Operator: "gte", Value: 80},
				},
			},
			Action: Action{Type: ActionBlock},
		},
		{
			ID:      "vip-or-light",
			Enabled: true,
			Condition: Condition{
				Type: ConditionOr,
				Conditions: []Condition{
					{Type: ConditionTier, Tier: "vip"},
					{Type: ConditionUsageAbsolute, Operator: "lt", Value: 10},
				},
			},
			Action: Action{Type: ActionAllow},
		},
	})

	if matched, action := set.Evaluate(Context{Tier: "free", UsagePercent: 85}); !matched || action.Type != ActionBlock {
		t.Fatalf("AND condition: matched=%v action=%+v", matched, action)
	}

	if matched, _ := set.Evaluate(Context{Tier: "free", UsagePercent: 50, AbsoluteUsage: 100}); matched {
		t.Fatal("Neither rule should match a mid-usage free tenant")
	}

	if matched, action := set.Evaluate(Context{Tier: "vip", UsagePercent: 99, AbsoluteUsage: 100}); !matched || action.Type != ActionAllow {
		t.Fatalf("OR condition: matched=%v action=%+v", matched, action)
	}
}

func TestNestedComposite(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			ID:      "nested",
			Enabled: true,
			Condition: Condition{
				Type: ConditionAnd,
				Conditions: []Condition{
					{Type: ConditionUsagePercent, Operator: "gte", Value: 50},
					{
						Type: ConditionOr,
						Conditions: []Condition{
							{Type: ConditionTier, Tier: "free"},
							{Type: ConditionTier, Tier: "trial"},
						},
					},
				},
			},
			Action: Action{Type: ActionBlock},
		},
	})

	if matched, _ := set.Evaluate(Context{Tier: "trial", UsagePercent: 60}); !matched {
		t.Fatal("Nested OR inside AND should match")
	}
	if matched, _ := set.Evaluate(Context{Tier: "pro", UsagePercent: 60}); matched {
		t.Fatal("Pro tier should not match the nested OR")
	}
}

func TestModelPattern(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			ID:        "no-big-models",
			Enabled:   true,
			Condition: Condition{Type: ConditionModelPattern, Pattern: `^gpt-4`},
			Action:    Action{Type: ActionBlock},
		},
	})

	if matched, _ := set.Evaluate(Context{Model: "gpt-4-turbo"}); !matched {
		t.Fatal("Pattern should match gpt-4-turbo")
	}
	if matched, _ := set.Evaluate(Context{Model: "gpt-3.5-turbo"}); matched {
		t.Fatal("Pattern should not match gpt-3.5-turbo")
	}
}

func TestCompileRejectsInvalidConfig(t *testing.T) {
	cases := []Rule{
		{ID: "bad-regex", Enabled: true, Condition: Condition{Type: ConditionModelPattern, Pattern: `([`}, Action: Action{Type: ActionBlock}},
		{ID: "bad-type", Enabled: true, Condition: Condition{Type: "mystery"}, Action: Action{Type: ActionBlock}},
		{ID: "bad-op", Enabled: true, Condition: Condition{Type: ConditionUsagePercent, Operator: "contains"}, Action: Action{Type: ActionBlock}},
		{ID: "bad-action", Enabled: true, Condition: Condition{Type: ConditionTier, Tier: "x"}, Action: Action{Type: "explode"}},
		{ID: "empty-and", Enabled: true, Condition: Condition{Type: ConditionAnd}, Action: Action{Type: ActionBlock}},
		{ID: "no-tier", Enabled: true, Condition: Condition{Type: ConditionTier}, Action: Action{Type: ActionBlock}},
	}

	for _, rule := range cases {
		if _, err := Compile([]Rule{rule}); err == nil {
			t.Errorf("Compile accepted invalid rule %q", rule.ID)
		}
	}

	// Disabled rules are still validated: config errors fail at setup
	if _, err := Compile([]Rule{{
		ID:        "disabled-bad-regex",
		Enabled:   false,
		Condition: Condition{Type: ConditionModelPattern, Pattern: `([`},
		Action:    Action{Type: ActionBlock},
	}}); err == nil {
		t.Error("Compile accepted an invalid disabled rule")
	}
}

func TestCompileJSON(t *testing.T) {
	set, err := CompileJSON([]byte(`[
		{"id":"r1","enabled":true,
		 "condition":{"type":"usage_percent","operator":"gte","value":80},
		 "action":{"type":"block"}}
	]`))
	if err != nil {
		t.Fatalf("CompileJSON failed: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("Len = %d, want 1", set.Len())
	}

	if _, err := CompileJSON([]byte(`{not json`)); err == nil {
		t.Fatal("CompileJSON accepted malformed payload")
	}

	empty, err := CompileJSON(nil)
	if err != nil || empty.Len() != 0 {
		t.Fatalf("CompileJSON(nil) = %v, %v", empty, err)
	}
}

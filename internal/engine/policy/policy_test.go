package policy_test

import (
	"strings"
	"testing"

	"propline/internal/domain"
	"propline/internal/engine/policy"
)

func pol(id, scopeType string, priority int, rules ...domain.PolicyRule) domain.Policy {
	return domain.Policy{
		ID:        id,
		ScopeType: scopeType,
		Priority:  priority,
		IsActive:  true,
		Rules:     rules,
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	policies := []domain.Policy{
		pol("p1", "property", 10,
			domain.PolicyRule{ActionType: "create_work_order", Decision: domain.DecisionAllow, Reason: "routine orders are safe"},
			domain.PolicyRule{ActionType: "*", Decision: domain.DecisionBlock},
		),
		pol("p2", "global", 100,
			domain.PolicyRule{ActionType: "create_work_order", Decision: domain.DecisionBlock},
		),
	}

	d := policy.Evaluate(policies, policy.Input{ActionType: "create_work_order"})
	if d.Effect != domain.DecisionAllow {
		t.Fatalf("expected allow from first policy, got %s", d.Effect)
	}
	if d.PolicyID != "p1" || d.RuleIndex != 0 {
		t.Fatalf("expected p1 rule 0, got %s rule %d", d.PolicyID, d.RuleIndex)
	}
	if d.Reason != "routine orders are safe" {
		t.Fatalf("expected rule reason, got %q", d.Reason)
	}

	d = policy.Evaluate(policies, policy.Input{ActionType: "adjust_listing"})
	if d.Effect != domain.DecisionBlock || d.PolicyID != "p1" || d.RuleIndex != 1 {
		t.Fatalf("wildcard rule should match: got %s from %s rule %d", d.Effect, d.PolicyID, d.RuleIndex)
	}
}

func TestEvaluateDefaultRequiresApproval(t *testing.T) {
	d := policy.Evaluate(nil, policy.Input{ActionType: "create_work_order"})
	if d.Effect != domain.DecisionRequireApproval {
		t.Fatalf("expected require_approval default, got %s", d.Effect)
	}
	if d.Reason != policy.DefaultReason {
		t.Fatalf("expected default reason, got %q", d.Reason)
	}
	if d.PolicyID != "" || d.RuleIndex != -1 {
		t.Fatalf("default decision must not name a rule")
	}

	policies := []domain.Policy{
		pol("p1", "global", 10, domain.PolicyRule{ActionType: "send_tenant_message", Decision: domain.DecisionAllow}),
	}
	d = policy.Evaluate(policies, policy.Input{ActionType: "adjust_listing"})
	if d.Effect != domain.DecisionRequireApproval {
		t.Fatalf("unmatched action type must require approval, got %s", d.Effect)
	}
}

func TestEvaluateConditions(t *testing.T) {
	policies := []domain.Policy{
		pol("p1", "global", 10,
			domain.PolicyRule{ActionType: "create_work_order", When: `priority == "routine"`, Decision: domain.DecisionAllow},
			domain.PolicyRule{ActionType: "create_work_order", Decision: domain.DecisionRequireApproval, Reason: "non-routine orders need a look"},
		),
	}

	d := policy.Evaluate(policies, policy.Input{
		ActionType: "create_work_order",
		Context:    map[string]any{"priority": "routine"},
	})
	if d.Effect != domain.DecisionAllow {
		t.Fatalf("expected allow for routine, got %s", d.Effect)
	}

	d = policy.Evaluate(policies, policy.Input{
		ActionType: "create_work_order",
		Context:    map[string]any{"priority": "urgent"},
	})
	if d.Effect != domain.DecisionRequireApproval || d.RuleIndex != 1 {
		t.Fatalf("expected fallthrough to rule 1, got %s rule %d", d.Effect, d.RuleIndex)
	}
}

func TestEvaluateConditionSeesActionFields(t *testing.T) {
	policies := []domain.Policy{
		pol("p1", "global", 10,
			domain.PolicyRule{ActionType: "*", When: `target startsWith "unit:"`, Decision: domain.DecisionAllow},
		),
	}
	d := policy.Evaluate(policies, policy.Input{ActionType: "create_work_order", Target: "unit:u-1"})
	if d.Effect != domain.DecisionAllow {
		t.Fatalf("expected allow, got %s (%s)", d.Effect, d.Reason)
	}
	d = policy.Evaluate(policies, policy.Input{ActionType: "create_work_order", Target: "building:b-1"})
	if d.Effect != domain.DecisionRequireApproval {
		t.Fatalf("expected default, got %s", d.Effect)
	}
}

func TestEvaluateBrokenConditionFailsClosed(t *testing.T) {
	policies := []domain.Policy{
		pol("p1", "global", 10,
			domain.PolicyRule{ActionType: "*", When: `missing_field > 100`, Decision: domain.DecisionAllow},
		),
	}
	d := policy.Evaluate(policies, policy.Input{ActionType: "create_work_order"})
	if d.Effect != domain.DecisionRequireApproval {
		t.Fatalf("broken condition must fail closed, got %s", d.Effect)
	}
	if !strings.Contains(d.Reason, "condition error") {
		t.Fatalf("expected condition error in reason, got %q", d.Reason)
	}
}

func TestValidRules(t *testing.T) {
	if err := policy.ValidRules(nil); err == nil {
		t.Fatalf("empty rule set must be rejected")
	}
	if err := policy.ValidRules([]domain.PolicyRule{{ActionType: "", Decision: domain.DecisionAllow}}); err == nil {
		t.Fatalf("empty action_type must be rejected")
	}
	if err := policy.ValidRules([]domain.PolicyRule{{ActionType: "*", Decision: "permit"}}); err == nil {
		t.Fatalf("unknown decision must be rejected")
	}
	if err := policy.ValidRules([]domain.PolicyRule{{ActionType: "*", When: `priority ==`, Decision: domain.DecisionAllow}}); err == nil {
		t.Fatalf("unparsable condition must be rejected")
	}
	err := policy.ValidRules([]domain.PolicyRule{
		{ActionType: "create_work_order", When: `cost_estimate < 500`, Decision: domain.DecisionAllow},
		{ActionType: "*", Decision: domain.DecisionRequireApproval},
	})
	if err != nil {
		t.Fatalf("valid rules rejected: %v", err)
	}
}

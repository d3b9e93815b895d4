// Package policy classifies proposed actions as auto-executable, blocked, or
// approval-required. Evaluation is a pure function of the action input and the
// active policy set: no clocks, no randomness, no I/O.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"

	"propline/internal/domain"
)

// Input describes one proposed action.
type Input struct {
	ActionType string
	PropertyID string
	Target     string
	Context    map[string]any
}

// Decision is the evaluation outcome. PolicyID and RuleIndex identify the
// matched rule for the audit trail; both are empty/-1 on the default decision.
type Decision struct {
	Effect    string
	Reason    string
	PolicyID  string
	RuleIndex int
}

// DefaultReason is used when no rule matches an action type. Unclassified
// actions never auto-execute.
const DefaultReason = "no matching policy rule"

// Evaluate walks policies in order (property scope before global, priority
// descending — the order ActivePoliciesForProperty returns) and returns the
// first matching rule's decision. No match yields require_approval.
func Evaluate(policies []domain.Policy, in Input) Decision {
	env := ruleEnv(in)
	for _, p := range policies {
		for i, rule := range p.Rules {
			if rule.ActionType != "*" && rule.ActionType != in.ActionType {
				continue
			}
			if rule.When != "" {
				ok, err := evalCondition(rule.When, env)
				if err != nil {
					// A broken condition fails closed rather than silently
					// allowing the action through.
					return Decision{
						Effect:    domain.DecisionRequireApproval,
						Reason:    fmt.Sprintf("policy %s rule %d condition error: %v", p.ID, i, err),
						PolicyID:  p.ID,
						RuleIndex: i,
					}
				}
				if !ok {
					continue
				}
			}
			reason := rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("matched policy %s rule %d", p.ID, i)
			}
			return Decision{Effect: rule.Decision, Reason: reason, PolicyID: p.ID, RuleIndex: i}
		}
	}
	return Decision{Effect: domain.DecisionRequireApproval, Reason: DefaultReason, RuleIndex: -1}
}

func ruleEnv(in Input) map[string]any {
	env := make(map[string]any, len(in.Context)+3)
	for k, v := range in.Context {
		env[k] = v
	}
	env["action_type"] = in.ActionType
	env["property_id"] = in.PropertyID
	env["target"] = in.Target
	return env
}

func evalCondition(src string, env map[string]any) (bool, error) {
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile %q: %w", src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool", src)
	}
	return b, nil
}

// ValidRules checks a rule set before it is persisted: decisions must be
// known and conditions must at least compile against an empty environment.
func ValidRules(rules []domain.PolicyRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("policy requires at least one rule")
	}
	for i, rule := range rules {
		if rule.ActionType == "" {
			return fmt.Errorf("rule %d: action_type is required", i)
		}
		switch rule.Decision {
		case domain.DecisionAllow, domain.DecisionBlock, domain.DecisionRequireApproval:
		default:
			return fmt.Errorf("rule %d: unknown decision %q", i, rule.Decision)
		}
		if rule.When != "" {
			if _, err := expr.Compile(rule.When, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
		}
	}
	return nil
}

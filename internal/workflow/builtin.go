package workflow

import (
	"context"
	"fmt"
	"strings"
)

// The built-in workflows read their working set from the trigger input so the
// bodies stay deterministic. Real deployments register richer definitions via
// Registry.Register.

// MaintenanceTriage turns open maintenance reports into work orders. Hazard
// reports escalate instead of silently becoming another ticket.
func MaintenanceTriage() Definition {
	return Definition{
		Name:        "maintenance_triage",
		Description: "Triage maintenance reports into work orders and tenant updates",
		Steps: []Step{
			{Name: "collect_reports", Run: collectReports},
			{Name: "triage_reports", Run: triageReports},
			{Name: "notify_tenants", Run: notifyReportedTenants},
		},
	}
}

func collectReports(ctx context.Context, sc StepContext) Result {
	reports := inputList(sc.Input, "reports")
	if len(reports) == 0 {
		return Result{Status: StatusSkipped, Output: map[string]any{"reports": 0}}
	}
	return Result{Status: StatusDone, Output: map[string]any{"reports": len(reports)}}
}

func triageReports(ctx context.Context, sc StepContext) Result {
	reports := inputList(sc.Input, "reports")
	if len(reports) == 0 {
		return Result{Status: StatusSkipped}
	}
	res := Result{Status: StatusDone, Output: map[string]any{}}
	orders := 0
	var hazards []string
	for i, raw := range reports {
		report, ok := raw.(map[string]any)
		if !ok {
			return Result{Status: StatusFailed, Err: fmt.Errorf("report %d is not an object", i), Fatal: true}
		}
		issue := stringField(report, "issue")
		unit := stringField(report, "unit_id")
		priority := stringField(report, "priority")
		if priority == "" {
			priority = "routine"
		}
		if isHazard(issue, priority) {
			hazards = append(hazards, fmt.Sprintf("unit %s: %s", unit, issue))
			if res.Escalation == nil {
				res.Escalation = &Escalation{
					Severity: "critical",
					Category: "habitability",
					Title:    fmt.Sprintf("hazard reported in unit %s", unit),
				}
			}
			continue
		}
		res.Proposals = append(res.Proposals, Proposal{
			ActionType: ActionCreateWorkOrder,
			Target:     "unit:" + unit,
			Payload: map[string]any{
				"unit_id":  unit,
				"issue":    issue,
				"priority": priority,
			},
		})
		orders++
	}
	// One escalation covers every hazard found in the batch.
	if res.Escalation != nil {
		if len(hazards) > 1 {
			res.Escalation.Title = fmt.Sprintf("%d hazards reported", len(hazards))
		}
		res.Escalation.Details = strings.Join(hazards, "; ")
	}
	res.Output["work_orders_proposed"] = orders
	return res
}

func notifyReportedTenants(ctx context.Context, sc StepContext) Result {
	reports := inputList(sc.Input, "reports")
	res := Result{Status: StatusDone, Output: map[string]any{}}
	sent := 0
	for _, raw := range reports {
		report, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tenant := stringField(report, "tenant_id")
		if tenant == "" {
			continue
		}
		res.Proposals = append(res.Proposals, Proposal{
			ActionType: ActionSendTenantMessage,
			Target:     "tenant:" + tenant,
			Payload: map[string]any{
				"tenant_id": tenant,
				"subject":   "Maintenance request received",
				"body":      fmt.Sprintf("Your report %q is being handled.", stringField(report, "issue")),
			},
		})
		sent++
	}
	res.Output["notices_proposed"] = sent
	if sent == 0 {
		res.Status = StatusSkipped
	}
	return res
}

func isHazard(issue, priority string) bool {
	if priority == "emergency" {
		return true
	}
	issue = strings.ToLower(issue)
	for _, kw := range []string{"gas", "fire", "flood", "carbon monoxide", "no heat"} {
		if strings.Contains(issue, kw) {
			return true
		}
	}
	return false
}

// TenantNotice delivers a bulk notice to a tenant list.
func TenantNotice() Definition {
	return Definition{
		Name:        "tenant_notice",
		Description: "Compose and deliver a notice to tenants",
		Steps: []Step{
			{Name: "compose_notice", Run: composeNotice},
			{Name: "deliver_notice", Run: deliverNotice},
		},
	}
}

func composeNotice(ctx context.Context, sc StepContext) Result {
	subject := stringField(sc.Input, "subject")
	body := stringField(sc.Input, "body")
	if subject == "" || body == "" {
		return Result{Status: StatusFailed, Err: fmt.Errorf("notice requires subject and body"), Fatal: true}
	}
	return Result{Status: StatusDone, Output: map[string]any{"subject": subject}}
}

func deliverNotice(ctx context.Context, sc StepContext) Result {
	tenants := inputList(sc.Input, "tenant_ids")
	if len(tenants) == 0 {
		return Result{Status: StatusFailed, Err: fmt.Errorf("notice has no recipients"), Fatal: true}
	}
	res := Result{Status: StatusDone, Output: map[string]any{"recipients": len(tenants)}}
	for _, raw := range tenants {
		tenant, _ := raw.(string)
		if tenant == "" {
			continue
		}
		res.Proposals = append(res.Proposals, Proposal{
			ActionType: ActionSendTenantMessage,
			Target:     "tenant:" + tenant,
			Payload: map[string]any{
				"tenant_id": tenant,
				"subject":   stringField(sc.Input, "subject"),
				"body":      stringField(sc.Input, "body"),
			},
		})
	}
	return res
}

// ComplianceCheck walks a checklist of requirements; violations raise an
// exception, near-due items propose inspections.
func ComplianceCheck() Definition {
	return Definition{
		Name:        "compliance_check",
		Description: "Check property compliance requirements",
		Steps: []Step{
			{Name: "load_requirements", Run: loadRequirements},
			{Name: "evaluate_requirements", Run: evaluateRequirements},
		},
	}
}

func loadRequirements(ctx context.Context, sc StepContext) Result {
	reqs := inputList(sc.Input, "requirements")
	if len(reqs) == 0 {
		return Result{Status: StatusSkipped, Output: map[string]any{"requirements": 0}}
	}
	return Result{Status: StatusDone, Output: map[string]any{"requirements": len(reqs)}}
}

func evaluateRequirements(ctx context.Context, sc StepContext) Result {
	reqs := inputList(sc.Input, "requirements")
	if len(reqs) == 0 {
		return Result{Status: StatusSkipped}
	}
	res := Result{Status: StatusDone, Output: map[string]any{}}
	violations := 0
	var violated []string
	for i, raw := range reqs {
		req, ok := raw.(map[string]any)
		if !ok {
			return Result{Status: StatusFailed, Err: fmt.Errorf("requirement %d is not an object", i), Fatal: true}
		}
		name := stringField(req, "name")
		switch stringField(req, "state") {
		case "violated":
			violations++
			detail := stringField(req, "details")
			if detail == "" {
				detail = name
			} else {
				detail = name + ": " + detail
			}
			violated = append(violated, detail)
			if res.Escalation == nil {
				res.Escalation = &Escalation{
					Severity: "high",
					Category: "compliance",
					Title:    fmt.Sprintf("compliance violation: %s", name),
				}
			}
		case "due":
			res.Proposals = append(res.Proposals, Proposal{
				ActionType: ActionScheduleInspect,
				Target:     "requirement:" + name,
				Payload: map[string]any{
					"unit_id": stringField(req, "unit_id"),
					"kind":    name,
					"due_by":  stringField(req, "due_by"),
				},
			})
		}
	}
	if res.Escalation != nil {
		if violations > 1 {
			res.Escalation.Title = fmt.Sprintf("%d compliance violations", violations)
		}
		res.Escalation.Details = strings.Join(violated, "; ")
	}
	res.Output["violations"] = violations
	return res
}

func inputList(input map[string]any, key string) []any {
	if input == nil {
		return nil
	}
	list, _ := input[key].([]any)
	return list
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

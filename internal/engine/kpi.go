package engine

import (
	"context"
	"time"

	"propline/internal/domain"
)

// KPIReport aggregates operational health over a window. Rates are whole
// percentages; a nil rate means the denominator was zero, which is not the
// same thing as 0%. The three run rates share the terminal-run denominator.
type KPIReport struct {
	Since           string         `json:"since" format:"date-time"`
	RunsByStatus    map[string]int `json:"runs_by_status"`
	RunsByWorkflow  map[string]int `json:"runs_by_workflow"`
	RunsByTrigger   map[string]int `json:"runs_by_trigger"`
	ActionsByStatus map[string]int `json:"actions_by_status"`
	OpenBySeverity  map[string]int `json:"open_exceptions_by_severity"`
	OpenByCategory  map[string]int `json:"open_exceptions_by_category"`
	RunSuccessRate  *int           `json:"run_success_rate,omitempty"`
	EscalationRate  *int           `json:"escalation_rate,omitempty"`
	FailureRate     *int           `json:"failure_rate,omitempty"`
	AutomationRate  *int           `json:"automation_rate,omitempty"`
	ApprovalRate    *int           `json:"approval_rate,omitempty"`
}

// KPIs computes the report for the caller's property scope over the trailing
// window. Open exception counts ignore the window: an old unresolved problem
// is still a problem.
func (e Engine) KPIs(ctx context.Context, propertyIDs []string, window time.Duration) (KPIReport, error) {
	since := e.now().UTC().Add(-window).Format(time.RFC3339)
	rep := KPIReport{Since: since}

	var err error
	if rep.RunsByStatus, err = e.Repo.CountRunsByStatus(ctx, propertyIDs, since); err != nil {
		return rep, err
	}
	if rep.RunsByWorkflow, err = e.Repo.CountRunsByWorkflow(ctx, propertyIDs, since); err != nil {
		return rep, err
	}
	if rep.RunsByTrigger, err = e.Repo.CountRunsByTrigger(ctx, propertyIDs, since); err != nil {
		return rep, err
	}
	if rep.ActionsByStatus, err = e.Repo.CountActionsByStatus(ctx, propertyIDs, since); err != nil {
		return rep, err
	}
	if rep.OpenBySeverity, err = e.Repo.CountOpenExceptions(ctx, propertyIDs, "severity"); err != nil {
		return rep, err
	}
	if rep.OpenByCategory, err = e.Repo.CountOpenExceptions(ctx, propertyIDs, "category"); err != nil {
		return rep, err
	}

	terminalRuns := rep.RunsByStatus[domain.RunCompleted] + rep.RunsByStatus[domain.RunFailed] +
		rep.RunsByStatus[domain.RunEscalated] + rep.RunsByStatus[domain.RunCancelled]
	rep.RunSuccessRate = rate(rep.RunsByStatus[domain.RunCompleted], terminalRuns)
	rep.EscalationRate = rate(rep.RunsByStatus[domain.RunEscalated], terminalRuns)
	rep.FailureRate = rate(rep.RunsByStatus[domain.RunFailed], terminalRuns)

	auto := rep.ActionsByStatus[domain.ActionAutoExecuted]
	approved := rep.ActionsByStatus[domain.ActionApproved]
	rejected := rep.ActionsByStatus[domain.ActionRejected]
	failed := rep.ActionsByStatus[domain.ActionFailed]
	rep.AutomationRate = rate(auto, auto+approved+rejected+failed)
	rep.ApprovalRate = rate(approved, approved+rejected)

	return rep, nil
}

func rate(numerator, denominator int) *int {
	if denominator == 0 {
		return nil
	}
	pct := numerator * 100 / denominator
	return &pct
}

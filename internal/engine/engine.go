package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/engine/policy"
	"propline/internal/events"
	"propline/internal/notify"
	"propline/internal/repo"
	"propline/internal/workflow"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workflows *workflow.Registry
	Exec      workflow.Executor
	Notifier  notify.Notifier
	Now       func() time.Time

	locks *actionLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Workflows: workflow.Builtins(),
		Exec:      workflow.NewExecutor(),
		Notifier:  notify.LogNotifier{},
		Now:       time.Now,
		locks:     newActionLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// RunStartOptions are the parameters for enqueueing a run.
type RunStartOptions struct {
	TriggerType string
	TriggerRef  string
	Workflow    string
	PropertyID  string
	ManagerID   string
	Input       map[string]any
	ActorID     string
}

// StartRun enqueues a run and plans one step row per workflow step, all in one
// transaction. It does not execute anything; callers follow up with ExecuteRun.
func (e Engine) StartRun(ctx context.Context, opts RunStartOptions) (domain.Run, error) {
	if opts.PropertyID == "" {
		return domain.Run{}, errors.New("property is required")
	}
	if opts.ManagerID == "" {
		return domain.Run{}, errors.New("manager is required")
	}
	switch opts.TriggerType {
	case "schedule", "event", "manual":
	default:
		return domain.Run{}, fmt.Errorf("unknown trigger type %q", opts.TriggerType)
	}
	if opts.Workflow == "" && e.Config != nil {
		opts.Workflow = e.Config.Runs.DefaultWorkflow
	}
	def, err := e.Workflows.Get(opts.Workflow)
	if err != nil {
		return domain.Run{}, err
	}
	owns, err := e.Repo.OwnsProperty(ctx, opts.ManagerID, opts.PropertyID)
	if err != nil {
		return domain.Run{}, err
	}
	if !owns {
		return domain.Run{}, repo.ErrNotFound
	}
	if max := e.maxActiveRuns(); max > 0 {
		active, err := e.Repo.CountActiveRuns(ctx, opts.PropertyID)
		if err != nil {
			return domain.Run{}, err
		}
		if active >= max {
			return domain.Run{}, fmt.Errorf("property %s already has %d active runs", opts.PropertyID, active)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run := domain.Run{
		ID:          uuid.NewString(),
		TriggerType: opts.TriggerType,
		Workflow:    def.Name,
		PropertyID:  opts.PropertyID,
		ManagerID:   opts.ManagerID,
		Status:      domain.RunQueued,
		CreatedAt:   e.stamp(),
	}
	if opts.TriggerRef != "" {
		ref := opts.TriggerRef
		run.TriggerRef = &ref
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}

	inputJSON, err := encodeInput(opts.Input)
	if err != nil {
		return domain.Run{}, err
	}
	for i, step := range def.Steps {
		s := domain.Step{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			StepOrder: i + 1,
			Name:      step.Name,
			Status:    domain.StepPlanned,
		}
		if i == 0 && inputJSON != "" {
			s.InputJSON = &inputJSON
		}
		if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
			return domain.Run{}, fmt.Errorf("insert step %s: %w", step.Name, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "run.queued", run.PropertyID, "run", run.ID, opts.ActorID, events.EventPayload{
		"workflow": run.Workflow, "trigger_type": run.TriggerType,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) maxActiveRuns() int {
	if e.Config == nil {
		return 0
	}
	return e.Config.Runs.MaxActivePerProperty
}

// ExecuteRun drives a queued run to a terminal status: steps in order, a
// cancellation check between steps, proposals routed through policy. It is
// synchronous; the server launches it on a goroutine.
func (e Engine) ExecuteRun(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}
	def, err := e.Workflows.Get(run.Workflow)
	if err != nil {
		return e.finishRun(ctx, run, domain.RunFailed, "", err.Error())
	}
	if err := e.markRunning(ctx, run); err != nil {
		return err
	}

	steps, err := e.Repo.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	input := decodeInput(steps)
	sc := workflow.StepContext{
		RunID:      run.ID,
		PropertyID: run.PropertyID,
		ManagerID:  run.ManagerID,
		Input:      input,
	}
	if run.TriggerRef != nil {
		sc.TriggerRef = *run.TriggerRef
	}

	tally := runTally{}
	for i, s := range steps {
		cancelled, err := e.Repo.RunCancelRequested(ctx, runID)
		if err != nil {
			return err
		}
		if cancelled {
			if err := e.skipRemaining(ctx, steps[i:]); err != nil {
				return err
			}
			return e.finishRun(ctx, run, domain.RunCancelled, tally.summary(), "")
		}

		body, ok := findStep(def, s.Name)
		if !ok {
			return e.finishRun(ctx, run, domain.RunFailed, tally.summary(), fmt.Sprintf("workflow %s has no step %s", def.Name, s.Name))
		}
		res, err := e.executeStep(ctx, run, s, sc, body)
		if err != nil {
			return err
		}
		tally.record(res)

		if res.Escalation != nil {
			if _, err := e.RaiseException(ctx, RaiseExceptionOptions{
				RunID:      run.ID,
				PropertyID: run.PropertyID,
				Severity:   res.Escalation.Severity,
				Category:   res.Escalation.Category,
				Title:      res.Escalation.Title,
				Details:    res.Escalation.Details,
				ActorID:    "system",
			}); err != nil {
				return err
			}
			tally.escalations++
			if err := e.skipRemaining(ctx, steps[i+1:]); err != nil {
				return err
			}
			return e.finishRun(ctx, run, domain.RunEscalated, tally.summary(), "")
		}
		if res.Status == workflow.StatusFailed && res.Fatal {
			if err := e.skipRemaining(ctx, steps[i+1:]); err != nil {
				return err
			}
			detail := ""
			if res.Err != nil {
				detail = res.Err.Error()
			}
			return e.finishRun(ctx, run, domain.RunFailed, tally.summary(), detail)
		}
	}
	return e.finishRun(ctx, run, domain.RunCompleted, tally.summary(), "")
}

func findStep(def workflow.Definition, name string) (workflow.Step, bool) {
	for _, s := range def.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return workflow.Step{}, false
}

func (e Engine) markRunning(ctx context.Context, run domain.Run) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, domain.RunQueued, domain.RunRunning); err != nil {
		return err
	}
	if err := e.Repo.MarkRunStarted(ctx, tx, run.ID, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.started", run.PropertyID, "run", run.ID, "system", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// executeStep runs one step body and persists its outcome with any proposed
// actions in a single transaction. The body itself runs outside the
// transaction so slow collaborator calls do not hold database locks.
func (e Engine) executeStep(ctx context.Context, run domain.Run, s domain.Step, sc workflow.StepContext, body workflow.Step) (workflow.Result, error) {
	startedAt := e.stamp()
	s.Status = domain.StepRunning
	s.StartedAt = &startedAt
	if err := e.updateStepTx(ctx, s); err != nil {
		return workflow.Result{}, err
	}

	res := body.Run(ctx, sc)
	finishedAt := e.stamp()
	s.FinishedAt = &finishedAt
	switch res.Status {
	case workflow.StatusDone:
		s.Status = domain.StepDone
	case workflow.StatusSkipped:
		s.Status = domain.StepSkipped
	default:
		s.Status = domain.StepFailed
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	if res.Output != nil {
		out, err := json.Marshal(res.Output)
		if err != nil {
			return workflow.Result{}, fmt.Errorf("marshal step output: %w", err)
		}
		outStr := string(out)
		s.OutputJSON = &outStr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return workflow.Result{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStep(ctx, tx, s); err != nil {
		return workflow.Result{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.step."+s.Status, run.PropertyID, "step", s.ID, "system", events.EventPayload{
		"run_id": run.ID, "name": s.Name, "step_order": s.StepOrder,
	}); err != nil {
		return workflow.Result{}, err
	}

	var autoIDs []string
	for _, p := range res.Proposals {
		actionID, auto, err := e.proposeAction(ctx, tx, run, s, p)
		if err != nil {
			return workflow.Result{}, err
		}
		if auto {
			autoIDs = append(autoIDs, actionID)
		}
	}
	if err := tx.Commit(); err != nil {
		return workflow.Result{}, err
	}

	// Auto-executions go through the same claim gate approvals use, so a
	// manager racing the orchestrator still yields exactly one execution.
	for _, id := range autoIDs {
		if err := e.autoExecute(ctx, id); err != nil {
			return workflow.Result{}, err
		}
	}
	return res, nil
}

func (e Engine) updateStepTx(ctx context.Context, s domain.Step) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStep(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// proposeAction evaluates policy for one proposal and records the decision.
// Every proposal leaves an action_logs row; allow and require_approval also
// create an actions row (allow rows are claimed right after commit). Blocked
// proposals are log-only.
func (e Engine) proposeAction(ctx context.Context, tx *sql.Tx, run domain.Run, s domain.Step, p workflow.Proposal) (string, bool, error) {
	policies, err := e.Repo.ActivePoliciesForProperty(ctx, run.PropertyID)
	if err != nil {
		return "", false, err
	}
	decision := policy.Evaluate(policies, policy.Input{
		ActionType: p.ActionType,
		PropertyID: run.PropertyID,
		Target:     p.Target,
		Context:    p.Payload,
	})

	payloadJSON, err := encodeInput(p.Payload)
	if err != nil {
		return "", false, err
	}
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	now := e.stamp()

	logRow := domain.ActionLog{
		RunID:      run.ID,
		StepID:     &s.ID,
		ActionType: p.ActionType,
		Target:     p.Target,
		Decision:   decision.Effect,
		Reason:     decision.Reason,
		CreatedAt:  now,
	}
	logRow.RequestJSON = &payloadJSON
	if err := e.Repo.InsertActionLog(ctx, tx, logRow); err != nil {
		return "", false, fmt.Errorf("insert action log: %w", err)
	}

	if decision.Effect == domain.DecisionBlock {
		if err := e.Events.Append(ctx, tx, "action.blocked", run.PropertyID, "action_log", "", "system", events.EventPayload{
			"run_id": run.ID, "action_type": p.ActionType, "target": p.Target, "reason": decision.Reason,
		}); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	a := domain.Action{
		ID:          uuid.NewString(),
		RunID:       &run.ID,
		ManagerID:   run.ManagerID,
		PropertyID:  run.PropertyID,
		ActionType:  p.ActionType,
		Target:      p.Target,
		PayloadJSON: payloadJSON,
		Status:      domain.ActionPendingApproval,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return "", false, fmt.Errorf("insert action: %w", err)
	}
	evtType := "action.pending"
	if decision.Effect == domain.DecisionAllow {
		evtType = "action.allowed"
	}
	if err := e.Events.Append(ctx, tx, evtType, run.PropertyID, "action", a.ID, "system", events.EventPayload{
		"run_id": run.ID, "action_type": p.ActionType, "target": p.Target, "reason": decision.Reason,
	}); err != nil {
		return "", false, err
	}
	return a.ID, decision.Effect == domain.DecisionAllow, nil
}

// autoExecute claims and executes a policy-allowed action as the system actor.
// Losing the claim is not an error: it means a manager responded first.
func (e Engine) autoExecute(ctx context.Context, actionID string) error {
	_, err := e.respond(ctx, actionID, domain.ActionAutoExecuted, "system")
	if errors.Is(err, ErrActionBusy) || errors.Is(err, ErrActionFinalized) {
		return nil
	}
	return err
}

func (e Engine) skipRemaining(ctx context.Context, steps []domain.Step) error {
	now := e.stamp()
	for _, s := range steps {
		if s.Status != domain.StepPlanned {
			continue
		}
		s.Status = domain.StepSkipped
		s.FinishedAt = &now
		if err := e.updateStepTx(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) finishRun(ctx context.Context, run domain.Run, status, summary, errDetail string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishRun(ctx, tx, run.ID, status, summary, errDetail, e.stamp()); err != nil {
		return err
	}
	payload := events.EventPayload{"status": status}
	if errDetail != "" {
		payload["error"] = errDetail
	}
	if err := e.Events.Append(ctx, tx, "run."+status, run.PropertyID, "run", run.ID, "system", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelRun flips the cooperative cancellation flag. The orchestrator honors
// it at the next step boundary; steps already executing finish first.
func (e Engine) CancelRun(ctx context.Context, runID, actorID string, propertyIDs []string) (domain.Run, error) {
	run, err := e.Repo.GetRunScoped(ctx, runID, propertyIDs)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return domain.Run{}, fmt.Errorf("run %s is already %s: %w", runID, run.Status, repo.ErrNotFound)
	}
	if err := e.Repo.RequestRunCancel(ctx, runID); err != nil {
		return domain.Run{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "run.cancel_requested", run.PropertyID, "run", run.ID, actorID, nil); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

type runTally struct {
	done, failed, skipped int
	proposals             int
	escalations           int
}

func (t *runTally) record(res workflow.Result) {
	switch res.Status {
	case workflow.StatusDone:
		t.done++
	case workflow.StatusSkipped:
		t.skipped++
	default:
		t.failed++
	}
	t.proposals += len(res.Proposals)
}

func (t runTally) summary() string {
	return fmt.Sprintf("%d steps done, %d failed, %d skipped; %d actions proposed; %d escalations",
		t.done, t.failed, t.skipped, t.proposals, t.escalations)
}

func encodeInput(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	return string(b), nil
}

// decodeInput pulls the trigger input off the first step row.
func decodeInput(steps []domain.Step) map[string]any {
	for _, s := range steps {
		if s.StepOrder != 1 || s.InputJSON == nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(*s.InputJSON), &m); err == nil {
			return m
		}
	}
	return nil
}

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := eng.Repo.EnsureManager(ctx, tx, "mgr-1", "Test Manager", now); err != nil {
		t.Fatalf("ensure manager: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := eng.Repo.GrantProperty(ctx, "mgr-1", "prop-1"); err != nil {
		t.Fatalf("grant property: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) scope(t *testing.T) []string {
	t.Helper()
	scope, err := env.Engine.ScopeFor(env.Ctx, "mgr-1")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	return scope
}

func (env testEnv) seedPolicy(t *testing.T, id, actionType, decision string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	err := env.Engine.Repo.UpsertPolicy(env.Ctx, domain.Policy{
		ID:        id,
		ScopeType: "global",
		Priority:  10,
		IsActive:  true,
		Rules:     []domain.PolicyRule{{ActionType: actionType, Decision: decision}},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
}

func triageInput() map[string]any {
	return map[string]any{
		"reports": []any{
			map[string]any{"unit_id": "u-101", "issue": "leaking faucet", "tenant_id": "t-9"},
			map[string]any{"unit_id": "u-102", "issue": "broken blinds"},
		},
	}
}

func startAndRun(t *testing.T, env testEnv, input map[string]any) domain.Run {
	t.Helper()
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{
		TriggerType: "manual",
		Workflow:    "maintenance_triage",
		PropertyID:  "prop-1",
		ManagerID:   "mgr-1",
		Input:       input,
		ActorID:     "mgr-1",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != domain.RunQueued {
		t.Fatalf("expected queued run, got %s", run.Status)
	}
	if err := env.Engine.ExecuteRun(env.Ctx, run.ID); err != nil {
		t.Fatalf("execute run: %v", err)
	}
	run, err = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func TestRunCompletesWithAutoExecution(t *testing.T) {
	env := newTestEnv(t)
	env.seedPolicy(t, "allow-all", "*", domain.DecisionAllow)

	run := startAndRun(t, env, triageInput())
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Error)
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Fatalf("expected started/completed stamps")
	}
	if run.Summary == "" {
		t.Fatalf("expected summary")
	}

	steps, err := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepOrder != i+1 {
			t.Fatalf("step order gap at %d: %d", i, s.StepOrder)
		}
		if s.Status != domain.StepDone {
			t.Fatalf("step %s: expected done, got %s", s.Name, s.Status)
		}
	}

	actions, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{PropertyIDs: env.scope(t)})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) == 0 {
		t.Fatalf("expected auto-executed actions")
	}
	for _, a := range actions {
		if a.Status != domain.ActionAutoExecuted {
			t.Fatalf("action %s: expected auto_executed, got %s", a.ID, a.Status)
		}
		if a.ResultJSON == nil || a.ExecutedAt == nil || a.RespondedAt == nil {
			t.Fatalf("action %s missing execution stamps", a.ID)
		}
	}

	logs, err := env.Engine.Repo.ListActionLogs(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != len(actions) {
		t.Fatalf("expected %d log rows, got %d", len(actions), len(logs))
	}
	for _, l := range logs {
		if l.Decision != domain.DecisionAllow {
			t.Fatalf("log %d: expected allow, got %s", l.ID, l.Decision)
		}
	}
}

func TestUnmatchedActionsRequireApproval(t *testing.T) {
	env := newTestEnv(t)
	// No policies at all: the default must be require_approval.
	run := startAndRun(t, env, triageInput())
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	actions, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{PropertyIDs: env.scope(t)})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) == 0 {
		t.Fatalf("expected pending actions")
	}
	for _, a := range actions {
		if a.Status != domain.ActionPendingApproval {
			t.Fatalf("expected pending_approval, got %s", a.Status)
		}
	}

	a, err := env.Engine.ApproveAction(env.Ctx, actions[0].ID, "mgr-1", env.scope(t))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.Status != domain.ActionApproved {
		t.Fatalf("expected approved, got %s", a.Status)
	}
	if a.ResultJSON == nil {
		t.Fatalf("expected execution result")
	}
}

func TestBlockedActionsAreLogOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedPolicy(t, "block-orders", "create_work_order", domain.DecisionBlock)
	env.seedPolicy(t, "allow-msgs", "send_tenant_message", domain.DecisionAllow)

	run := startAndRun(t, env, triageInput())
	if run.Status != domain.RunCompleted {
		t.Fatalf("blocked actions must not fail the run, got %s", run.Status)
	}
	actions, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{PropertyIDs: env.scope(t)})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	for _, a := range actions {
		if a.ActionType == "create_work_order" {
			t.Fatalf("blocked action type must not produce an action row")
		}
	}
	logs, err := env.Engine.Repo.ListActionLogs(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	blocked := 0
	for _, l := range logs {
		if l.Decision == domain.DecisionBlock {
			blocked++
		}
	}
	if blocked == 0 {
		t.Fatalf("expected blocked decisions in the log")
	}
}

type countingExecutor struct {
	calls int32
	delay time.Duration
}

func (c *countingExecutor) Execute(ctx context.Context, actionType, target, payloadJSON string) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return `{"ok":true}`, nil
}

func insertPendingAction(t *testing.T, env testEnv, id string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.InsertAction(env.Ctx, tx, domain.Action{
		ID:          id,
		ManagerID:   "mgr-1",
		PropertyID:  "prop-1",
		ActionType:  "send_tenant_message",
		Target:      "tenant:t-1",
		PayloadJSON: `{"tenant_id":"t-1","subject":"hi","body":"hello"}`,
		Status:      domain.ActionPendingApproval,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert action: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	env := newTestEnv(t)
	exec := &countingExecutor{delay: 10 * time.Millisecond}
	env.Engine.Exec = exec
	insertPendingAction(t, env, "act-race")

	scope := env.scope(t)
	const workers = 8
	var wg sync.WaitGroup
	var wins, conflicts int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ApproveAction(env.Ctx, "act-race", "mgr-1", scope)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, engine.ErrActionBusy) || errors.Is(err, engine.ErrActionFinalized):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
	if got := atomic.LoadInt32(&exec.calls); got != 1 {
		t.Fatalf("side effect ran %d times", got)
	}
	a, err := env.Engine.Repo.GetAction(env.Ctx, "act-race")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if a.Status != domain.ActionApproved {
		t.Fatalf("expected approved, got %s", a.Status)
	}
}

func TestApprovalRacesAutoExecution(t *testing.T) {
	env := newTestEnv(t)
	env.seedPolicy(t, "allow-all", "*", domain.DecisionAllow)
	exec := &countingExecutor{delay: 25 * time.Millisecond}
	env.Engine.Exec = exec

	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{
		TriggerType: "manual",
		Workflow:    "tenant_notice",
		PropertyID:  "prop-1",
		ManagerID:   "mgr-1",
		Input: map[string]any{
			"subject":    "Water shutoff",
			"body":       "Water is off Tuesday morning.",
			"tenant_ids": []any{"t-1"},
		},
		ActorID: "mgr-1",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- env.Engine.ExecuteRun(env.Ctx, run.ID) }()

	// Race a manager approval against the orchestrator's own execution of the
	// allowed action. Whoever claims first executes; the loser must see a
	// conflict, never a second execution.
	scope := env.scope(t)
	var approvals int32
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		actions, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{RunID: run.ID, PropertyIDs: scope})
		if err != nil {
			t.Fatalf("list actions: %v", err)
		}
		if len(actions) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		if actions[0].Status != domain.ActionPendingApproval {
			break
		}
		_, err = env.Engine.ApproveAction(env.Ctx, actions[0].ID, "mgr-1", scope)
		switch {
		case err == nil:
			atomic.AddInt32(&approvals, 1)
		case errors.Is(err, engine.ErrActionBusy), errors.Is(err, engine.ErrActionFinalized):
		default:
			t.Fatalf("approve: %v", err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("execute run: %v", err)
	}

	actions, err := env.Engine.Repo.ListActions(env.Ctx, repo.ActionFilters{RunID: run.ID, PropertyIDs: scope})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %d", len(actions))
	}
	a := actions[0]
	if a.Status != domain.ActionApproved && a.Status != domain.ActionAutoExecuted {
		t.Fatalf("expected a single terminal outcome, got %s", a.Status)
	}
	if atomic.LoadInt32(&approvals) > 0 && a.Status != domain.ActionApproved {
		t.Fatalf("approval claimed the action but status is %s", a.Status)
	}
	if got := atomic.LoadInt32(&exec.calls); got != 1 {
		t.Fatalf("side effect ran %d times", got)
	}
	if a.ResultJSON == nil || a.RespondedAt == nil || a.ExecutedAt == nil {
		t.Fatalf("action missing execution stamps")
	}
}

func TestRespondAfterTerminalConflicts(t *testing.T) {
	env := newTestEnv(t)
	insertPendingAction(t, env, "act-1")
	scope := env.scope(t)

	a, err := env.Engine.RejectAction(env.Ctx, "act-1", "mgr-1", scope)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != domain.ActionRejected {
		t.Fatalf("expected rejected, got %s", a.Status)
	}
	if a.ExecutedAt != nil {
		t.Fatalf("rejected action must not execute")
	}

	if _, err := env.Engine.ApproveAction(env.Ctx, "act-1", "mgr-1", scope); !errors.Is(err, engine.ErrActionFinalized) {
		t.Fatalf("expected ErrActionFinalized, got %v", err)
	}
	if _, err := env.Engine.RejectAction(env.Ctx, "act-1", "mgr-1", scope); !errors.Is(err, engine.ErrActionFinalized) {
		t.Fatalf("expected ErrActionFinalized on double reject, got %v", err)
	}
}

func TestExecutionFailureMarksActionFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Exec = failingExecutor{}
	insertPendingAction(t, env, "act-fail")

	_, err := env.Engine.ApproveAction(env.Ctx, "act-fail", "mgr-1", env.scope(t))
	if err != nil {
		t.Fatalf("approve returned transport error: %v", err)
	}
	a, err := env.Engine.Repo.GetAction(env.Ctx, "act-fail")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if a.Status != domain.ActionFailed {
		t.Fatalf("expected failed, got %s", a.Status)
	}
	if a.ResultJSON == nil {
		t.Fatalf("expected error recorded in result")
	}
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, actionType, target, payloadJSON string) (string, error) {
	return "", fmt.Errorf("vendor unavailable")
}

type captureNotifier struct {
	mu    sync.Mutex
	items []domain.Exception
}

func (n *captureNotifier) ExceptionRaised(_ context.Context, ex domain.Exception) {
	n.mu.Lock()
	n.items = append(n.items, ex)
	n.mu.Unlock()
}

func TestHazardEscalatesRun(t *testing.T) {
	env := newTestEnv(t)
	notifier := &captureNotifier{}
	env.Engine.Notifier = notifier

	run := startAndRun(t, env, map[string]any{
		"reports": []any{
			map[string]any{"unit_id": "u-300", "issue": "gas smell in hallway", "tenant_id": "t-3"},
		},
	})
	if run.Status != domain.RunEscalated {
		t.Fatalf("expected escalated, got %s", run.Status)
	}

	steps, err := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	last := steps[len(steps)-1]
	if last.Status != domain.StepSkipped {
		t.Fatalf("steps after escalation must be skipped, got %s", last.Status)
	}

	exceptions, err := env.Engine.Repo.ListExceptions(env.Ctx, repo.ExceptionFilters{PropertyIDs: env.scope(t)})
	if err != nil {
		t.Fatalf("list exceptions: %v", err)
	}
	if len(exceptions) != 1 {
		t.Fatalf("expected one exception, got %d", len(exceptions))
	}
	ex := exceptions[0]
	if ex.Severity != domain.SeverityCritical || ex.Status != domain.ExceptionOpen {
		t.Fatalf("unexpected exception %s/%s", ex.Severity, ex.Status)
	}
	notifier.mu.Lock()
	notified := len(notifier.items)
	notifier.mu.Unlock()
	if notified != 1 {
		t.Fatalf("critical exception must notify, got %d notifications", notified)
	}
}

func TestLowSeverityDoesNotNotify(t *testing.T) {
	env := newTestEnv(t)
	notifier := &captureNotifier{}
	env.Engine.Notifier = notifier

	_, err := env.Engine.RaiseException(env.Ctx, engine.RaiseExceptionOptions{
		RunID:      "run-x",
		PropertyID: "prop-1",
		Severity:   domain.SeverityLow,
		Category:   "general",
		Title:      "minor",
		ActorID:    "system",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	notifier.mu.Lock()
	notified := len(notifier.items)
	notifier.mu.Unlock()
	if notified != 0 {
		t.Fatalf("low severity must not notify")
	}
}

func TestExceptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ex, err := env.Engine.RaiseException(env.Ctx, engine.RaiseExceptionOptions{
		RunID:      "run-x",
		PropertyID: "prop-1",
		Severity:   domain.SeverityHigh,
		Category:   "compliance",
		Title:      "permit expired",
		ActorID:    "system",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	scope := env.scope(t)

	ex, err = env.Engine.AcknowledgeException(env.Ctx, ex.ID, "mgr-1", scope)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ex.Status != domain.ExceptionAcknowledged {
		t.Fatalf("expected acknowledged, got %s", ex.Status)
	}

	// Double-ack is rejected: only open exceptions can be acknowledged.
	if _, err := env.Engine.AcknowledgeException(env.Ctx, ex.ID, "mgr-1", scope); err == nil {
		t.Fatalf("expected error on double ack")
	}

	ex, err = env.Engine.ResolveException(env.Ctx, ex.ID, "mgr-1", scope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ex.Status != domain.ExceptionResolved {
		t.Fatalf("expected resolved, got %s", ex.Status)
	}
	if ex.ResolvedAt == nil || ex.ResolvedBy == nil || *ex.ResolvedBy != "mgr-1" {
		t.Fatalf("expected resolution stamps")
	}
	if _, err := env.Engine.ResolveException(env.Ctx, ex.ID, "mgr-1", scope); err == nil {
		t.Fatalf("expected error resolving a resolved exception")
	}
}

func TestCancelSkipsRemainingSteps(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{
		TriggerType: "manual",
		Workflow:    "maintenance_triage",
		PropertyID:  "prop-1",
		ManagerID:   "mgr-1",
		Input:       triageInput(),
		ActorID:     "mgr-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CancelRun(env.Ctx, run.ID, "mgr-1", env.scope(t)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.Engine.ExecuteRun(env.Ctx, run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	run, err = env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	steps, err := env.Engine.Repo.ListSteps(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for _, s := range steps {
		if s.Status != domain.StepSkipped {
			t.Fatalf("step %s: expected skipped, got %s", s.Name, s.Status)
		}
	}
	if _, err := env.Engine.CancelRun(env.Ctx, run.ID, "mgr-1", env.scope(t)); err == nil {
		t.Fatalf("expected error cancelling terminal run")
	}
}

func TestKPIRatesSplitTerminalRuns(t *testing.T) {
	env := newTestEnv(t)
	env.seedPolicy(t, "allow-all", "*", domain.DecisionAllow)

	if run := startAndRun(t, env, triageInput()); run.Status != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	hazard := startAndRun(t, env, map[string]any{
		"reports": []any{
			map[string]any{"unit_id": "u-7", "issue": "flooded basement", "tenant_id": "t-7"},
		},
	})
	if hazard.Status != domain.RunEscalated {
		t.Fatalf("expected escalated, got %s", hazard.Status)
	}

	rep, err := env.Engine.KPIs(env.Ctx, env.scope(t), 24*time.Hour)
	if err != nil {
		t.Fatalf("kpis: %v", err)
	}
	if rep.RunSuccessRate == nil || *rep.RunSuccessRate != 50 {
		t.Fatalf("expected 50%% success rate, got %v", rep.RunSuccessRate)
	}
	if rep.EscalationRate == nil || *rep.EscalationRate != 50 {
		t.Fatalf("expected 50%% escalation rate, got %v", rep.EscalationRate)
	}
	if rep.FailureRate == nil || *rep.FailureRate != 0 {
		t.Fatalf("expected 0%% failure rate, got %v", rep.FailureRate)
	}
}

func TestActiveRunCap(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Runs.MaxActivePerProperty = 1

	opts := engine.RunStartOptions{
		TriggerType: "manual",
		Workflow:    "maintenance_triage",
		PropertyID:  "prop-1",
		ManagerID:   "mgr-1",
		ActorID:     "mgr-1",
	}
	if _, err := env.Engine.StartRun(env.Ctx, opts); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := env.Engine.StartRun(env.Ctx, opts); err == nil {
		t.Fatalf("expected active-run cap to reject second run")
	}
}

func TestOutOfScopePropertyReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{
		TriggerType: "manual",
		Workflow:    "maintenance_triage",
		PropertyID:  "prop-other",
		ManagerID:   "mgr-1",
		ActorID:     "mgr-1",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for ungranted property, got %v", err)
	}

	env.seedPolicy(t, "allow-all", "*", domain.DecisionAllow)
	run := startAndRun(t, env, triageInput())
	if _, err := env.Engine.Repo.GetRunScoped(env.Ctx, run.ID, []string{"prop-other"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected scope hiding, got %v", err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"propline/internal/domain"
	"propline/internal/events"
	"propline/internal/repo"
)

// ApproveAction executes a pending action on behalf of a manager. Exactly one
// responder wins: concurrent approvals, rejections, and the orchestrator's own
// auto-execution all funnel through the same claim.
func (e Engine) ApproveAction(ctx context.Context, actionID, managerID string, propertyIDs []string) (domain.Action, error) {
	if _, err := e.Repo.GetActionScoped(ctx, actionID, propertyIDs); err != nil {
		return domain.Action{}, err
	}
	return e.respond(ctx, actionID, domain.ActionApproved, managerID)
}

// RejectAction declines a pending action. No side effect runs; the claim still
// applies so a rejection racing an approval resolves to a single outcome.
func (e Engine) RejectAction(ctx context.Context, actionID, managerID string, propertyIDs []string) (domain.Action, error) {
	if _, err := e.Repo.GetActionScoped(ctx, actionID, propertyIDs); err != nil {
		return domain.Action{}, err
	}
	return e.respond(ctx, actionID, domain.ActionRejected, managerID)
}

// respond is the single gate out of pending_approval: in-process lock, then
// the conditional claim, then (for approve/auto) the side effect, then the
// stamped finalize. The action's terminal status and result_json are written
// exactly once no matter how many responders race.
func (e Engine) respond(ctx context.Context, actionID, wantStatus, actorID string) (domain.Action, error) {
	if !e.locks.TryAcquire(actionID) {
		return domain.Action{}, ErrActionBusy
	}
	defer e.locks.Release(actionID)

	respondedAt := e.stamp()
	claimed, err := e.Repo.ClaimAction(ctx, actionID, wantStatus, respondedAt)
	if err != nil {
		return domain.Action{}, err
	}
	if !claimed {
		a, err := e.Repo.GetAction(ctx, actionID)
		if err != nil {
			return domain.Action{}, err
		}
		if a.Terminal() || a.RespondedAt != nil {
			return domain.Action{}, ErrActionFinalized
		}
		return domain.Action{}, ErrActionBusy
	}

	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return domain.Action{}, err
	}

	finalStatus := wantStatus
	var resultJSON, executedAt string
	switch wantStatus {
	case domain.ActionApproved, domain.ActionAutoExecuted:
		out, execErr := e.Exec.Execute(ctx, a.ActionType, a.Target, a.PayloadJSON)
		executedAt = e.stamp()
		if execErr != nil {
			// Execution failure is an outcome, not a retry: the action lands
			// in failed with the error recorded as its result.
			finalStatus = domain.ActionFailed
			resultJSON = encodeExecError(execErr)
		} else {
			resultJSON = out
		}
	case domain.ActionRejected:
		resultJSON = fmt.Sprintf(`{"rejected_by":%q}`, actorID)
	default:
		return domain.Action{}, fmt.Errorf("unknown response status %q", wantStatus)
	}

	ok, err := e.Repo.FinalizeAction(ctx, actionID, finalStatus, resultJSON, respondedAt, executedAt)
	if err != nil {
		return domain.Action{}, err
	}
	if !ok {
		return domain.Action{}, fmt.Errorf("finalize action %s: claim stamp no longer matches", actionID)
	}

	if err := e.appendActionEvent(ctx, a, finalStatus, actorID); err != nil {
		return domain.Action{}, err
	}
	return e.Repo.GetAction(ctx, actionID)
}

func (e Engine) appendActionEvent(ctx context.Context, a domain.Action, status, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{"action_type": a.ActionType, "target": a.Target}
	if a.RunID != nil {
		payload["run_id"] = *a.RunID
	}
	if err := e.Events.Append(ctx, tx, "action."+status, a.PropertyID, "action", a.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActionScoped exposes the scope-checked read for the API layer.
func (e Engine) GetActionScoped(ctx context.Context, id string, propertyIDs []string) (domain.Action, error) {
	return e.Repo.GetActionScoped(ctx, id, propertyIDs)
}

// ScopeFor resolves the property scope of a manager. An unknown manager has an
// empty scope, which reads as not-found everywhere downstream.
func (e Engine) ScopeFor(ctx context.Context, managerID string) ([]string, error) {
	ids, err := e.Repo.ManagerPropertyIDs(ctx, managerID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return ids, nil
}

func encodeExecError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"propline/internal/domain"
)

const actionColumns = `id,run_id,manager_id,property_id,action_type,target,payload_json,status,result_json,created_at,responded_at,executed_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var runID, result, respondedAt, executedAt sql.NullString
	err := scan(&a.ID, &runID, &a.ManagerID, &a.PropertyID, &a.ActionType, &a.Target, &a.PayloadJSON,
		&a.Status, &result, &a.CreatedAt, &respondedAt, &executedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RunID = nullStringPtr(runID)
	a.ResultJSON = nullStringPtr(result)
	a.RespondedAt = nullStringPtr(respondedAt)
	a.ExecutedAt = nullStringPtr(executedAt)
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,run_id,manager_id,property_id,action_type,target,payload_json,status,result_json,created_at,responded_at,executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.RunID), a.ManagerID, a.PropertyID, a.ActionType, a.Target, a.PayloadJSON,
		a.Status, nullableStringPtr(a.ResultJSON), a.CreatedAt, nullableStringPtr(a.RespondedAt), nullableStringPtr(a.ExecutedAt))
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// GetActionScoped reads an action only within the caller's property scope.
func (r Repo) GetActionScoped(ctx context.Context, id string, propertyIDs []string) (domain.Action, error) {
	if len(propertyIDs) == 0 {
		return domain.Action{}, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM actions WHERE id=? AND property_id IN (%s)`, actionColumns, placeholders(len(propertyIDs)))
	args := append([]any{id}, inArgs(propertyIDs)...)
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanAction(row.Scan)
}

// ClaimAction is the conditional claim: it moves an action out of
// pending_approval and stamps responded_at only if nobody else has. Exactly
// one caller can see ok=true for a given action.
func (r Repo) ClaimAction(ctx context.Context, id, interimStatus, respondedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE actions SET status=?, responded_at=? WHERE id=? AND status=? AND responded_at IS NULL`,
		interimStatus, respondedAt, id, domain.ActionPendingApproval)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinalizeAction writes the terminal status and result, guarded by the exact
// responded_at stamp from the claim so a stale claimant cannot overwrite a
// result written by someone else.
func (r Repo) FinalizeAction(ctx context.Context, id, status, resultJSON, respondedAt, executedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE actions SET status=?, result_json=?, executed_at=? WHERE id=? AND responded_at=?`,
		status, nullable(resultJSON), nullable(executedAt), id, respondedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type ActionFilters struct {
	PropertyIDs []string
	RunID       string
	Status      string
	ActionType  string
	Limit       int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	if len(f.PropertyIDs) == 0 {
		return nil, nil
	}
	clauses := []string{fmt.Sprintf("property_id IN (%s)", placeholders(len(f.PropertyIDs)))}
	args := inArgs(f.PropertyIDs)
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	query := `SELECT ` + actionColumns + ` FROM actions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertActionLog(ctx context.Context, tx *sql.Tx, l domain.ActionLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_logs(run_id,step_id,action_type,target,request_json,response_json,decision,reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		l.RunID, nullableStringPtr(l.StepID), l.ActionType, l.Target, nullableStringPtr(l.RequestJSON),
		nullableStringPtr(l.ResponseJSON), l.Decision, l.Reason, l.CreatedAt)
	return err
}

func (r Repo) ListActionLogs(ctx context.Context, runID string) ([]domain.ActionLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step_id,action_type,target,request_json,response_json,decision,reason,created_at
FROM action_logs WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionLog
	for rows.Next() {
		var l domain.ActionLog
		var stepID, request, response sql.NullString
		if err := rows.Scan(&l.ID, &l.RunID, &stepID, &l.ActionType, &l.Target, &request, &response, &l.Decision, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.StepID = nullStringPtr(stepID)
		l.RequestJSON = nullStringPtr(request)
		l.ResponseJSON = nullStringPtr(response)
		res = append(res, l)
	}
	return res, rows.Err()
}

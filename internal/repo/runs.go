package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"propline/internal/domain"
)

const runColumns = `id,trigger_type,trigger_ref,workflow,property_id,manager_id,status,COALESCE(summary,''),COALESCE(error,''),cancel_requested,started_at,completed_at,created_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var triggerRef, startedAt, completedAt sql.NullString
	var cancel int
	err := scan(&r.ID, &r.TriggerType, &triggerRef, &r.Workflow, &r.PropertyID, &r.ManagerID, &r.Status,
		&r.Summary, &r.Error, &cancel, &startedAt, &completedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.TriggerRef = nullStringPtr(triggerRef)
	r.StartedAt = nullStringPtr(startedAt)
	r.CompletedAt = nullStringPtr(completedAt)
	r.CancelRequested = cancel != 0
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,trigger_type,trigger_ref,workflow,property_id,manager_id,status,summary,error,cancel_requested,started_at,completed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TriggerType, nullableStringPtr(run.TriggerRef), run.Workflow, run.PropertyID, run.ManagerID,
		run.Status, nullable(run.Summary), nullable(run.Error), boolInt(run.CancelRequested),
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.CompletedAt), run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// GetRunScoped fetches a run only when its property is in the caller's scope.
// Out-of-scope runs read as not found.
func (r Repo) GetRunScoped(ctx context.Context, id string, propertyIDs []string) (domain.Run, error) {
	if len(propertyIDs) == 0 {
		return domain.Run{}, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE id=? AND property_id IN (%s)`, runColumns, placeholders(len(propertyIDs)))
	args := append([]any{id}, inArgs(propertyIDs)...)
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanRun(row.Scan)
}

// UpdateRunStatus transitions a run only when it still has the expected
// status; zero rows affected means another writer got there first.
func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, id, expected, next string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=? WHERE id=? AND status=?`, next, id, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s is no longer %s: %w", id, expected, ErrNotFound)
	}
	return nil
}

func (r Repo) MarkRunStarted(ctx context.Context, tx *sql.Tx, id, startedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, started_at=? WHERE id=?`, domain.RunRunning, startedAt, id)
	return err
}

func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, id, status, summary, errDetail, completedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, summary=?, error=?, completed_at=? WHERE id=?`,
		status, nullable(summary), nullable(errDetail), completedAt, id)
	return err
}

// RequestRunCancel flips the cooperative cancellation flag while the run is
// still cancellable. Returns ErrNotFound when the run is already terminal.
func (r Repo) RequestRunCancel(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET cancel_requested=1 WHERE id=? AND status IN (?,?)`,
		id, domain.RunQueued, domain.RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RunCancelRequested(ctx context.Context, id string) (bool, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id=?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return v != 0, err
}

type RunFilters struct {
	PropertyIDs []string
	Status      string
	Workflow    string
	TriggerType string
	Limit       int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	if len(f.PropertyIDs) == 0 {
		return nil, nil
	}
	clauses := []string{fmt.Sprintf("property_id IN (%s)", placeholders(len(f.PropertyIDs)))}
	args := inArgs(f.PropertyIDs)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Workflow != "" {
		clauses = append(clauses, "workflow=?")
		args = append(args, f.Workflow)
	}
	if f.TriggerType != "" {
		clauses = append(clauses, "trigger_type=?")
		args = append(args, f.TriggerType)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountActiveRuns counts queued/running runs for a property.
func (r Repo) CountActiveRuns(ctx context.Context, propertyID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM runs WHERE property_id=? AND status IN (?,?)`,
		propertyID, domain.RunQueued, domain.RunRunning).Scan(&n)
	return n, err
}

const stepColumns = `id,run_id,step_order,name,status,input_json,output_json,COALESCE(error,''),started_at,finished_at`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var s domain.Step
	var input, output, startedAt, finishedAt sql.NullString
	err := scan(&s.ID, &s.RunID, &s.StepOrder, &s.Name, &s.Status, &input, &output, &s.Error, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.InputJSON = nullStringPtr(input)
	s.OutputJSON = nullStringPtr(output)
	s.StartedAt = nullStringPtr(startedAt)
	s.FinishedAt = nullStringPtr(finishedAt)
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_steps(id,run_id,step_order,name,status,input_json,output_json,error,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RunID, s.StepOrder, s.Name, s.Status, nullableStringPtr(s.InputJSON), nullableStringPtr(s.OutputJSON),
		nullable(s.Error), nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt))
	return err
}

func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `UPDATE run_steps SET status=?, input_json=?, output_json=?, error=?, started_at=?, finished_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.InputJSON), nullableStringPtr(s.OutputJSON), nullable(s.Error),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt), s.ID)
	return err
}

func (r Repo) ListSteps(ctx context.Context, runID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM run_steps WHERE run_id=? ORDER BY step_order ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

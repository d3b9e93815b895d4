package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"propline/internal/domain"
)

const exceptionColumns = `id,run_id,property_id,severity,category,title,COALESCE(details,''),status,created_at,resolved_at,resolved_by`

func scanException(scan func(dest ...any) error) (domain.Exception, error) {
	var e domain.Exception
	var resolvedAt, resolvedBy sql.NullString
	err := scan(&e.ID, &e.RunID, &e.PropertyID, &e.Severity, &e.Category, &e.Title, &e.Details, &e.Status,
		&e.CreatedAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ResolvedAt = nullStringPtr(resolvedAt)
	e.ResolvedBy = nullStringPtr(resolvedBy)
	return e, nil
}

func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, e domain.Exception) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(id,run_id,property_id,severity,category,title,details,status,created_at,resolved_at,resolved_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.PropertyID, e.Severity, e.Category, e.Title, nullable(e.Details), e.Status,
		e.CreatedAt, nullableStringPtr(e.ResolvedAt), nullableStringPtr(e.ResolvedBy))
	return err
}

func (r Repo) GetExceptionScoped(ctx context.Context, id string, propertyIDs []string) (domain.Exception, error) {
	if len(propertyIDs) == 0 {
		return domain.Exception{}, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM exceptions WHERE id=? AND property_id IN (%s)`, exceptionColumns, placeholders(len(propertyIDs)))
	args := append([]any{id}, inArgs(propertyIDs)...)
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanException(row.Scan)
}

// SetExceptionStatus moves an exception only from the expected statuses;
// severity never changes after insert.
func (r Repo) SetExceptionStatus(ctx context.Context, id, next string, from []string, resolvedAt, resolvedBy *string) error {
	query := fmt.Sprintf(`UPDATE exceptions SET status=?, resolved_at=COALESCE(?,resolved_at), resolved_by=COALESCE(?,resolved_by)
WHERE id=? AND status IN (%s)`, placeholders(len(from)))
	args := []any{next, nullableStringPtr(resolvedAt), nullableStringPtr(resolvedBy), id}
	args = append(args, inArgs(from)...)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exception %s not in expected status: %w", id, ErrNotFound)
	}
	return nil
}

type ExceptionFilters struct {
	PropertyIDs []string
	RunID       string
	Status      string
	Severity    string
	Limit       int
}

func (r Repo) ListExceptions(ctx context.Context, f ExceptionFilters) ([]domain.Exception, error) {
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
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exception
	for rows.Next() {
		e, err := scanException(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

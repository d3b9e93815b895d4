package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"propline/internal/domain"
)

func (r Repo) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal policy rules: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO policies(id,scope_type,scope_id,priority,is_active,rules_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET scope_type=excluded.scope_type, scope_id=excluded.scope_id, priority=excluded.priority,
is_active=excluded.is_active, rules_json=excluded.rules_json, updated_at=excluded.updated_at`,
		p.ID, p.ScopeType, nullableStringPtr(p.ScopeID), p.Priority, boolInt(p.IsActive), string(rules), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,scope_type,scope_id,priority,is_active,rules_json,created_at,updated_at FROM policies WHERE id=?`, id)
	return scanPolicy(row.Scan)
}

func scanPolicy(scan func(dest ...any) error) (domain.Policy, error) {
	var p domain.Policy
	var scopeID sql.NullString
	var active int
	var rules string
	err := scan(&p.ID, &p.ScopeType, &scopeID, &p.Priority, &active, &rules, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ScopeID = nullStringPtr(scopeID)
	p.IsActive = active != 0
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return p, fmt.Errorf("policy %s rules: %w", p.ID, err)
	}
	return p, nil
}

// ActivePoliciesForProperty returns active policies in evaluation order:
// property scope before global, then priority descending.
func (r Repo) ActivePoliciesForProperty(ctx context.Context, propertyID string) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scope_type,scope_id,priority,is_active,rules_json,created_at,updated_at
FROM policies WHERE is_active=1 AND (scope_type='global' OR (scope_type='property' AND scope_id=?))
ORDER BY CASE scope_type WHEN 'property' THEN 0 ELSE 1 END, priority DESC, id ASC`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scope_type,scope_id,priority,is_active,rules_json,created_at,updated_at
FROM policies ORDER BY scope_type ASC, priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM policies WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

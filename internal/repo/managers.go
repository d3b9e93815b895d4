package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureManager(ctx context.Context, tx *sql.Tx, managerID, name, now string) error {
	if name == "" {
		name = managerID
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT OR IGNORE INTO managers(id, name, created_at) VALUES (?,?,?)`, managerID, name, now)
	return err
}

func (r Repo) GrantProperty(ctx context.Context, managerID, propertyID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO manager_properties(manager_id, property_id) VALUES (?,?)`, managerID, propertyID)
	return err
}

func (r Repo) RevokeProperty(ctx context.Context, managerID, propertyID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM manager_properties WHERE manager_id=? AND property_id=?`, managerID, propertyID)
	return err
}

// ManagerPropertyIDs resolves the set of properties a manager may act on.
func (r Repo) ManagerPropertyIDs(ctx context.Context, managerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT property_id FROM manager_properties WHERE manager_id=? ORDER BY property_id`, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OwnsProperty reports whether the property is in the manager's scope.
func (r Repo) OwnsProperty(ctx context.Context, managerID, propertyID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM manager_properties WHERE manager_id=? AND property_id=? LIMIT 1`,
		managerID, propertyID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

package repo

import (
	"context"
	"fmt"
)

// RFC3339 strings compare lexicographically, so the window bound is a plain
// string comparison against created_at.

func (r Repo) CountRunsByStatus(ctx context.Context, propertyIDs []string, since string) (map[string]int, error) {
	return r.groupCount(ctx, `SELECT status, count(*) FROM runs`, "status", propertyIDs, since)
}

func (r Repo) CountRunsByWorkflow(ctx context.Context, propertyIDs []string, since string) (map[string]int, error) {
	return r.groupCount(ctx, `SELECT workflow, count(*) FROM runs`, "workflow", propertyIDs, since)
}

func (r Repo) CountRunsByTrigger(ctx context.Context, propertyIDs []string, since string) (map[string]int, error) {
	return r.groupCount(ctx, `SELECT trigger_type, count(*) FROM runs`, "trigger_type", propertyIDs, since)
}

func (r Repo) CountActionsByStatus(ctx context.Context, propertyIDs []string, since string) (map[string]int, error) {
	return r.groupCount(ctx, `SELECT status, count(*) FROM actions`, "status", propertyIDs, since)
}

// CountOpenExceptions groups non-resolved exceptions by the given column
// (severity or category).
func (r Repo) CountOpenExceptions(ctx context.Context, propertyIDs []string, by string) (map[string]int, error) {
	if by != "severity" && by != "category" {
		return nil, fmt.Errorf("unsupported exception grouping %s", by)
	}
	if len(propertyIDs) == 0 {
		return map[string]int{}, nil
	}
	query := fmt.Sprintf(`SELECT %s, count(*) FROM exceptions WHERE status != 'resolved' AND property_id IN (%s) GROUP BY %s`,
		by, placeholders(len(propertyIDs)), by)
	return r.scanGroupCount(ctx, query, inArgs(propertyIDs)...)
}

func (r Repo) groupCount(ctx context.Context, selectFrom, column string, propertyIDs []string, since string) (map[string]int, error) {
	if len(propertyIDs) == 0 {
		return map[string]int{}, nil
	}
	query := fmt.Sprintf(`%s WHERE property_id IN (%s) AND created_at >= ? GROUP BY %s`,
		selectFrom, placeholders(len(propertyIDs)), column)
	args := append(inArgs(propertyIDs), since)
	return r.scanGroupCount(ctx, query, args...)
}

func (r Repo) scanGroupCount(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, rows.Err()
}

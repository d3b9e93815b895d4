package app

import (
	"context"
	"time"

	"propline/internal/config"
	"propline/internal/repo"
)

// Bootstrap loads the workspace config and makes sure the local manager
// exists. CLI commands run in a local trust model: the manager identity comes
// from a flag, not from credentials, so the row is created on first use.
func Bootstrap(ctx context.Context, workspace, managerID string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if managerID == "" {
		managerID = "local-manager"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := r.EnsureManager(ctx, tx, managerID, "", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

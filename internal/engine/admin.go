package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"propline/internal/domain"
	"propline/internal/engine/policy"
	"propline/internal/repo"
)

// EvaluatePolicy is the dry-run entry point: it classifies a hypothetical
// action against the active policy set without writing anything.
func (e Engine) EvaluatePolicy(ctx context.Context, actionType, propertyID, target string, actionContext map[string]any) (policy.Decision, error) {
	policies, err := e.Repo.ActivePoliciesForProperty(ctx, propertyID)
	if err != nil {
		return policy.Decision{}, err
	}
	return policy.Evaluate(policies, policy.Input{
		ActionType: actionType,
		PropertyID: propertyID,
		Target:     target,
		Context:    actionContext,
	}), nil
}

// CreateAPIKey mints a key for a manager and stores only its hash. The
// plaintext secret is returned once and never again.
func (e Engine) CreateAPIKey(ctx context.Context, managerID, name string) (string, domain.APIKey, error) {
	secret := "pk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ManagerID: managerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

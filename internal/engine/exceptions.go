package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"propline/internal/domain"
	"propline/internal/events"
)

type RaiseExceptionOptions struct {
	RunID      string
	PropertyID string
	Severity   string
	Category   string
	Title      string
	Details    string
	ActorID    string
}

// RaiseException records an exception and, for severities the deployment
// flags, alerts the manager. Notification happens after commit so a slow or
// broken sink cannot roll back the record.
func (e Engine) RaiseException(ctx context.Context, opts RaiseExceptionOptions) (domain.Exception, error) {
	switch opts.Severity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return domain.Exception{}, fmt.Errorf("unknown severity %q", opts.Severity)
	}
	if opts.Title == "" {
		return domain.Exception{}, errors.New("title is required")
	}
	if opts.Category == "" {
		opts.Category = "general"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()

	ex := domain.Exception{
		ID:         uuid.NewString(),
		RunID:      opts.RunID,
		PropertyID: opts.PropertyID,
		Severity:   opts.Severity,
		Category:   opts.Category,
		Title:      opts.Title,
		Details:    opts.Details,
		Status:     domain.ExceptionOpen,
		CreatedAt:  e.stamp(),
	}
	if err := e.Repo.InsertException(ctx, tx, ex); err != nil {
		return domain.Exception{}, fmt.Errorf("insert exception: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "exception.raised", ex.PropertyID, "exception", ex.ID, opts.ActorID, events.EventPayload{
		"run_id": ex.RunID, "severity": ex.Severity, "category": ex.Category, "title": ex.Title,
	}); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}

	if e.Notifier != nil && e.severityNotifies(ex.Severity) {
		e.Notifier.ExceptionRaised(ctx, ex)
	}
	return ex, nil
}

func (e Engine) severityNotifies(severity string) bool {
	var wanted []string
	if e.Config != nil {
		wanted = e.Config.NotifySeverities()
	} else {
		wanted = []string{domain.SeverityHigh, domain.SeverityCritical}
	}
	for _, s := range wanted {
		if s == severity {
			return true
		}
	}
	return false
}

// AcknowledgeException moves an open exception to acknowledged.
func (e Engine) AcknowledgeException(ctx context.Context, id, actorID string, propertyIDs []string) (domain.Exception, error) {
	ex, err := e.Repo.GetExceptionScoped(ctx, id, propertyIDs)
	if err != nil {
		return domain.Exception{}, err
	}
	if err := e.Repo.SetExceptionStatus(ctx, id, domain.ExceptionAcknowledged, []string{domain.ExceptionOpen}, nil, nil); err != nil {
		return domain.Exception{}, err
	}
	if err := e.appendExceptionEvent(ctx, ex, "exception.acknowledged", actorID); err != nil {
		return domain.Exception{}, err
	}
	return e.Repo.GetExceptionScoped(ctx, id, propertyIDs)
}

// ResolveException closes an exception from open or acknowledged and stamps
// who resolved it.
func (e Engine) ResolveException(ctx context.Context, id, actorID string, propertyIDs []string) (domain.Exception, error) {
	ex, err := e.Repo.GetExceptionScoped(ctx, id, propertyIDs)
	if err != nil {
		return domain.Exception{}, err
	}
	resolvedAt := e.stamp()
	if err := e.Repo.SetExceptionStatus(ctx, id, domain.ExceptionResolved,
		[]string{domain.ExceptionOpen, domain.ExceptionAcknowledged}, &resolvedAt, &actorID); err != nil {
		return domain.Exception{}, err
	}
	if err := e.appendExceptionEvent(ctx, ex, "exception.resolved", actorID); err != nil {
		return domain.Exception{}, err
	}
	return e.Repo.GetExceptionScoped(ctx, id, propertyIDs)
}

func (e Engine) appendExceptionEvent(ctx context.Context, ex domain.Exception, evtType, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, ex.PropertyID, "exception", ex.ID, actorID, events.EventPayload{
		"run_id": ex.RunID, "severity": ex.Severity,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

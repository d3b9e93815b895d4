// Package notify delivers out-of-band alerts to property managers. The engine
// calls it when an exception is raised at a severity the deployment cares
// about; delivery failures never block or fail the raising run.
package notify

import (
	"context"
	"log"

	"propline/internal/domain"
)

type Notifier interface {
	ExceptionRaised(ctx context.Context, ex domain.Exception)
}

// LogNotifier writes alerts to the process log. It is the default sink for
// local operation; deployments swap in pager or chat integrations.
type LogNotifier struct{}

func (LogNotifier) ExceptionRaised(_ context.Context, ex domain.Exception) {
	log.Printf("notify: %s exception %s on property %s: %s", ex.Severity, ex.ID, ex.PropertyID, ex.Title)
}

// Multi fans an alert out to several sinks.
type Multi []Notifier

func (m Multi) ExceptionRaised(ctx context.Context, ex domain.Exception) {
	for _, n := range m {
		n.ExceptionRaised(ctx, ex)
	}
}

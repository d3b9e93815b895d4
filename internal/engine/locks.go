package engine

import (
	"errors"
	"sync"
)

// ErrActionBusy means another caller holds the execution lock for the action
// right now. The API maps it to a conflict; retrying after the holder finishes
// yields a definitive answer.
var ErrActionBusy = errors.New("action is already being handled")

// ErrActionFinalized means the action already reached a terminal status, so a
// response can no longer change its outcome.
var ErrActionFinalized = errors.New("action already finalized")

// actionLocks is an in-process try-lock keyed by action id. It serializes the
// claim-execute-finalize window so two handlers for the same action never run
// the side effect concurrently; the conditional claim in the actions table
// remains the cross-process guarantee.
type actionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newActionLocks() *actionLocks {
	return &actionLocks{held: map[string]struct{}{}}
}

// TryAcquire takes the lock for id without blocking. Returns false when some
// other caller holds it.
func (l *actionLocks) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[id]; taken {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *actionLocks) Release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}

// Package workflow defines the pluggable bodies executed by run steps. The
// orchestrator only depends on the contracts here: a step returns a result
// value and may propose actions; it never mutates run state itself.
package workflow

import (
	"context"
	"fmt"
	"sort"
)

// Step statuses a body may return. Fatal failures are signalled through
// Result.Err with Fatal=true; the orchestrator owns the run transition.
const (
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Escalation asks for human attention. The orchestrator turns it into an
// exception and moves the run to escalated after the step completes.
type Escalation struct {
	Severity string
	Category string
	Title    string
	Details  string
}

// Proposal is an action a step wants performed, subject to policy.
type Proposal struct {
	ActionType string
	Target     string
	Payload    map[string]any
}

// Result is the value a step body returns. Outcomes are values, not panics:
// the orchestrator's state machine is a total function of this struct.
type Result struct {
	Status     string
	Output     map[string]any
	Err        error
	Fatal      bool
	Escalation *Escalation
	Proposals  []Proposal
}

// StepContext carries run identity and trigger input into a step body.
type StepContext struct {
	RunID      string
	PropertyID string
	ManagerID  string
	TriggerRef string
	Input      map[string]any
}

type StepFunc func(ctx context.Context, sc StepContext) Result

type Step struct {
	Name string
	Run  StepFunc
}

// Definition is an ordered workflow: step order in this slice becomes
// step_order 1..n on the run.
type Definition struct {
	Name        string
	Description string
	Steps       []Step
}

// Registry holds named workflow definitions.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: map[string]Definition{}}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

func (r *Registry) Register(d Definition) {
	r.defs[d.Name] = d
}

func (r *Registry) Get(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown workflow %s", name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtins returns the registry with the stock property-operations workflows.
func Builtins() *Registry {
	return NewRegistry(MaintenanceTriage(), TenantNotice(), ComplianceCheck())
}

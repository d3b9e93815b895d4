package domain

// Run statuses. Terminal: completed, failed, escalated, cancelled.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunEscalated = "escalated"
	RunCancelled = "cancelled"
)

// Step statuses.
const (
	StepPlanned = "planned"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Action statuses. Terminal: auto_executed, approved, rejected, failed.
const (
	ActionPendingApproval = "pending_approval"
	ActionAutoExecuted    = "auto_executed"
	ActionApproved        = "approved"
	ActionRejected        = "rejected"
	ActionFailed          = "failed"
)

// Policy decisions.
const (
	DecisionAllow           = "allow"
	DecisionBlock           = "block"
	DecisionRequireApproval = "require_approval"
)

// Exception severities and statuses.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	ExceptionOpen         = "open"
	ExceptionAcknowledged = "acknowledged"
	ExceptionResolved     = "resolved"
)

type Run struct {
	ID              string  `json:"id"`
	TriggerType     string  `json:"trigger_type" enum:"schedule,event,manual"`
	TriggerRef      *string `json:"trigger_ref,omitempty"`
	Workflow        string  `json:"workflow"`
	PropertyID      string  `json:"property_id"`
	ManagerID       string  `json:"manager_id"`
	Status          string  `json:"status" enum:"queued,running,completed,failed,escalated,cancelled"`
	Summary         string  `json:"summary,omitempty"`
	Error           string  `json:"error,omitempty"`
	CancelRequested bool    `json:"cancel_requested,omitempty"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Terminal reports whether the run has reached a terminal status.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunEscalated, RunCancelled:
		return true
	}
	return false
}

type Step struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	StepOrder  int     `json:"step_order"`
	Name       string  `json:"name"`
	Status     string  `json:"status" enum:"planned,running,done,failed,skipped"`
	InputJSON  *string `json:"input_json,omitempty"`
	OutputJSON *string `json:"output_json,omitempty"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

// ActionLog is the append-only audit record of one policy decision. It is
// never mutated after insert.
type ActionLog struct {
	ID           int64   `json:"id"`
	RunID        string  `json:"run_id"`
	StepID       *string `json:"step_id,omitempty"`
	ActionType   string  `json:"action_type"`
	Target       string  `json:"target"`
	RequestJSON  *string `json:"request_json,omitempty"`
	ResponseJSON *string `json:"response_json,omitempty"`
	Decision     string  `json:"decision" enum:"allow,block,require_approval"`
	Reason       string  `json:"reason"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Action is the approvable unit. RespondedAt doubles as the claim stamp: the
// conditional update that sets it is the single gate out of pending_approval.
type Action struct {
	ID          string  `json:"id"`
	RunID       *string `json:"run_id,omitempty"`
	ManagerID   string  `json:"manager_id"`
	PropertyID  string  `json:"property_id"`
	ActionType  string  `json:"action_type"`
	Target      string  `json:"target"`
	PayloadJSON string  `json:"payload_json"`
	Status      string  `json:"status" enum:"pending_approval,auto_executed,approved,rejected,failed"`
	ResultJSON  *string `json:"result_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
	ExecutedAt  *string `json:"executed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the action has reached a terminal status.
func (a Action) Terminal() bool {
	switch a.Status {
	case ActionAutoExecuted, ActionApproved, ActionRejected, ActionFailed:
		return true
	}
	return false
}

type Exception struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	PropertyID string  `json:"property_id"`
	Severity   string  `json:"severity" enum:"low,medium,high,critical"`
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Details    string  `json:"details,omitempty"`
	Status     string  `json:"status" enum:"open,acknowledged,resolved"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy *string `json:"resolved_by,omitempty"`
}

// Policy is a rule set at global or property scope. Property-scoped policies
// are evaluated before global ones; within a scope, higher priority first.
type Policy struct {
	ID        string       `json:"id"`
	ScopeType string       `json:"scope_type" enum:"global,property"`
	ScopeID   *string      `json:"scope_id,omitempty"`
	Priority  int          `json:"priority"`
	IsActive  bool         `json:"is_active"`
	Rules     []PolicyRule `json:"rules"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

// PolicyRule matches an action type ("*" matches any) with an optional boolean
// condition over the action context.
type PolicyRule struct {
	ActionType string `json:"action_type"`
	When       string `json:"when,omitempty"`
	Decision   string `json:"decision" enum:"allow,block,require_approval"`
	Reason     string `json:"reason,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PropertyID string `json:"property_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ManagerID string `json:"manager_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Manager struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

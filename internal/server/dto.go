package server

import (
	"encoding/json"

	"propline/internal/domain"
)

// Request payloads

type StartRunRequest struct {
	TriggerType string         `json:"trigger_type,omitempty" enum:"schedule,event,manual"`
	TriggerRef  *string        `json:"trigger_ref,omitempty"`
	Workflow    string         `json:"workflow,omitempty"`
	PropertyID  string         `json:"property_id"`
	Input       map[string]any `json:"input,omitempty"`
}

type PolicyRuleRequest struct {
	ActionType string `json:"action_type"`
	When       string `json:"when,omitempty"`
	Decision   string `json:"decision" enum:"allow,block,require_approval"`
	Reason     string `json:"reason,omitempty"`
}

type UpsertPolicyRequest struct {
	ScopeType string              `json:"scope_type" enum:"global,property"`
	ScopeID   *string             `json:"scope_id,omitempty"`
	Priority  int                 `json:"priority,omitempty"`
	IsActive  *bool               `json:"is_active,omitempty"`
	Rules     []PolicyRuleRequest `json:"rules"`
}

type EvaluatePolicyRequest struct {
	ActionType string         `json:"action_type"`
	PropertyID string         `json:"property_id"`
	Target     string         `json:"target,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type RunResponse struct {
	ID              string  `json:"id"`
	TriggerType     string  `json:"trigger_type"`
	TriggerRef      *string `json:"trigger_ref,omitempty"`
	Workflow        string  `json:"workflow"`
	PropertyID      string  `json:"property_id"`
	ManagerID       string  `json:"manager_id"`
	Status          string  `json:"status"`
	Summary         string  `json:"summary,omitempty"`
	Error           string  `json:"error,omitempty"`
	CancelRequested bool    `json:"cancel_requested,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

type StepResponse struct {
	ID         string          `json:"id"`
	StepOrder  int             `json:"step_order"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *string         `json:"started_at,omitempty"`
	FinishedAt *string         `json:"finished_at,omitempty"`
}

type RunDetailResponse struct {
	RunResponse
	Steps []StepResponse `json:"steps"`
}

type ActionResponse struct {
	ID          string          `json:"id"`
	RunID       *string         `json:"run_id,omitempty"`
	ManagerID   string          `json:"manager_id"`
	PropertyID  string          `json:"property_id"`
	ActionType  string          `json:"action_type"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   string          `json:"created_at"`
	RespondedAt *string         `json:"responded_at,omitempty"`
	ExecutedAt  *string         `json:"executed_at,omitempty"`
}

type ActionLogResponse struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	StepID     *string         `json:"step_id,omitempty"`
	ActionType string          `json:"action_type"`
	Target     string          `json:"target"`
	Request    json.RawMessage `json:"request,omitempty"`
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason"`
	CreatedAt  string          `json:"created_at"`
}

type ExceptionResponse struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	PropertyID string  `json:"property_id"`
	Severity   string  `json:"severity"`
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Details    string  `json:"details,omitempty"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
	ResolvedBy *string `json:"resolved_by,omitempty"`
}

type PolicyResponse struct {
	ID        string              `json:"id"`
	ScopeType string              `json:"scope_type"`
	ScopeID   *string             `json:"scope_id,omitempty"`
	Priority  int                 `json:"priority"`
	IsActive  bool                `json:"is_active"`
	Rules     []PolicyRuleRequest `json:"rules"`
	CreatedAt string              `json:"created_at"`
	UpdatedAt string              `json:"updated_at"`
}

type EvaluatePolicyResponse struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	PolicyID  string `json:"policy_id,omitempty"`
	RuleIndex int    `json:"rule_index"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	PropertyID string          `json:"property_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ManagerID string `json:"manager_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on create; it is never retrievable again.
	Key string `json:"key,omitempty"`
}

// Mappers

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:              r.ID,
		TriggerType:     r.TriggerType,
		TriggerRef:      r.TriggerRef,
		Workflow:        r.Workflow,
		PropertyID:      r.PropertyID,
		ManagerID:       r.ManagerID,
		Status:          r.Status,
		Summary:         r.Summary,
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

func stepResponse(s domain.Step) StepResponse {
	return StepResponse{
		ID:         s.ID,
		StepOrder:  s.StepOrder,
		Name:       s.Name,
		Status:     s.Status,
		Output:     rawJSON(s.OutputJSON),
		Error:      s.Error,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func mapSteps(items []domain.Step) []StepResponse {
	res := make([]StepResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stepResponse(s))
	}
	return res
}

func actionResponse(a domain.Action) ActionResponse {
	payload := json.RawMessage("{}")
	if a.PayloadJSON != "" && json.Valid([]byte(a.PayloadJSON)) {
		payload = json.RawMessage(a.PayloadJSON)
	}
	return ActionResponse{
		ID:          a.ID,
		RunID:       a.RunID,
		ManagerID:   a.ManagerID,
		PropertyID:  a.PropertyID,
		ActionType:  a.ActionType,
		Target:      a.Target,
		Payload:     payload,
		Status:      a.Status,
		Result:      rawJSON(a.ResultJSON),
		CreatedAt:   a.CreatedAt,
		RespondedAt: a.RespondedAt,
		ExecutedAt:  a.ExecutedAt,
	}
}

func mapActions(items []domain.Action) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}

func actionLogResponse(l domain.ActionLog) ActionLogResponse {
	return ActionLogResponse{
		ID:         l.ID,
		RunID:      l.RunID,
		StepID:     l.StepID,
		ActionType: l.ActionType,
		Target:     l.Target,
		Request:    rawJSON(l.RequestJSON),
		Decision:   l.Decision,
		Reason:     l.Reason,
		CreatedAt:  l.CreatedAt,
	}
}

func mapActionLogs(items []domain.ActionLog) []ActionLogResponse {
	res := make([]ActionLogResponse, 0, len(items))
	for _, l := range items {
		res = append(res, actionLogResponse(l))
	}
	return res
}

func exceptionResponse(e domain.Exception) ExceptionResponse {
	return ExceptionResponse{
		ID:         e.ID,
		RunID:      e.RunID,
		PropertyID: e.PropertyID,
		Severity:   e.Severity,
		Category:   e.Category,
		Title:      e.Title,
		Details:    e.Details,
		Status:     e.Status,
		CreatedAt:  e.CreatedAt,
		ResolvedAt: e.ResolvedAt,
		ResolvedBy: e.ResolvedBy,
	}
}

func mapExceptions(items []domain.Exception) []ExceptionResponse {
	res := make([]ExceptionResponse, 0, len(items))
	for _, e := range items {
		res = append(res, exceptionResponse(e))
	}
	return res
}

func policyResponse(p domain.Policy) PolicyResponse {
	rules := make([]PolicyRuleRequest, 0, len(p.Rules))
	for _, r := range p.Rules {
		rules = append(rules, PolicyRuleRequest(r))
	}
	return PolicyResponse{
		ID:        p.ID,
		ScopeType: p.ScopeType,
		ScopeID:   p.ScopeID,
		Priority:  p.Priority,
		IsActive:  p.IsActive,
		Rules:     rules,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapPolicies(items []domain.Policy) []PolicyResponse {
	res := make([]PolicyResponse, 0, len(items))
	for _, p := range items {
		res = append(res, policyResponse(p))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PropertyID: e.PropertyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func rawJSON(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	if !json.Valid([]byte(*s)) {
		return nil
	}
	return json.RawMessage(*s)
}

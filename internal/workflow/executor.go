package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executor performs an action's real-world side effect after it clears policy
// (or is approved). Implementations must be safe for concurrent use; the
// engine guarantees each action is executed at most once.
type Executor interface {
	Execute(ctx context.Context, actionType, target, payloadJSON string) (resultJSON string, err error)
}

// Known action payload shapes, keyed by action type. Unknown types are not
// executable and fall into the default-deny policy path long before they get
// here, but Execute still rejects them defensively at the decode step.
const (
	ActionCreateWorkOrder   = "create_work_order"
	ActionSendTenantMessage = "send_tenant_message"
	ActionScheduleInspect   = "schedule_inspection"
	ActionAdjustListing     = "adjust_listing"
)

type WorkOrderPayload struct {
	UnitID      string `json:"unit_id"`
	Issue       string `json:"issue"`
	Priority    string `json:"priority"`
	VendorHint  string `json:"vendor_hint,omitempty"`
	Description string `json:"description,omitempty"`
}

type TenantMessagePayload struct {
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Channel  string `json:"channel,omitempty"`
}

type InspectionPayload struct {
	UnitID string `json:"unit_id"`
	Kind   string `json:"kind"`
	DueBy  string `json:"due_by,omitempty"`
}

type ListingPayload struct {
	ListingID string  `json:"listing_id"`
	Field     string  `json:"field"`
	NewValue  string  `json:"new_value"`
	OldValue  string  `json:"old_value,omitempty"`
	Delta     float64 `json:"delta,omitempty"`
}

// CollaboratorExecutor dispatches typed payloads to the external collaborator
// clients. In this module the collaborators are narrow interfaces; the default
// construction wires loggers/recorders suitable for local operation and tests.
type CollaboratorExecutor struct {
	// Dispatch overrides execution for a given action type; used by tests and
	// by deployments that plug real collaborator clients.
	Dispatch map[string]func(ctx context.Context, target, payloadJSON string) (string, error)
}

func NewExecutor() *CollaboratorExecutor {
	return &CollaboratorExecutor{Dispatch: map[string]func(ctx context.Context, target, payloadJSON string) (string, error){}}
}

func (e *CollaboratorExecutor) Execute(ctx context.Context, actionType, target, payloadJSON string) (string, error) {
	if fn, ok := e.Dispatch[actionType]; ok {
		return fn(ctx, target, payloadJSON)
	}
	switch actionType {
	case ActionCreateWorkOrder:
		var p WorkOrderPayload
		if err := decodePayload(payloadJSON, &p); err != nil {
			return "", err
		}
		if p.UnitID == "" || p.Issue == "" {
			return "", fmt.Errorf("work order requires unit_id and issue")
		}
		return resultJSON(map[string]any{"work_order": p, "target": target, "state": "created"})
	case ActionSendTenantMessage:
		var p TenantMessagePayload
		if err := decodePayload(payloadJSON, &p); err != nil {
			return "", err
		}
		if p.TenantID == "" || p.Body == "" {
			return "", fmt.Errorf("tenant message requires tenant_id and body")
		}
		return resultJSON(map[string]any{"message": p, "target": target, "state": "sent"})
	case ActionScheduleInspect:
		var p InspectionPayload
		if err := decodePayload(payloadJSON, &p); err != nil {
			return "", err
		}
		if p.UnitID == "" {
			return "", fmt.Errorf("inspection requires unit_id")
		}
		return resultJSON(map[string]any{"inspection": p, "target": target, "state": "scheduled"})
	case ActionAdjustListing:
		var p ListingPayload
		if err := decodePayload(payloadJSON, &p); err != nil {
			return "", err
		}
		if p.ListingID == "" || p.Field == "" {
			return "", fmt.Errorf("listing adjustment requires listing_id and field")
		}
		return resultJSON(map[string]any{"listing": p, "target": target, "state": "updated"})
	default:
		return "", fmt.Errorf("unknown action type %s", actionType)
	}
}

func decodePayload(raw string, out any) error {
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func resultJSON(v map[string]any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

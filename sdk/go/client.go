package proplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Propline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID          string `json:"id"`
	TriggerType string `json:"trigger_type"`
	Workflow    string `json:"workflow"`
	PropertyID  string `json:"property_id"`
	ManagerID   string `json:"manager_id"`
	Status      string `json:"status"`
	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Step represents one run step.
type Step struct {
	ID        string          `json:"id"`
	StepOrder int             `json:"step_order"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RunDetail is a run with its steps.
type RunDetail struct {
	Run
	Steps []Step `json:"steps"`
}

// Action represents an approvable action.
type Action struct {
	ID          string          `json:"id"`
	RunID       *string         `json:"run_id,omitempty"`
	PropertyID  string          `json:"property_id"`
	ActionType  string          `json:"action_type"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   string          `json:"created_at"`
	RespondedAt *string         `json:"responded_at,omitempty"`
}

// Exception represents a problem that needs human attention.
type Exception struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	PropertyID string `json:"property_id"`
	Severity   string `json:"severity"`
	Category   string `json:"category"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PropertyID string         `json:"property_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PolicyDecision is the result of a dry-run evaluation.
type PolicyDecision struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	PolicyID  string `json:"policy_id,omitempty"`
	RuleIndex int    `json:"rule_index"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartRun starts a workflow run against a property.
func (c *Client) StartRun(ctx context.Context, propertyID, workflow string, input map[string]any) (Run, error) {
	body := map[string]any{
		"property_id": propertyID,
		"workflow":    workflow,
		"input":       input,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// GetRun fetches a run with its steps.
func (c *Client) GetRun(ctx context.Context, runID string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp, err
}

// PendingActions lists actions awaiting approval.
func (c *Client) PendingActions(ctx context.Context, propertyID string) ([]Action, error) {
	endpoint := "v0/actions?status=pending_approval"
	if propertyID != "" {
		endpoint += "&property_id=" + url.QueryEscape(propertyID)
	}
	var resp []Action
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveAction approves and executes a pending action.
func (c *Client) ApproveAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(actionID)+"/approve", nil, &resp)
	return resp, err
}

// RejectAction declines a pending action.
func (c *Client) RejectAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(actionID)+"/reject", nil, &resp)
	return resp, err
}

// OpenExceptions lists non-resolved exceptions.
func (c *Client) OpenExceptions(ctx context.Context, propertyID string) ([]Exception, error) {
	endpoint := "v0/exceptions?status=open"
	if propertyID != "" {
		endpoint += "&property_id=" + url.QueryEscape(propertyID)
	}
	var resp []Exception
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveException closes an exception.
func (c *Client) ResolveException(ctx context.Context, exceptionID string) (Exception, error) {
	var resp Exception
	err := c.do(ctx, http.MethodPost, "v0/exceptions/"+url.PathEscape(exceptionID)+"/resolve", nil, &resp)
	return resp, err
}

// EvaluatePolicy dry-runs policy classification for a hypothetical action.
func (c *Client) EvaluatePolicy(ctx context.Context, actionType, propertyID, target string, actionContext map[string]any) (PolicyDecision, error) {
	body := map[string]any{
		"action_type": actionType,
		"property_id": propertyID,
		"target":      target,
		"context":     actionContext,
	}
	var resp PolicyDecision
	err := c.do(ctx, http.MethodPost, "v0/policies/evaluate", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing for a property.
func (c *Client) EventsPage(ctx context.Context, propertyID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events?property_id=" + url.QueryEscape(propertyID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if cursor != "" {
		endpoint = fmt.Sprintf("%s&cursor=%s", endpoint, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

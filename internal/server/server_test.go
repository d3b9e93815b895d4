package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/server"
)

const testSecret = "test-secret"

type testServer struct {
	BaseURL string
	Engine  engine.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range []string{"mgr-1", "mgr-2"} {
		if err := eng.Repo.EnsureManager(ctx, tx, id, "Manager "+id, now); err != nil {
			t.Fatalf("ensure manager: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := eng.Repo.GrantProperty(ctx, "mgr-1", "prop-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	handler, err := server.New(server.Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return testServer{BaseURL: "http://" + ln.Addr().String(), Engine: eng}
}

func mintToken(t *testing.T, managerID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   managerID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v\n%s", method, url, resp.StatusCode, err, raw)
		}
	}
	return resp.StatusCode
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	var envelope errorEnvelope
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/runs", "", nil, &envelope)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}

	status = doJSON(t, http.MethodGet, ts.BaseURL+"/v0/runs", "not-a-jwt", nil, &envelope)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", status)
	}
	if envelope.Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %q", envelope.Error.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/health", "", nil, &body)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

type runBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type actionBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func startRun(t *testing.T, ts testServer, token string) runBody {
	t.Helper()
	var run runBody
	status := doJSON(t, http.MethodPost, ts.BaseURL+"/v0/runs", token, map[string]any{
		"property_id": "prop-1",
		"workflow":    "maintenance_triage",
		"input": map[string]any{
			"reports": []any{
				map[string]any{"unit_id": "u-1", "issue": "leaky faucet", "tenant_id": "t-1"},
			},
		},
	}, &run)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	return run
}

func waitTerminal(t *testing.T, ts testServer, token, runID string) runBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var run runBody
		if status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/runs/"+runID, token, nil, &run); status != http.StatusOK {
			t.Fatalf("get run: status %d", status)
		}
		switch run.Status {
		case "completed", "failed", "escalated", "cancelled":
			return run
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
	return runBody{}
}

func TestStartRunAndApprove(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")

	run := startRun(t, ts, token)
	final := waitTerminal(t, ts, token, run.ID)
	if final.Status != "completed" {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	var actions []actionBody
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/actions?status=pending_approval&run_id="+run.ID, token, nil, &actions)
	if status != http.StatusOK {
		t.Fatalf("list actions: %d", status)
	}
	if len(actions) == 0 {
		t.Fatalf("expected pending actions without policies")
	}

	var approved actionBody
	status = doJSON(t, http.MethodPost, ts.BaseURL+"/v0/actions/"+actions[0].ID+"/approve", token, nil, &approved)
	if status != http.StatusOK {
		t.Fatalf("approve: %d", status)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	var envelope errorEnvelope
	status = doJSON(t, http.MethodPost, ts.BaseURL+"/v0/actions/"+actions[0].ID+"/approve", token, nil, &envelope)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on double approve, got %d", status)
	}
	if envelope.Error.Code != "action_conflict" {
		t.Fatalf("expected action_conflict, got %q", envelope.Error.Code)
	}
}

func TestScopeHidesOtherManagersRuns(t *testing.T) {
	ts := newTestServer(t)
	owner := mintToken(t, "mgr-1")
	outsider := mintToken(t, "mgr-2")

	run := startRun(t, ts, owner)
	waitTerminal(t, ts, owner, run.ID)

	var envelope errorEnvelope
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/runs/"+run.ID, outsider, nil, &envelope)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for out-of-scope run, got %d", status)
	}

	var runs []runBody
	if status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/runs", outsider, nil, &runs); status != http.StatusOK {
		t.Fatalf("list runs: %d", status)
	}
	if len(runs) != 0 {
		t.Fatalf("outsider must see no runs, got %d", len(runs))
	}

	status = doJSON(t, http.MethodPost, ts.BaseURL+"/v0/runs", outsider, map[string]any{
		"property_id": "prop-1",
		"workflow":    "maintenance_triage",
	}, &envelope)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 starting a run on an ungranted property, got %d", status)
	}
}

func TestPolicyRoundTripAndEvaluate(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")

	var saved map[string]any
	status := doJSON(t, http.MethodPut, ts.BaseURL+"/v0/policies/auto-routine", token, map[string]any{
		"scope_type": "global",
		"priority":   10,
		"rules": []map[string]any{
			{"action_type": "create_work_order", "when": `priority == "routine"`, "decision": "allow", "reason": "routine orders are safe"},
		},
	}, &saved)
	if status != http.StatusOK {
		t.Fatalf("put policy: %d (%v)", status, saved)
	}

	var decision struct {
		Decision string `json:"decision"`
		PolicyID string `json:"policy_id"`
	}
	status = doJSON(t, http.MethodPost, ts.BaseURL+"/v0/policies/evaluate", token, map[string]any{
		"action_type": "create_work_order",
		"property_id": "prop-1",
		"target":      "unit:u-1",
		"context":     map[string]any{"priority": "routine"},
	}, &decision)
	if status != http.StatusOK {
		t.Fatalf("evaluate: %d", status)
	}
	if decision.Decision != "allow" || decision.PolicyID != "auto-routine" {
		t.Fatalf("unexpected decision %+v", decision)
	}

	var envelope errorEnvelope
	status = doJSON(t, http.MethodPut, ts.BaseURL+"/v0/policies/bad", token, map[string]any{
		"scope_type": "global",
		"rules":      []map[string]any{{"action_type": "*", "decision": "permit"}},
	}, &envelope)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown decision, got %d", status)
	}

	status = doJSON(t, http.MethodPut, ts.BaseURL+"/v0/policies/other-prop", token, map[string]any{
		"scope_type": "property",
		"scope_id":   "prop-other",
		"rules":      []map[string]any{{"action_type": "*", "decision": "block"}},
	}, &envelope)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for out-of-scope property policy, got %d", status)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")

	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	status := doJSON(t, http.MethodPost, ts.BaseURL+"/v0/apikeys", token, map[string]any{"name": "ops"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create key: %d", status)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key on create")
	}

	req, err := http.NewRequest(http.MethodGet, ts.BaseURL+"/v0/runs", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Api-Key", created.Key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", resp.StatusCode)
	}

	req.Header.Set("X-Api-Key", "pk_wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad api key, got %d", resp.StatusCode)
	}

	var listed []struct {
		ID  string `json:"id"`
		Key string `json:"key,omitempty"`
	}
	if status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/apikeys", token, nil, &listed); status != http.StatusOK {
		t.Fatalf("list keys: %d", status)
	}
	if len(listed) != 1 || listed[0].Key != "" {
		t.Fatalf("listing must not expose key material: %+v", listed)
	}
}

func TestKPIEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")
	run := startRun(t, ts, token)
	waitTerminal(t, ts, token, run.ID)

	var report struct {
		RunsByStatus   map[string]int `json:"runs_by_status"`
		RunSuccessRate *int           `json:"run_success_rate"`
		EscalationRate *int           `json:"escalation_rate"`
		FailureRate    *int           `json:"failure_rate"`
		ApprovalRate   *int           `json:"approval_rate"`
	}
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/kpis?property_id=prop-1", token, nil, &report)
	if status != http.StatusOK {
		t.Fatalf("kpis: %d", status)
	}
	if report.RunsByStatus["completed"] != 1 {
		t.Fatalf("expected one completed run, got %v", report.RunsByStatus)
	}
	if report.RunSuccessRate == nil || *report.RunSuccessRate != 100 {
		t.Fatalf("expected 100%% success rate, got %v", report.RunSuccessRate)
	}
	// One terminal run and it completed, so the sibling rates exist and are 0.
	if report.EscalationRate == nil || *report.EscalationRate != 0 {
		t.Fatalf("expected 0%% escalation rate, got %v", report.EscalationRate)
	}
	if report.FailureRate == nil || *report.FailureRate != 0 {
		t.Fatalf("expected 0%% failure rate, got %v", report.FailureRate)
	}
	// Nobody has responded to anything yet, so the approval rate has no
	// denominator and must be null rather than zero.
	if report.ApprovalRate != nil {
		t.Fatalf("expected null approval rate, got %d", *report.ApprovalRate)
	}
}

func TestRunStreamEndsWithSettledSnapshot(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")
	run := startRun(t, ts, token)
	waitTerminal(t, ts, token, run.ID)

	req, err := http.NewRequest(http.MethodGet, ts.BaseURL+"/v0/runs/"+run.ID+"/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	// The run is already terminal, so the stream drains itself.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, "event: snapshot") {
		t.Fatalf("expected snapshot frame:\n%s", body)
	}
	if !strings.Contains(body, `"live":false`) {
		t.Fatalf("settled run must stream live=false:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("expected done frame:\n%s", body)
	}
}

func TestScopeStreamSnapshotsActiveRuns(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.BaseURL+"/v0/runs/stream?property_id=prop-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var frame strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if line == "\n" {
			break
		}
		frame.WriteString(line)
	}
	got := frame.String()
	if !strings.Contains(got, "event: snapshot") {
		t.Fatalf("expected snapshot frame, got %q", got)
	}
	if !strings.Contains(got, `"runs":[`) || !strings.Contains(got, `"live":true`) {
		t.Fatalf("expected live active-run set, got %q", got)
	}
	cancel()

	// A property outside the caller's grants reads as not found.
	var envelope errorEnvelope
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/runs/stream?property_id=prop-other", token, nil, &envelope)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for out-of-scope stream, got %d", status)
	}
}

func TestEventsPagination(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "mgr-1")
	run := startRun(t, ts, token)
	waitTerminal(t, ts, token, run.ID)

	var page struct {
		Items []struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}
	status := doJSON(t, http.MethodGet, ts.BaseURL+"/v0/events?property_id=prop-1&limit=2", token, nil, &page)
	if status != http.StatusOK {
		t.Fatalf("events: %d", status)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %d items cursor=%q", len(page.Items), page.NextCursor)
	}

	url := fmt.Sprintf("%s/v0/events?property_id=prop-1&limit=2&cursor=%s", ts.BaseURL, page.NextCursor)
	firstID := page.Items[0].ID
	if status := doJSON(t, http.MethodGet, url, token, nil, &page); status != http.StatusOK {
		t.Fatalf("events page 2: %d", status)
	}
	if len(page.Items) == 0 || page.Items[0].ID == firstID {
		t.Fatalf("cursor did not advance")
	}

	var envelope errorEnvelope
	status = doJSON(t, http.MethodGet, ts.BaseURL+"/v0/events", token, nil, &envelope)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 without property_id, got %d", status)
	}
}

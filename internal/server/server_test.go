package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"bullpen/internal/config"
	"bullpen/internal/db"
	"bullpen/internal/engine"
	"bullpen/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("bullpen")
	e := engine.New(conn, cfg)
	for _, w := range cfg.Crew.Workers {
		if _, err := e.RegisterWorker(context.Background(), w.ID, w.Role); err != nil {
			t.Fatalf("register %s: %v", w.ID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:               "test-secret",
			AllowLegacyWorkerHeader: true,
			Logger:                  log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asWorker(id string) map[string]string {
	return map[string]string{"X-Worker-Id": id}
}

func decodeJSON(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func createTaskHTTP(t *testing.T, srv *testServer, worker, taskType string, priority int) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":     taskType,
		"priority": priority,
	}, asWorker(worker))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	decodeJSON(t, data, &created)
	return created
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	var body map[string]string
	decodeJSON(t, data, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %s", string(data))
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &env)
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, asWorker("planner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy worker header rejected: %d %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := asWorker("planner-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"type":     "write_spec",
		"priority": 7,
		"payload":  map[string]any{"feature": "billing"},
	}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	decodeJSON(t, data, &created)
	if created.Status != "pending" || created.Priority != 7 {
		t.Fatalf("unexpected created task %s", string(data))
	}
	if created.Payload["feature"] != "billing" {
		t.Fatalf("payload lost: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	decodeJSON(t, data, &claim)
	if claim.Task == nil || claim.Task.ID != created.ID {
		t.Fatalf("expected to claim %s, got %s", created.ID, string(data))
	}
	if claim.Task.Status != "claimed" || claim.Task.AssignedTo == nil || *claim.Task.AssignedTo != "planner-1" {
		t.Fatalf("unexpected claim state %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second claim: %d %s", res.StatusCode, string(data))
	}
	var empty ClaimResponse
	decodeJSON(t, data, &empty)
	if empty.Task != nil {
		t.Fatalf("expected null task on empty backlog, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", map[string]any{
		"result": map[string]any{"pr": 12},
	}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	decodeJSON(t, data, &done)
	if done.Status != "completed" || done.Result["pr"] != float64(12) {
		t.Fatalf("unexpected completed task %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", res.StatusCode, string(data))
	}
	var fetched TaskResponse
	decodeJSON(t, data, &fetched)
	if fetched.Status != "completed" || fetched.CompletedAt == nil {
		t.Fatalf("unexpected fetched task %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", map[string]any{}, planner)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on double complete, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestClaimOffRosterForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, asWorker("drifter"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "forbidden" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestCompleteByNonOwnerConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTaskHTTP(t, srv, "planner-1", "write_spec", 0)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, asWorker("planner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", map[string]any{}, asWorker("builder-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "not_owner" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	if env.Error.Details["holder"] != "planner-1" {
		t.Fatalf("expected holder in details, got %s", string(data))
	}
}

func TestFailRequeuesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	builder := asWorker("builder-1")

	created := createTaskHTTP(t, srv, "planner-1", "implement", 0)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/heartbeat", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", res.StatusCode, string(data))
	}
	var beating TaskResponse
	decodeJSON(t, data, &beating)
	if beating.HeartbeatAt == nil {
		t.Fatalf("expected heartbeat_at, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/fail", map[string]any{
		"reason": "flaky checkout",
	}, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fail: %d %s", res.StatusCode, string(data))
	}
	var failed TaskResponse
	decodeJSON(t, data, &failed)
	if failed.Status != "pending" || failed.Retries != 1 || failed.NotBefore == nil {
		t.Fatalf("expected backoff requeue, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/reclaim", map[string]any{}, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reclaim: %d %s", res.StatusCode, string(data))
	}
	var reclaimed ReclaimResponse
	decodeJSON(t, data, &reclaimed)
	if len(reclaimed.Reclaimed) != 0 {
		t.Fatalf("nothing should be stale, got %s", string(data))
	}
}

func TestCancelOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := asWorker("planner-1")

	created := createTaskHTTP(t, srv, "planner-1", "write_spec", 0)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/cancel", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	var cancelled TaskResponse
	decodeJSON(t, data, &cancelled)
	if cancelled.Status != "cancelled" {
		t.Fatalf("unexpected status %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	decodeJSON(t, data, &claim)
	if claim.Task != nil {
		t.Fatalf("cancelled task must not be claimable, got %s", string(data))
	}
}

func TestLockConflictDetails(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks", map[string]any{
		"resource_key": "repo:main",
		"ttl_seconds":  60,
	}, asWorker("builder-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("acquire: %d %s", res.StatusCode, string(data))
	}
	var lock LockResponse
	decodeJSON(t, data, &lock)
	if lock.Holder != "builder-1" || lock.ExpiresAt == "" {
		t.Fatalf("unexpected lock %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks", map[string]any{
		"resource_key": "repo:main",
		"ttl_seconds":  60,
	}, asWorker("builder-2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "lock_held" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	if env.Error.Details["holder"] != "builder-1" || env.Error.Details["expires_at"] != lock.ExpiresAt {
		t.Fatalf("conflict details must name holder and expiry, got %s", string(data))
	}

	// Releasing someone else's lease is a no-op.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks/repo:main/release", nil, asWorker("builder-2"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("foreign release: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/locks/repo:main", nil, asWorker("builder-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get lock: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &lock)
	if lock.Holder != "builder-1" {
		t.Fatalf("lease should survive foreign release, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks/repo:main/release", nil, asWorker("builder-1"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("release: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks", map[string]any{
		"resource_key": "repo:main",
	}, asWorker("builder-2"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("acquire after release: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &lock)
	if lock.Holder != "builder-2" {
		t.Fatalf("unexpected holder %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks/repo:main/renew", map[string]any{
		"ttl_seconds": 30,
	}, asWorker("builder-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("renew by non-holder should 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestProposalVotingFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"kind":  "rule-change",
		"title": "Rotate review duty weekly",
	}, asWorker("planner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal: %d %s", res.StatusCode, string(data))
	}
	var proposal ProposalResponse
	decodeJSON(t, data, &proposal)
	if proposal.Status != "open" {
		t.Fatalf("unexpected proposal %s", string(data))
	}

	votes := []struct {
		worker string
		stance string
	}{
		{"planner-1", "for"},
		{"builder-1", "for"},
		{"builder-2", "against"},
	}
	for _, v := range votes {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/votes", map[string]any{
			"stance": v.stance,
		}, asWorker(v.worker))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("vote %s: %d %s", v.worker, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/votes", map[string]any{
		"stance": "against",
	}, asWorker("planner-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate vote conflict, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "duplicate_vote" || env.Error.Details["voter"] != "planner-1" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/resolve", map[string]any{}, asWorker("reviewer-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var detail ProposalDetailResponse
	decodeJSON(t, data, &detail)
	if detail.Proposal.Status != "approved" || detail.Proposal.ResolvedAt == nil {
		t.Fatalf("expected approval, got %s", string(data))
	}
	if detail.Tally.For != 2 || detail.Tally.Against != 1 || len(detail.Votes) != 3 {
		t.Fatalf("unexpected tally %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/votes", map[string]any{
		"stance": "for",
	}, asWorker("reviewer-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict after resolution, got %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &env)
	if env.Error.Code != "already_resolved" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestApprovalGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := asWorker("planner-1")

	created := createTaskHTTP(t, srv, "planner-1", "write_spec", 5)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/claim", map[string]any{}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", map[string]any{
		"result": map[string]any{"spec_url": "docs/billing.md"},
	}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals", map[string]any{
		"item_type": "spec",
		"reference": created.ID,
	}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit approval: %d %s", res.StatusCode, string(data))
	}
	var approval ApprovalResponse
	decodeJSON(t, data, &approval)
	if approval.Status != "pending" || approval.SubmittedBy != "planner-1" {
		t.Fatalf("unexpected approval %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals?status=pending", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals: %d %s", res.StatusCode, string(data))
	}
	var pending []ApprovalResponse
	decodeJSON(t, data, &pending)
	if len(pending) != 1 || pending[0].ID != approval.ID {
		t.Fatalf("expected the submitted item, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/decide", map[string]any{
		"decision": "approved",
		"notes":    "ship it",
	}, asWorker("reviewer-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decided ApprovalResponse
	decodeJSON(t, data, &decided)
	if decided.Status != "approved" || decided.DecidedBy == nil || *decided.DecidedBy != "reviewer-1" {
		t.Fatalf("unexpected decision %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?type=implement&parent_id="+created.ID, nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list follow-ups: %d %s", res.StatusCode, string(data))
	}
	var followups paginatedTasks
	decodeJSON(t, data, &followups)
	if len(followups.Items) != 1 {
		t.Fatalf("expected one follow-on task, got %s", string(data))
	}
	if followups.Items[0].Payload["approval_id"] != approval.ID {
		t.Fatalf("follow-on should reference the approval, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/decide", map[string]any{
		"decision": "rejected",
	}, asWorker("reviewer-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second decision, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "already_resolved" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestProviderFallbackOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	builder := asWorker("builder-1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/providers/select", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select: %d %s", res.StatusCode, string(data))
	}
	var selected SelectProviderResponse
	decodeJSON(t, data, &selected)
	if selected.Provider != "primary" {
		t.Fatalf("expected primary first, got %s", string(data))
	}

	resetAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/providers/primary/limit", map[string]any{
		"reset_at": resetAt,
	}, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("limit primary: %d %s", res.StatusCode, string(data))
	}
	var health ProviderHealthResponse
	decodeJSON(t, data, &health)
	if !health.Limited || health.ResetAt != resetAt {
		t.Fatalf("unexpected health %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/providers/select", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select after limit: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &selected)
	if selected.Provider != "secondary" {
		t.Fatalf("expected fallback to secondary, got %s", string(data))
	}

	// No reset hint means limited until someone clears it.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/providers/secondary/limit", map[string]any{}, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("limit secondary: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/providers/select", nil, builder)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "no_provider_available" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	tried, ok := env.Error.Details["tried"].([]any)
	if !ok || len(tried) != 2 {
		t.Fatalf("expected tried list in details, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/providers/secondary/clear", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/providers/select", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select after clear: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &selected)
	if selected.Provider != "secondary" {
		t.Fatalf("expected secondary while primary rests, got %s", string(data))
	}
}

func TestOutcomesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	builder := asWorker("builder-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", map[string]any{
		"task_id":     "t-1",
		"task_type":   "implement",
		"outcome":     "success",
		"duration_ms": 100,
	}, builder)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record success: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", map[string]any{
		"task_id":       "t-2",
		"task_type":     "implement",
		"outcome":       "failure",
		"duration_ms":   300,
		"error_summary": "merge conflict",
	}, builder)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record failure: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/outcomes/summary", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", res.StatusCode, string(data))
	}
	var summary engine.OutcomeSummary
	decodeJSON(t, data, &summary)
	if summary.Overall.Total != 2 || summary.Overall.Success != 1 || summary.Overall.Failure != 1 {
		t.Fatalf("unexpected overall %s", string(data))
	}
	if summary.Overall.AvgDurationMS != 200 {
		t.Fatalf("expected avg 200ms, got %s", string(data))
	}
	if summary.ByWorker["builder-1"].Total != 2 || summary.ByType["implement"].Failure != 1 {
		t.Fatalf("unexpected breakdown %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/outcomes?worker_id=builder-1", nil, builder)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var records []OutcomeResponse
	decodeJSON(t, data, &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outcomes", map[string]any{
		"task_id": "t-3",
		"outcome": "meh",
	}, builder)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad outcome, got %d %s", res.StatusCode, string(data))
	}
}

func TestMessagingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"to":      "builder-2",
		"type":    "status.update",
		"payload": map[string]any{"note": "db migration done"},
	}, asWorker("builder-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send direct: %d %s", res.StatusCode, string(data))
	}
	var direct MessageResponse
	decodeJSON(t, data, &direct)
	if direct.To == nil || *direct.To != "builder-2" {
		t.Fatalf("unexpected direct message %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages", map[string]any{
		"type": "announcement",
	}, asWorker("builder-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send broadcast: %d %s", res.StatusCode, string(data))
	}
	var broadcast MessageResponse
	decodeJSON(t, data, &broadcast)
	if broadcast.To != nil {
		t.Fatalf("broadcast should have null to, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages", nil, asWorker("builder-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll: %d %s", res.StatusCode, string(data))
	}
	var inbox []MessageResponse
	decodeJSON(t, data, &inbox)
	if len(inbox) != 2 {
		t.Fatalf("expected direct plus broadcast, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/messages/"+direct.ID+"/read", nil, asWorker("builder-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d %s", res.StatusCode, string(data))
	}
	var read MessageResponse
	decodeJSON(t, data, &read)
	if read.ReadAt == nil {
		t.Fatalf("expected read_at, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages", nil, asWorker("builder-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second poll: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &inbox)
	if len(inbox) != 1 || inbox[0].ID != broadcast.ID {
		t.Fatalf("expected only the broadcast left, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/messages", nil, asWorker("planner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("planner poll: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &inbox)
	if len(inbox) != 1 || inbox[0].ID != broadcast.ID {
		t.Fatalf("broadcast should reach everyone, got %s", string(data))
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"worker_id": "reviewer-1",
		"roles":     []string{"reviewer"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	decodeJSON(t, data, &login)
	if login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	decodeJSON(t, data, &who)
	if who.WorkerID != "reviewer-1" || who.Source != "jwt" || !who.OnRoster {
		t.Fatalf("unexpected principal %s", string(data))
	}
	if len(who.Roles) != 1 || who.Roles[0] != "reviewer" {
		t.Fatalf("unexpected roles %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, asWorker("drifter"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me legacy: %d %s", res.StatusCode, string(data))
	}
	decodeJSON(t, data, &who)
	if who.Source != "legacy_header" || who.OnRoster {
		t.Fatalf("unexpected legacy principal %s", string(data))
	}
}

func TestEventsPaginationWalksWithoutGaps(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := asWorker("planner-1")

	for i := 0; i < 3; i++ {
		createTaskHTTP(t, srv, "planner-1", "write_spec", i)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=100", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list all: %d %s", res.StatusCode, string(data))
	}
	var all paginatedEvents
	decodeJSON(t, data, &all)
	if len(all.Items) == 0 || all.NextCursor != "" {
		t.Fatalf("expected everything on one page, got %s", string(data))
	}

	var walked []int64
	cursor := ""
	for i := 0; i < 50; i++ {
		url := srv.URL + "/v0/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, planner)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page: %d %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		decodeJSON(t, data, &page)
		if len(page.Items) > 2 {
			t.Fatalf("page overflow: %s", string(data))
		}
		for _, it := range page.Items {
			walked = append(walked, it.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(walked) != len(all.Items) {
		t.Fatalf("paged walk saw %d events, expected %d", len(walked), len(all.Items))
	}
	for i, it := range all.Items {
		if walked[i] != it.ID {
			t.Fatalf("page walk diverged at %d: %d != %d", i, walked[i], it.ID)
		}
	}
	for i := 1; i < len(walked); i++ {
		if walked[i] >= walked[i-1] {
			t.Fatalf("events not newest-first: %v", walked)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=task.created&limit=100", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list: %d %s", res.StatusCode, string(data))
	}
	var created paginatedEvents
	decodeJSON(t, data, &created)
	if len(created.Items) != 3 {
		t.Fatalf("expected 3 task.created events, got %s", string(data))
	}
	for _, it := range created.Items {
		if it.Type != "task.created" {
			t.Fatalf("filter leak: %s", string(data))
		}
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := asWorker("planner-1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/no-such-task", nil, planner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	decodeJSON(t, data, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", nil, planner)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d %s", res.StatusCode, string(data))
	}
}

func TestStatusAndCrew(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := asWorker("planner-1")

	createTaskHTTP(t, srv, "planner-1", "write_spec", 0)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var report engine.StatusReport
	decodeJSON(t, data, &report)
	if report.Crew != "bullpen" || report.Workers != 4 {
		t.Fatalf("unexpected report %s", string(data))
	}
	if report.Tasks["pending"] != 1 {
		t.Fatalf("expected one pending task, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/crew", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("crew: %d %s", res.StatusCode, string(data))
	}
	var crew map[string]any
	decodeJSON(t, data, &crew)
	if crew["name"] != "bullpen" {
		t.Fatalf("unexpected crew %s", string(data))
	}
	workers, ok := crew["workers"].([]any)
	if !ok || len(workers) != 4 {
		t.Fatalf("expected 4 roster workers, got %s", string(data))
	}
}

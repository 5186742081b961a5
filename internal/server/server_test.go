package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"missionboard/internal/app"
	"missionboard/internal/config"
	"missionboard/internal/domain"
)

type testServer struct {
	URL    string
	client *http.Client
	ws     *app.Workspace
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "PRD.md"), []byte("# PRD\n"), 0o644); err != nil {
		t.Fatalf("write prd: %v", err)
	}
	ws, err := app.Open(context.Background(), app.Options{Dir: dir})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := New(Config{Engine: ws.Engine, Guard: ws.Guard, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	testSrv := &testServer{URL: srv.URL, client: srv.Client(), ws: ws}
	return testSrv, func() {
		srv.Close()
		ws.Close()
	}
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

func as(agent string) map[string]string {
	return map[string]string{HeaderAgentType: "ai-team:" + agent}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, body []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(body))
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %q: %s", code, env.Error.Code, string(body))
	}
	return env
}

func (s *testServer) createItem(t *testing.T, title string) domain.Item {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/items", map[string]any{"title": title, "stage": domain.StageReady}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, string(data))
	}
	var it domain.Item
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return it
}

// runningMission starts a mission with n items in ready and runs it.
func (s *testServer) runningMission(t *testing.T, n int) (domain.Mission, []domain.Item) {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/missions", map[string]any{"name": "m1", "prd_path": "PRD.md"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init mission: %d %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	_ = json.Unmarshal(data, &m)
	var items []domain.Item
	for i := 0; i < n; i++ {
		items = append(items, s.createItem(t, "item"))
	}
	for _, phase := range []string{"precheck", "run"} {
		res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/missions/"+m.ID+"/"+phase, nil, as("hannibal"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", phase, res.StatusCode, string(data))
		}
		_ = json.Unmarshal(data, &m)
	}
	return m, items
}

func (s *testServer) claimAndMove(t *testing.T, itemID, agent, to string) *http.Response {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/items/"+itemID+"/claim", nil, as(agent))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim %s: %d %s", itemID, res.StatusCode, string(data))
	}
	res, _ = doJSON(t, s.client, http.MethodPost, s.URL+"/v0/items/"+itemID+"/move", map[string]any{"to": to}, as(agent))
	return res
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{"name": "m1", "prd_path": "PRD.md"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init mission: %d %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	_ = json.Unmarshal(data, &m)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{"name": "m2"}, nil)
	expectError(t, res, data, http.StatusConflict, "mission_already_active")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/precheck", nil, nil)
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "checks_failed")
	if env.Error.Details["phase"] != "precheck" {
		t.Fatalf("expected precheck phase, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/current", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("current mission: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &m)
	if m.State != domain.MissionPrecheckFailure || len(m.Blockers) == 0 {
		t.Fatalf("expected precheck_failure with blockers, got %s %v", m.State, m.Blockers)
	}

	srv.createItem(t, "first")
	for _, phase := range []string{"precheck", "run"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/"+phase, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", phase, res.StatusCode, string(data))
		}
	}
	var resp MissionResponse
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/current", nil, nil)
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	if resp.State != domain.MissionRunning || resp.ItemCounts[domain.StageReady] != 1 {
		t.Fatalf("expected running with one ready item, got %+v", resp)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/nope", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestClaimConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, items := srv.runningMission(t, 1)
	client := srv.Client()
	id := items[0].ID

	claim1, body1 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+id+"/claim", nil, as("murdock"))
	if claim1.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", claim1.StatusCode, string(body1))
	}
	claim2, body2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+id+"/claim", nil, as("ba"))
	env := expectError(t, claim2, body2, http.StatusConflict, "agent_busy")
	if env.Error.Details["held_by"] != "murdock" {
		t.Fatalf("expected held_by murdock, got %v", env.Error.Details)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/claims", nil, nil)
	var claims []ClaimResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &claims) != nil {
		t.Fatalf("list claims: %d %s", res.StatusCode, string(data))
	}
	if len(claims) != 1 || claims[0].AgentID != "murdock" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestMoveRequiresClaimAndRespectsWip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, items := srv.runningMission(t, 3)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+items[0].ID+"/move", map[string]any{"to": "testing"}, as("murdock"))
	expectError(t, res, data, http.StatusConflict, "not_claimed")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+items[0].ID+"/move", map[string]any{"to": "done"}, as("murdock"))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	for _, it := range items[:2] {
		if res := srv.claimAndMove(t, it.ID, "murdock", "testing"); res.StatusCode != http.StatusOK {
			t.Fatalf("move %s: %d", it.ID, res.StatusCode)
		}
	}
	res = srv.claimAndMove(t, items[2].ID, "murdock", "testing")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected wip conflict, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+items[2].ID+"/move", map[string]any{"to": "testing", "force": true}, as("murdock"))
	expectError(t, res, data, http.StatusForbidden, "permission_denied")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+items[2].ID+"/move", map[string]any{"to": "testing", "force": true, "agent": "murdock"}, as("hannibal"))
	expectError(t, res, data, http.StatusConflict, "not_claimed")
}

func TestGuardDeniesArchiveForReviewer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	m, _ := srv.runningMission(t, 1)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/archive", nil, as("lynch"))
	env := expectError(t, res, data, http.StatusForbidden, "permission_denied")
	if env.Error.Details["role"] != "reviewer" {
		t.Fatalf("expected reviewer role, got %v", env.Error.Details)
	}
	if !srv.ws.Guard.Wait(2 * time.Second) {
		t.Fatalf("denial record not flushed")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=action.denied", nil, nil)
	var page paginatedEvents
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &page) != nil {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	if len(page.Items) != 1 || page.Items[0].EntityID != "lynch" {
		t.Fatalf("expected one denial for lynch, got %+v", page.Items)
	}
}

func TestRejectEscalatesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, items := srv.runningMission(t, 1)
	id := items[0].ID
	client := srv.Client()

	for i, want := range []string{domain.StageReady, domain.StageBlocked} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+id+"/reject", map[string]any{"reason": "flaky"}, as("lynch"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("reject %d: %d %s", i, res.StatusCode, string(data))
		}
		var item domain.Item
		_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+id, nil, nil)
		_ = json.Unmarshal(data, &item)
		if item.StageID != want || item.RejectionCount != i+1 {
			t.Fatalf("after reject %d: stage %s count %d", i, item.StageID, item.RejectionCount)
		}
	}
}

func TestDependenciesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{"name": "m1"}, nil)
	a := srv.createItem(t, "a")
	b := srv.createItem(t, "b")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+b.ID+"/dependencies", map[string]any{"depends_on": a.ID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add dependency: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+a.ID+"/dependencies", map[string]any{"depends_on": b.ID}, nil)
	expectError(t, res, data, http.StatusUnprocessableEntity, "cyclic_dependency")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+a.ID+"/dependencies", map[string]any{"depends_on": "WI-999"}, nil)
	expectError(t, res, data, http.StatusUnprocessableEntity, "dependency_not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dependencies/check", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var report struct {
		Ready   []string            `json:"ready"`
		Pending map[string][]string `json:"pending"`
	}
	_ = json.Unmarshal(data, &report)
	if len(report.Ready) != 1 || report.Ready[0] != a.ID {
		t.Fatalf("expected %s ready, got %+v", a.ID, report)
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		agent string
		tool  string
		input map[string]any
		allow bool
	}{
		{"lynch", "Write", map[string]any{"file_path": "main.go"}, false},
		{"murdock", "Write", map[string]any{"file_path": "pkg/a_test.go"}, true},
		{"murdock", "Edit", map[string]any{"file_path": "pkg/a.go"}, false},
		{"ba", "Edit", map[string]any{"file_path": "pkg/a.go"}, true},
		{"stranger", "Write", map[string]any{"file_path": "main.go"}, true},
		{"lynch", "Read", map[string]any{"file_path": "main.go"}, true},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/authorize", map[string]any{
			"agent_type": "ai-team:" + tc.agent,
			"tool_name":  tc.tool,
			"tool_input": tc.input,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s %s: %d %s", tc.agent, tc.tool, res.StatusCode, string(data))
		}
		var out AuthorizeResponse
		_ = json.Unmarshal(data, &out)
		if out.Decision.Allow != tc.allow {
			t.Fatalf("%s %s %v: allow=%v (%s)", tc.agent, tc.tool, tc.input, out.Decision.Allow, out.Decision.Reason)
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/resolve", map[string]any{"teammate_name": "Face"}, nil)
	var resolved ResolveResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &resolved) != nil {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	if resolved.Agent != "face" || resolved.Role != "planner" {
		t.Fatalf("unexpected resolution %+v", resolved)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{"name": "m1"}, nil)
	for i := 0; i < 3; i++ {
		srv.createItem(t, "x")
	}

	seen := map[int64]bool{}
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		url := srv.URL + "/v0/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
		var page paginatedEvents
		if res.StatusCode != http.StatusOK || json.Unmarshal(data, &page) != nil {
			t.Fatalf("events: %d %s", res.StatusCode, string(data))
		}
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 events, got %d", len(seen))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

type hookReceiver struct {
	mu      sync.Mutex
	status  int
	events  []webhookEvent
	headers []http.Header
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.events = append(h.events, evt)
	h.headers = append(h.headers, r.Header.Clone())
	if h.status != 0 {
		w.WriteHeader(h.status)
	}
}

func (h *hookReceiver) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	recv := &hookReceiver{}
	hook := httptest.NewServer(recv)
	defer hook.Close()

	d := NewWebhookDispatcher(srv.ws.Engine, nil)
	d.Hooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"item.created"}, Secret: "s3cret"}}
	d.NewBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }

	ctx := context.Background()
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions", map[string]any{"name": "m1"}, nil)
	d.DispatchOnce(ctx)
	if recv.count() != 0 {
		t.Fatalf("history before the first dispatch should not be delivered")
	}

	it := srv.createItem(t, "hooked")
	d.DispatchOnce(ctx)
	if recv.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", recv.count())
	}
	got := recv.events[0]
	if got.Type != "item.created" || got.EntityID != it.ID || got.MissionID == "" {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if recv.headers[0].Get("X-Missionboard-Event") != "item.created" || recv.headers[0].Get("X-Missionboard-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", recv.headers[0])
	}

	recv.mu.Lock()
	recv.status = http.StatusServiceUnavailable
	recv.mu.Unlock()
	srv.createItem(t, "retried")
	d.DispatchOnce(ctx)
	if recv.count() != 4 {
		t.Fatalf("expected 3 attempts for a failing receiver, got %d", recv.count()-1)
	}
	recv.mu.Lock()
	recv.status = 0
	recv.mu.Unlock()
	d.DispatchOnce(ctx)
	if recv.count() != 5 {
		t.Fatalf("undelivered event should be retried on the next dispatch, got %d", recv.count())
	}

	recv.mu.Lock()
	recv.status = http.StatusBadRequest
	recv.mu.Unlock()
	srv.createItem(t, "rejected")
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)
	if recv.count() != 6 {
		t.Fatalf("a 4xx response should not be retried, got %d", recv.count())
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if len(b) == 0 || !bytes.Equal(b, bodies[0]) {
			t.Fatalf("response %d differs or is empty", i)
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(bodies[0], &doc); err != nil || doc["openapi"] == nil {
		t.Fatalf("not an OpenAPI document: %v", err)
	}
}

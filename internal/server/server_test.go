package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/engine"
	"conductor/internal/migrate"
)

type stubAgent struct {
	texts   []string
	invokes []string
}

func (s *stubAgent) ConversationID(projectID string) string { return "pm-project-" + projectID }

func (s *stubAgent) SetupWorkspace(ctx context.Context, conversationID, repoURL string) error {
	return nil
}

func (s *stubAgent) Invoke(ctx context.Context, conversationID, command string, args []string) error {
	s.invokes = append(s.invokes, command)
	return nil
}

func (s *stubAgent) Stream(ctx context.Context, conversationID string, yield func(agent.Message) error) error {
	for _, text := range s.texts {
		if err := yield(agent.Message{Message: text, Direction: "sent"}); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubAgent) Clear(ctx context.Context, conversationID string) error { return nil }

type testServer struct {
	URL    string
	Engine engine.Engine
	Agent  *stubAgent
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
	cfg := config.Default("conductor")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stub := &stubAgent{texts: []string{
		"Reading file: `src/main.go`",
		"Running command: `go vet ./...`",
		"All checks passed.",
	}}
	e := engine.New(conn, stub, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "Conductor", "", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
		Engine: e,
		Agent:  stub,
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
	req.Header.Set("X-Actor-Id", "tester")
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

func TestRunCommandPersistsExecutionAndActivities(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/conductor/run", map[string]any{
		"command": "prime",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}
	var exec ExecutionResponse
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if exec.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s (%s)", exec.Status, string(data))
	}
	if exec.Output == nil || !strings.Contains(*exec.Output, "All checks passed.") {
		t.Fatalf("expected aggregated output, got %v", exec.Output)
	}

	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/conductor/activities?execution_id="+exec.ID, nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list activities status %d: %s", listRes.StatusCode, string(listData))
	}
	var page paginatedActivities
	if err := json.Unmarshal(listData, &page); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 activities, got %d: %s", len(page.Items), string(listData))
	}
	if page.Items[0].Type != "file_read" || page.Items[1].Type != "command_execution" {
		t.Fatalf("unexpected activity types: %s / %s", page.Items[0].Type, page.Items[1].Type)
	}
}

func TestRunRejectedWhileExecutionActive(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if _, err := srv.Engine.StartExecution(context.Background(), "conductor", "execute-github", nil, "", "tester"); err != nil {
		t.Fatalf("seed queued execution: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/conductor/run", map[string]any{
		"command": "prime",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "execution_active" {
		t.Fatalf("expected execution_active, got %q", envelope.Error.Code)
	}
}

func TestGateApprovalAdvancesWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Phase 1 has no command, only a vision document gate.
	runRes, runData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/conductor/phases/run", nil, nil)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run phase status %d: %s", runRes.StatusCode, string(runData))
	}

	gatesRes, gatesData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/conductor/gates?status=pending", nil, nil)
	if gatesRes.StatusCode != http.StatusOK {
		t.Fatalf("list gates status %d: %s", gatesRes.StatusCode, string(gatesData))
	}
	var gates []GateResponse
	if err := json.Unmarshal(gatesData, &gates); err != nil {
		t.Fatalf("unmarshal gates: %v", err)
	}
	if len(gates) != 1 {
		t.Fatalf("expected one pending gate, got %d: %s", len(gates), string(gatesData))
	}

	approveRes, approveData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/conductor/gates/"+gates[0].ID+"/approve", map[string]any{
		"response": "looks good",
	}, nil)
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", approveRes.StatusCode, string(approveData))
	}
	var approved GateResponse
	if err := json.Unmarshal(approveData, &approved); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	againRes, againData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/conductor/gates/"+gates[0].ID+"/approve", map[string]any{}, nil)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict re-approving, got %d: %s", againRes.StatusCode, string(againData))
	}

	phasesRes, phasesData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/conductor/phases", nil, nil)
	if phasesRes.StatusCode != http.StatusOK {
		t.Fatalf("list phases status %d: %s", phasesRes.StatusCode, string(phasesData))
	}
	var phases []PhaseResponse
	if err := json.Unmarshal(phasesData, &phases); err != nil {
		t.Fatalf("unmarshal phases: %v", err)
	}
	if phases[0].Status != "completed" {
		t.Fatalf("expected phase 1 completed, got %s", phases[0].Status)
	}
	if phases[1].Status != "active" {
		t.Fatalf("expected phase 2 active, got %s", phases[1].Status)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/projects", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, createData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/keys", map[string]any{
		"actor_id": "robot",
		"name":     "ci",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", createRes.StatusCode, string(createData))
	}
	var key KeyResponse
	if err := json.Unmarshal(createData, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Api-Key", key.Key)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "robot" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestFeedStreamsBacklog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/projects/conductor/feed", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "tester")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feed status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	// Project creation already left one event in the backlog.
	scanner := bufio.NewScanner(res.Body)
	sawActivity := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: activity" {
			sawActivity = true
		}
		if sawActivity && strings.HasPrefix(line, "data: ") {
			var item struct {
				Source  string `json:"source"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &item); err != nil {
				t.Fatalf("unmarshal feed item: %v", err)
			}
			if item.Source != "workflow" || item.Message != "project.created" {
				t.Fatalf("unexpected first item: %+v", item)
			}
			cancel()
			return
		}
	}
	t.Fatal("no activity event observed on feed")
}

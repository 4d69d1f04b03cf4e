package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/engine"
	"conductor/internal/migrate"
	"conductor/internal/repo"
)

// fakeAgent scripts the remote agent: Stream yields the configured
// messages in order, then returns streamErr.
type fakeAgent struct {
	mu        sync.Mutex
	messages  []agent.Message
	streamErr error
	invokes   []string
	setups    []string
}

func (f *fakeAgent) ConversationID(projectID string) string { return "pm-project-" + projectID }

func (f *fakeAgent) SetupWorkspace(ctx context.Context, conversationID, repoURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, repoURL)
	return nil
}

func (f *fakeAgent) Invoke(ctx context.Context, conversationID, command string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes = append(f.invokes, command)
	return nil
}

func (f *fakeAgent) Stream(ctx context.Context, conversationID string, yield func(agent.Message) error) error {
	f.mu.Lock()
	msgs := f.messages
	streamErr := f.streamErr
	f.mu.Unlock()
	for _, m := range msgs {
		if err := yield(m); err != nil {
			return err
		}
	}
	return streamErr
}

func (f *fakeAgent) Clear(ctx context.Context, conversationID string) error { return nil }

func (f *fakeAgent) script(err error, texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
	for _, txt := range texts {
		f.messages = append(f.messages, agent.Message{Message: txt, Direction: "sent"})
	}
	f.streamErr = err
}

type testEnv struct {
	Engine engine.Engine
	Agent  *fakeAgent
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	fa := &fakeAgent{}
	eng := engine.New(conn, fa, config.Default("proj-1"))
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "demo", "https://github.com/acme/demo.git", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Agent: fa, Ctx: ctx}
}

func TestInitProjectSeedsPhases(t *testing.T) {
	env := newTestEnv(t)
	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	if len(phases) != 5 {
		t.Fatalf("got %d phases, want 5", len(phases))
	}
	if phases[0].Status != "active" {
		t.Fatalf("phase 1 status = %q, want active", phases[0].Status)
	}
	for _, p := range phases[1:] {
		if p.Status != "pending" {
			t.Fatalf("phase %d status = %q, want pending", p.Number, p.Status)
		}
	}
}

func TestRunCommandAggregatesOutput(t *testing.T) {
	env := newTestEnv(t)
	raw := []string{
		"Reading file: `src/main.go`",
		"Running command: `go test ./...`",
		"All tests passed.",
	}
	env.Agent.script(nil, raw...)

	exec, err := env.Engine.RunCommand(env.Ctx, "proj-1", "validate", nil, "", "tester")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exec.Status != "succeeded" {
		t.Fatalf("status = %q, want succeeded", exec.Status)
	}
	if exec.Output == nil || *exec.Output != strings.Join(raw, "\n") {
		t.Fatalf("output does not reproduce streamed messages: %v", exec.Output)
	}
	if exec.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{ExecutionID: exec.ID})
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(acts) != 3 {
		t.Fatalf("got %d activities, want 3", len(acts))
	}
	wantTypes := []string{"file_read", "command_execution", "response"}
	for i, a := range acts {
		if a.Type != wantTypes[i] {
			t.Fatalf("activity %d type = %q, want %q", i, a.Type, wantTypes[i])
		}
	}
}

func TestSecondExecutionRejectedWhileActive(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.StartExecution(env.Ctx, "proj-1", "prime", nil, "", "tester"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := env.Engine.StartExecution(env.Ctx, "proj-1", "validate", nil, "", "tester")
	if !errors.Is(err, repo.ErrExecutionActive) {
		t.Fatalf("err = %v, want ErrExecutionActive", err)
	}
}

func TestExecutionAllowedAfterPreviousFinishes(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.script(nil, "done")
	if _, err := env.Engine.RunCommand(env.Ctx, "proj-1", "prime", nil, "", "tester"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := env.Engine.StartExecution(env.Ctx, "proj-1", "validate", nil, "", "tester"); err != nil {
		t.Fatalf("second start after completion: %v", err)
	}
}

func TestFailedRunKeepsPartialActivities(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.script(agent.ErrTimeout, "Editing file: `config.yml`")

	exec, err := env.Engine.RunCommand(env.Ctx, "proj-1", "execute-github", nil, "", "tester")
	if !errors.Is(err, agent.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if exec.Status != "failed" {
		t.Fatalf("status = %q, want failed", exec.Status)
	}
	if exec.Error == nil || *exec.Error == "" {
		t.Fatal("failure reason not recorded")
	}

	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{ExecutionID: exec.ID})
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1 retained", len(acts))
	}
	if acts[0].Type != "file_edit" {
		t.Fatalf("activity type = %q, want file_edit", acts[0].Type)
	}
}

// cumulativeAgent models the real adapter more closely than fakeAgent:
// the conversation transcript accumulates across invocations and Stream
// replays it from the start, so only Clear separates one run's messages
// from the next run's.
type cumulativeAgent struct {
	mu         sync.Mutex
	transcript []agent.Message
	next       [][]string
	clears     int
}

func (c *cumulativeAgent) ConversationID(projectID string) string { return "pm-project-" + projectID }

func (c *cumulativeAgent) SetupWorkspace(ctx context.Context, conversationID, repoURL string) error {
	return nil
}

func (c *cumulativeAgent) Invoke(ctx context.Context, conversationID, command string, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.next) == 0 {
		return nil
	}
	for _, txt := range c.next[0] {
		c.transcript = append(c.transcript, agent.Message{Message: txt, Direction: "sent"})
	}
	c.next = c.next[1:]
	return nil
}

func (c *cumulativeAgent) Stream(ctx context.Context, conversationID string, yield func(agent.Message) error) error {
	c.mu.Lock()
	msgs := append([]agent.Message(nil), c.transcript...)
	c.mu.Unlock()
	for _, m := range msgs {
		if err := yield(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *cumulativeAgent) Clear(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = nil
	c.clears++
	return nil
}

func TestConsecutiveRunsDoNotReplayTranscript(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ca := &cumulativeAgent{next: [][]string{
		{"Reading file: `a.go`", "Running command: `go test`"},
		{"All checks passed."},
	}}
	eng := engine.New(conn, ca, config.Default("proj-1"))
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "demo", "", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}

	if _, err := eng.RunCommand(ctx, "proj-1", "prime", nil, "", "tester"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := eng.RunCommand(ctx, "proj-1", "validate", nil, "", "tester")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	ca.mu.Lock()
	clears := ca.clears
	ca.mu.Unlock()
	if clears != 2 {
		t.Fatalf("transcript cleared %d times, want once per run", clears)
	}
	if second.Output == nil || *second.Output != "All checks passed." {
		t.Fatalf("second run's output carries earlier messages: %v", second.Output)
	}
	acts, err := eng.Repo.ListActivities(ctx, repo.ActivityFilters{ExecutionID: second.ID})
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(acts) != 1 || acts[0].Type != "response" {
		t.Fatalf("second run's activities include the first run's: %+v", acts)
	}
}

func TestRunSetsUpWorkspaceAndInvokes(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.script(nil, "ok")
	if _, err := env.Engine.RunCommand(env.Ctx, "proj-1", "prime", nil, "", "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}
	env.Agent.mu.Lock()
	defer env.Agent.mu.Unlock()
	if len(env.Agent.setups) != 1 || env.Agent.setups[0] != "https://github.com/acme/demo.git" {
		t.Fatalf("workspace setups = %v", env.Agent.setups)
	}
	if len(env.Agent.invokes) != 1 || env.Agent.invokes[0] != "prime" {
		t.Fatalf("invokes = %v", env.Agent.invokes)
	}
}

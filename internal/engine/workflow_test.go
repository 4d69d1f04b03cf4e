package engine_test

import (
	"errors"
	"testing"

	"conductor/internal/domain"
	"conductor/internal/engine"
	"conductor/internal/repo"
)

func pendingGate(t *testing.T, env testEnv) domain.ApprovalGate {
	t.Helper()
	gates, err := env.Engine.Repo.ListGates(env.Ctx, repo.GateFilters{ProjectID: "proj-1", Status: "pending"})
	if err != nil {
		t.Fatalf("list gates: %v", err)
	}
	if len(gates) != 1 {
		t.Fatalf("got %d pending gates, want 1", len(gates))
	}
	return gates[0]
}

func phaseByNumber(t *testing.T, env testEnv, number int) domain.WorkflowPhase {
	t.Helper()
	phases, err := env.Engine.Repo.ListPhases(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	for _, p := range phases {
		if p.Number == number {
			return p
		}
	}
	t.Fatalf("phase %d not found", number)
	return domain.WorkflowPhase{}
}

func TestGateOnlyPhaseOpensGate(t *testing.T) {
	env := newTestEnv(t)
	phase, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if phase.Number != 1 {
		t.Fatalf("phase number = %d, want 1", phase.Number)
	}
	gate := pendingGate(t, env)
	if gate.Kind != "vision_doc" {
		t.Fatalf("gate kind = %q, want vision_doc", gate.Kind)
	}
	// Phase stays active until the gate resolves.
	if phaseByNumber(t, env, 1).Status != "active" {
		t.Fatal("phase 1 left active state before gate decision")
	}
}

func TestApprovedGateCompletesPhaseAndAdvances(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	gate := pendingGate(t, env)

	resolved, err := env.Engine.ResolveGate(env.Ctx, gate.ID, true, "looks good", "owner")
	if err != nil {
		t.Fatalf("resolve gate: %v", err)
	}
	if resolved.Status != "approved" || resolved.DecidedAt == nil {
		t.Fatalf("gate = %+v", resolved)
	}
	if phaseByNumber(t, env, 1).Status != "completed" {
		t.Fatal("phase 1 not completed after approval")
	}
	if phaseByNumber(t, env, 2).Status != "active" {
		t.Fatal("phase 2 not activated after approval")
	}
}

func TestRejectedGateBlocksPhaseUntilNewApproval(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	gate := pendingGate(t, env)

	if _, err := env.Engine.ResolveGate(env.Ctx, gate.ID, false, "needs more detail", "owner"); err != nil {
		t.Fatalf("reject gate: %v", err)
	}
	if phaseByNumber(t, env, 1).Status != "blocked" {
		t.Fatal("phase 1 not blocked after rejection")
	}

	// A decided gate cannot be decided again.
	if _, err := env.Engine.ResolveGate(env.Ctx, gate.ID, true, "", "owner"); !errors.Is(err, engine.ErrGateDecided) {
		t.Fatalf("err = %v, want ErrGateDecided", err)
	}

	// Retry opens a fresh gate; approving it unblocks the workflow.
	if _, err := env.Engine.RetryPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("retry phase: %v", err)
	}
	fresh := pendingGate(t, env)
	if fresh.ID == gate.ID {
		t.Fatal("retry reused the rejected gate")
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, fresh.ID, true, "", "owner"); err != nil {
		t.Fatalf("approve fresh gate: %v", err)
	}
	if phaseByNumber(t, env, 1).Status != "completed" {
		t.Fatal("phase 1 not completed after fresh approval")
	}
}

func TestAdvancePhaseRejectedWhileCurrentActive(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester")
	if !errors.Is(err, engine.ErrPhaseNotCompleted) {
		t.Fatalf("err = %v, want ErrPhaseNotCompleted", err)
	}
}

func TestFailedPhaseRunBlocksAndRetrySucceeds(t *testing.T) {
	env := newTestEnv(t)
	// Move past the gate-only phase 1 into phase 2 (prime, no gate).
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, pendingGate(t, env).ID, true, "", "owner"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	env.Agent.script(errors.New("connection refused"), "Priming...")
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err == nil {
		t.Fatal("expected failed run")
	}
	if phaseByNumber(t, env, 2).Status != "blocked" {
		t.Fatal("phase 2 not blocked after failed run")
	}
	if p := phaseByNumber(t, env, 2); p.Error == nil || *p.Error == "" {
		t.Fatal("block reason not recorded")
	}

	env.Agent.script(nil, "Primed.")
	if _, err := env.Engine.RetryPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if phaseByNumber(t, env, 2).Status != "completed" {
		t.Fatal("phase 2 not completed after retry")
	}
	if phaseByNumber(t, env, 3).Status != "active" {
		t.Fatal("phase 3 not activated after retry")
	}
}

func TestFullWorkflowAndTerminalAdvanceNoop(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.script(nil, "ok")

	// Phase 1: gate only.
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("phase 1: %v", err)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, pendingGate(t, env).ID, true, "", "owner"); err != nil {
		t.Fatalf("phase 1 gate: %v", err)
	}
	// Phase 2: command, no gate.
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("phase 2: %v", err)
	}
	// Phase 3: command plus gate.
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("phase 3: %v", err)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, pendingGate(t, env).ID, true, "", "owner"); err != nil {
		t.Fatalf("phase 3 gate: %v", err)
	}
	// Phase 4: command, no gate.
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("phase 4: %v", err)
	}
	// Phase 5: command plus gate.
	if _, err := env.Engine.RunPhase(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("phase 5: %v", err)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, pendingGate(t, env).ID, true, "", "owner"); err != nil {
		t.Fatalf("phase 5 gate: %v", err)
	}

	for _, p := range []int{1, 2, 3, 4, 5} {
		if phaseByNumber(t, env, p).Status != "completed" {
			t.Fatalf("phase %d not completed", p)
		}
	}
	project, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.Status != "completed" {
		t.Fatalf("project status = %q, want completed", project.Status)
	}

	// Advancing at the terminal phase is a no-op, not an error.
	last, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("terminal advance: %v", err)
	}
	if last.Number != 5 {
		t.Fatalf("terminal advance returned phase %d, want 5", last.Number)
	}
}

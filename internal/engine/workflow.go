package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
	"conductor/internal/events"
	"conductor/internal/repo"
)

// ErrPhaseNotCompleted is returned by AdvancePhase while the current
// phase is still active or blocked.
var ErrPhaseNotCompleted = errors.New("current phase not completed")

// ErrGateDecided is returned when resolving a gate that is no longer
// pending.
var ErrGateDecided = errors.New("gate already decided")

// AdvancePhase activates the next pending phase. Phases are visited
// strictly in order: advancing is valid only when every earlier phase
// is completed. At the terminal phase it is a no-op, not an error.
func (e Engine) AdvancePhase(ctx context.Context, projectID, actorID string) (domain.WorkflowPhase, error) {
	phases, err := e.Repo.ListPhases(ctx, projectID)
	if err != nil {
		return domain.WorkflowPhase{}, err
	}
	if len(phases) == 0 {
		return domain.WorkflowPhase{}, repo.ErrNotFound
	}
	for _, p := range phases {
		if p.Status == "active" || p.Status == "blocked" {
			return p, fmt.Errorf("%w: phase %d (%s) is %s", ErrPhaseNotCompleted, p.Number, p.Name, p.Status)
		}
	}
	var next *domain.WorkflowPhase
	for i, p := range phases {
		if p.Status == "pending" {
			next = &phases[i]
			break
		}
	}
	if next == nil {
		// All phases completed; idempotent at the terminal phase.
		return phases[len(phases)-1], nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowPhase{}, err
	}
	defer tx.Rollback()
	if err := e.activatePhaseTx(ctx, tx, next, actorID); err != nil {
		return domain.WorkflowPhase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowPhase{}, err
	}
	return *next, nil
}

func (e Engine) activatePhaseTx(ctx context.Context, tx *sql.Tx, p *domain.WorkflowPhase, actorID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, p.ID, "active", &now, nil, nil); err != nil {
		return err
	}
	p.Status = "active"
	p.StartedAt = &now
	p.Error = nil
	return e.Events.Append(ctx, tx, events.TypePhaseActivated, p.ProjectID, "phase", p.ID, actorID, events.EventPayload{
		"number": p.Number,
		"name":   p.Name,
	})
}

// RunPhase executes the active phase's command. A successful run either
// completes the phase (auto-advancing to the next) or, when the phase
// requires sign-off, opens a pending approval gate. A failed run leaves
// the phase blocked with the error recorded; RetryPhase re-runs it.
func (e Engine) RunPhase(ctx context.Context, projectID, actorID string) (domain.WorkflowPhase, error) {
	phase, err := e.Repo.ActivePhase(ctx, projectID)
	if err != nil {
		return phase, err
	}
	if phase.Command == "" {
		// Gate-only phase: nothing to execute, open the gate directly.
		if !phase.RequiresApproval() {
			return phase, fmt.Errorf("phase %d has no command and no gate", phase.Number)
		}
		if err := e.openGate(ctx, phase, "", actorID); err != nil {
			return phase, err
		}
		return phase, nil
	}

	exec, err := e.RunCommand(ctx, projectID, phase.Command, fieldsOrNil(phase.Args), phase.ID, actorID)
	if err != nil {
		if blockErr := e.blockPhase(ctx, phase, err.Error(), actorID); blockErr != nil {
			return phase, blockErr
		}
		phase.Status = "blocked"
		return phase, err
	}

	if phase.RequiresApproval() {
		if err := e.openGate(ctx, phase, exec.ID, actorID); err != nil {
			return phase, err
		}
		return phase, nil
	}
	return e.completePhase(ctx, phase, actorID)
}

// RetryPhase re-activates a blocked phase and runs it again.
func (e Engine) RetryPhase(ctx context.Context, projectID, actorID string) (domain.WorkflowPhase, error) {
	phases, err := e.Repo.ListPhases(ctx, projectID)
	if err != nil {
		return domain.WorkflowPhase{}, err
	}
	var blocked *domain.WorkflowPhase
	for i, p := range phases {
		if p.Status == "blocked" {
			blocked = &phases[i]
			break
		}
	}
	if blocked == nil {
		return domain.WorkflowPhase{}, fmt.Errorf("no blocked phase: %w", repo.ErrNotFound)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowPhase{}, err
	}
	defer tx.Rollback()
	if err := e.activatePhaseTx(ctx, tx, blocked, actorID); err != nil {
		return domain.WorkflowPhase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowPhase{}, err
	}
	return e.RunPhase(ctx, projectID, actorID)
}

// ResolveGate decides a pending gate. Approval completes the owning
// phase and auto-advances; rejection leaves the phase blocked until a
// fresh gate resolves approved. Deciding twice fails with ErrGateDecided.
func (e Engine) ResolveGate(ctx context.Context, gateID string, approve bool, response, actorID string) (domain.ApprovalGate, error) {
	gate, err := e.Repo.GetGate(ctx, gateID)
	if err != nil {
		return gate, err
	}

	status := "rejected"
	evtType := events.TypeGateRejected
	if approve {
		status = "approved"
		evtType = events.TypeGateApproved
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return gate, err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolveGate(ctx, tx, gateID, status, optionalString(response), now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return gate, fmt.Errorf("%w: %s is %s", ErrGateDecided, gateID, gate.Status)
		}
		return gate, err
	}
	if err := e.Events.Append(ctx, tx, evtType, gate.ProjectID, "gate", gate.ID, actorID, events.EventPayload{
		"kind":     gate.Kind,
		"response": response,
	}); err != nil {
		return gate, err
	}
	if err := tx.Commit(); err != nil {
		return gate, err
	}
	gate.Status = status
	gate.Response = optionalString(response)
	gate.DecidedAt = &now

	if gate.PhaseID == nil {
		return gate, nil
	}
	phase, err := e.Repo.GetPhase(ctx, *gate.PhaseID)
	if err != nil {
		return gate, err
	}
	if approve {
		if _, err := e.completePhase(ctx, phase, actorID); err != nil {
			return gate, err
		}
	} else {
		if err := e.blockPhase(ctx, phase, "gate rejected: "+gate.Question, actorID); err != nil {
			return gate, err
		}
	}
	return gate, nil
}

func (e Engine) openGate(ctx context.Context, phase domain.WorkflowPhase, executionID, actorID string) error {
	gctx, err := json.Marshal(map[string]string{
		"phase_name":   phase.Name,
		"execution_id": executionID,
	})
	if err != nil {
		return err
	}
	gate := domain.ApprovalGate{
		ID:        uuid.New().String(),
		ProjectID: phase.ProjectID,
		PhaseID:   &phase.ID,
		Kind:      phase.GateKind,
		Question:  fmt.Sprintf("Approve phase %d (%s)?", phase.Number, phase.Name),
		Context:   string(gctx),
		Status:    "pending",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGateTx(ctx, tx, gate); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeGateCreated, gate.ProjectID, "gate", gate.ID, actorID, events.EventPayload{
		"kind":     gate.Kind,
		"question": gate.Question,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// completePhase marks the phase completed and activates the next pending
// phase in the same transaction. Completing the last phase marks the
// project completed.
func (e Engine) completePhase(ctx context.Context, phase domain.WorkflowPhase, actorID string) (domain.WorkflowPhase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return phase, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, phase.ID, "completed", nil, &now, nil); err != nil {
		return phase, err
	}
	phase.Status = "completed"
	phase.CompletedAt = &now
	if err := e.Events.Append(ctx, tx, events.TypePhaseCompleted, phase.ProjectID, "phase", phase.ID, actorID, events.EventPayload{
		"number": phase.Number,
		"name":   phase.Name,
	}); err != nil {
		return phase, err
	}

	phases, err := e.Repo.ListPhasesTx(ctx, tx, phase.ProjectID)
	if err != nil {
		return phase, err
	}
	var next *domain.WorkflowPhase
	for i, p := range phases {
		if p.Status == "pending" && p.Number > phase.Number {
			next = &phases[i]
			break
		}
	}
	if next != nil {
		if err := e.activatePhaseTx(ctx, tx, next, actorID); err != nil {
			return phase, err
		}
	} else {
		if err := e.Repo.UpdateProjectStatusTx(ctx, tx, phase.ProjectID, "completed"); err != nil {
			return phase, err
		}
	}
	if err := tx.Commit(); err != nil {
		return phase, err
	}
	return phase, nil
}

func (e Engine) blockPhase(ctx context.Context, phase domain.WorkflowPhase, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, phase.ID, "blocked", nil, nil, &reason); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseBlocked, phase.ProjectID, "phase", phase.ID, actorID, events.EventPayload{
		"number": phase.Number,
		"name":   phase.Name,
		"error":  reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// joinArgs stores an argument vector as one string, quoting any
// argument containing spaces so splitArgs can recover it.
func joinArgs(args []string) string {
	var parts []string
	for _, a := range args {
		if strings.Contains(a, " ") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func fieldsOrNil(args string) []string {
	if args == "" {
		return nil
	}
	var out []string
	for _, f := range splitArgs(args) {
		out = append(out, f)
	}
	return out
}

// splitArgs splits a stored args string on spaces, honoring double
// quotes so multi-word arguments survive a round trip.
func splitArgs(s string) []string {
	var out []string
	var cur []rune
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
		default:
			cur = append(cur, r)
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

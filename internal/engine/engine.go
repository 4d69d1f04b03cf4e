package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/agent"
	"conductor/internal/classify"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/events"
	"conductor/internal/repo"
)

// AgentClient is the remote coding-agent boundary. agent.Client is the
// production implementation; tests substitute a scripted fake.
type AgentClient interface {
	ConversationID(projectID string) string
	SetupWorkspace(ctx context.Context, conversationID, repoURL string) error
	Invoke(ctx context.Context, conversationID, command string, args []string) error
	Stream(ctx context.Context, conversationID string, yield func(agent.Message) error) error
	Clear(ctx context.Context, conversationID string) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Agent  AgentClient
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, agentClient AgentClient, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Agent:  agentClient,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project, stores its config, and seeds the
// workflow phases. The first phase starts active; the rest are pending.
func (e Engine) InitProject(ctx context.Context, projectID, name, repoURL, description, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		RepoURL:     repoURL,
		Description: description,
		Status:      "in_progress",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	cfg.Project.Name = name
	cfg.Project.RepoURL = repoURL
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	for i, pc := range cfg.Workflow.Phases {
		phase := domain.WorkflowPhase{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Number:    pc.Number,
			Name:      pc.Name,
			Command:   pc.Command,
			Args:      joinArgs(pc.Args),
			GateKind:  pc.Gate,
			Status:    "pending",
		}
		if i == 0 {
			phase.Status = "active"
			phase.StartedAt = &now
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, phase); err != nil {
			return domain.Project{}, fmt.Errorf("insert phase %d: %w", pc.Number, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// StartExecution records a queued execution for the project. A project
// with a queued or running execution rejects the request synchronously
// with repo.ErrExecutionActive; requests are never queued behind it.
func (e Engine) StartExecution(ctx context.Context, projectID, command string, args []string, phaseID, actorID string) (domain.CommandExecution, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.CommandExecution{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommandExecution{}, err
	}
	defer tx.Rollback()

	exec := domain.CommandExecution{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		PhaseID:   optionalString(phaseID),
		Command:   command,
		Args:      joinArgs(args),
		Status:    "queued",
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertExecutionIfIdle(ctx, tx, exec); err != nil {
		return domain.CommandExecution{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeExecutionQueued, projectID, "execution", exec.ID, actorID, events.EventPayload{"command": command}); err != nil {
		return domain.CommandExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CommandExecution{}, err
	}
	return exec, nil
}

// RunExecution drives a queued execution to a terminal status: submits
// the command, consumes the incremental stream, and persists every
// classified activity the moment its message arrives, so feed
// subscribers observe progress mid-run. Activities persisted before a
// failure are kept.
func (e Engine) RunExecution(ctx context.Context, exec domain.CommandExecution, actorID string) (domain.CommandExecution, error) {
	if e.Agent == nil {
		return exec, errors.New("agent client not configured")
	}
	project, err := e.Repo.GetProject(ctx, exec.ProjectID)
	if err != nil {
		return exec, err
	}
	if err := e.transitionExecution(ctx, &exec, "running", nil, nil, events.TypeExecutionRunning, actorID); err != nil {
		return exec, err
	}

	conversationID := e.Agent.ConversationID(exec.ProjectID)
	runErr := func() error {
		// The adapter transcript is cumulative per conversation and the
		// conversation is reused across a project's executions. Clear it
		// first or the stream replays every prior run's messages into
		// this execution's activities and output.
		if err := e.Agent.Clear(ctx, conversationID); err != nil {
			return fmt.Errorf("clear transcript: %w", err)
		}
		if project.RepoURL != "" {
			if err := e.Agent.SetupWorkspace(ctx, conversationID, project.RepoURL); err != nil {
				return fmt.Errorf("workspace setup: %w", err)
			}
		}
		if err := e.Agent.Invoke(ctx, conversationID, exec.Command, fieldsOrNil(exec.Args)); err != nil {
			return fmt.Errorf("invoke: %w", err)
		}
		return nil
	}()

	var raw []string
	if runErr == nil {
		runErr = e.Agent.Stream(ctx, conversationID, func(m agent.Message) error {
			raw = append(raw, m.Message)
			return e.persistActivities(ctx, exec, m.Message)
		})
	}

	if runErr != nil {
		msg := runErr.Error()
		if err := e.transitionExecution(ctx, &exec, "failed", nil, &msg, events.TypeExecutionFailed, actorID); err != nil {
			return exec, err
		}
		return exec, runErr
	}
	output := strings.Join(raw, "\n")
	if err := e.transitionExecution(ctx, &exec, "succeeded", &output, nil, events.TypeExecutionSucceeded, actorID); err != nil {
		return exec, err
	}
	return exec, nil
}

// RunCommand is StartExecution plus RunExecution in one call.
func (e Engine) RunCommand(ctx context.Context, projectID, command string, args []string, phaseID, actorID string) (domain.CommandExecution, error) {
	exec, err := e.StartExecution(ctx, projectID, command, args, phaseID, actorID)
	if err != nil {
		return exec, err
	}
	return e.RunExecution(ctx, exec, actorID)
}

// persistActivities classifies one raw message and commits each
// resulting activity before returning.
func (e Engine) persistActivities(ctx context.Context, exec domain.CommandExecution, raw string) error {
	acts := classify.Classify(raw, e.now())
	if len(acts) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, a := range acts {
		a.ExecutionID = exec.ID
		a.ProjectID = exec.ProjectID
		if _, err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) transitionExecution(ctx context.Context, exec *domain.CommandExecution, status string, output, errMsg *string, evtType, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var completedAt *string
	if status == "succeeded" || status == "failed" {
		done := e.now().UTC().Format(time.RFC3339)
		completedAt = &done
	}
	if err := e.Repo.UpdateExecutionStatus(ctx, tx, exec.ID, status, output, errMsg, completedAt); err != nil {
		return err
	}
	payload := events.EventPayload{"command": exec.Command, "status": status}
	if errMsg != nil {
		payload["error"] = *errMsg
	}
	if err := e.Events.Append(ctx, tx, evtType, exec.ProjectID, "execution", exec.ID, actorID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	exec.Status = status
	exec.Output = output
	exec.Error = errMsg
	exec.CompletedAt = completedAt
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

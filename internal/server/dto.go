package server

import (
	"encoding/json"

	"conductor/internal/config"
	"conductor/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	RepoURL     *string `json:"repo_url,omitempty"`
	Description *string `json:"description,omitempty"`
}

type RunCommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type ResolveGateRequest struct {
	Response *string `json:"response,omitempty"`
}

type CreateKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"brainstorming,vision_review,planning,in_progress,paused,completed"`
	Description string `json:"description,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ProjectStatusResponse struct {
	ProjectID      string             `json:"project_id"`
	Status         string             `json:"status"`
	ActivePhase    *PhaseResponse     `json:"active_phase,omitempty"`
	Execution      *ExecutionResponse `json:"execution,omitempty"`
	ActivityCounts map[string]int     `json:"activity_counts,omitempty"`
}

type ExecutionResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	PhaseID     *string `json:"phase_id,omitempty"`
	Command     string  `json:"command"`
	Args        string  `json:"args,omitempty"`
	Status      string  `json:"status" enum:"queued,running,succeeded,failed"`
	Output      *string `json:"output,omitempty"`
	Error       *string `json:"error,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ActivityResponse struct {
	ID          int64             `json:"id"`
	ExecutionID string            `json:"execution_id"`
	ProjectID   string            `json:"project_id"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	Snippet     *string           `json:"snippet,omitempty"`
	TS          string            `json:"ts" format:"date-time"`
}

type PhaseResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Number      int     `json:"number"`
	Name        string  `json:"name"`
	Command     string  `json:"command,omitempty"`
	Args        string  `json:"args,omitempty"`
	GateKind    string  `json:"gate_kind,omitempty"`
	Status      string  `json:"status" enum:"pending,active,completed,blocked"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Error       *string `json:"error,omitempty"`
}

type GateResponse struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	PhaseID   *string        `json:"phase_id,omitempty"`
	Kind      string         `json:"kind" enum:"vision_doc,phase_start,phase_complete,error_resolution"`
	Question  string         `json:"question"`
	Context   map[string]any `json:"context,omitempty"`
	Status    string         `json:"status" enum:"pending,approved,rejected"`
	Response  *string        `json:"response,omitempty"`
	DecidedAt *string        `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type KeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type ProjectConfigResponse struct {
	Project  projectConfigSection  `json:"project"`
	Agent    agentConfigSection    `json:"agent"`
	Workflow workflowConfigSection `json:"workflow"`
}

type projectConfigSection struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	RepoURL string `json:"repo_url,omitempty"`
}

type agentConfigSection struct {
	BaseURL            string `json:"base_url"`
	ConversationPrefix string `json:"conversation_prefix"`
}

type workflowConfigSection struct {
	Phases []phaseConfigEntry `json:"phases"`
}

type phaseConfigEntry struct {
	Number  int      `json:"number"`
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Gate    string   `json:"gate,omitempty"`
}

type paginatedExecutions struct {
	Items      []ExecutionResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedActivities struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func executionResponse(e domain.CommandExecution) ExecutionResponse {
	return ExecutionResponse(e)
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse(a)
}

func phaseResponse(p domain.WorkflowPhase) PhaseResponse {
	return PhaseResponse(p)
}

func gateResponse(g domain.ApprovalGate) GateResponse {
	return GateResponse{
		ID:        g.ID,
		ProjectID: g.ProjectID,
		PhaseID:   g.PhaseID,
		Kind:      g.Kind,
		Question:  g.Question,
		Context:   decodeJSONMap(strPtr(g.Context)),
		Status:    g.Status,
		Response:  g.Response,
		DecidedAt: g.DecidedAt,
		CreatedAt: g.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func keyResponse(k domain.APIKey) KeyResponse {
	return KeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:      cfg.Project.ID,
			Name:    cfg.Project.Name,
			RepoURL: cfg.Project.RepoURL,
		},
		Agent: agentConfigSection{
			BaseURL:            cfg.Agent.BaseURL,
			ConversationPrefix: cfg.Agent.ConversationPrefix,
		},
		Workflow: workflowConfigSection{Phases: []phaseConfigEntry{}},
	}
	for _, ph := range cfg.Workflow.Phases {
		res.Workflow.Phases = append(res.Workflow.Phases, phaseConfigEntry{
			Number:  ph.Number,
			Name:    ph.Name,
			Command: ph.Command,
			Args:    ph.Args,
			Gate:    ph.Gate,
		})
	}
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapPhases(items []domain.WorkflowPhase) []PhaseResponse {
	res := make([]PhaseResponse, 0, len(items))
	for _, p := range items {
		res = append(res, phaseResponse(p))
	}
	return res
}

func mapGates(items []domain.ApprovalGate) []GateResponse {
	res := make([]GateResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gateResponse(g))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}

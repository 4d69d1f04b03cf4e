package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"brainstorming,vision_review,planning,in_progress,paused,completed"`
	Description string `json:"description,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// CommandExecution is one end-to-end run of a remote-agent command.
// Mutated only by the executor; terminal once succeeded or failed.
type CommandExecution struct {
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

// Activity is one classified unit of observable agent work. Append-only.
// The integer ID doubles as the insertion-order tie-break for records
// sharing a timestamp.
type Activity struct {
	ID          int64             `json:"id"`
	ExecutionID string            `json:"execution_id"`
	ProjectID   string            `json:"project_id"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	Snippet     *string           `json:"snippet,omitempty"`
	TS          string            `json:"ts" format:"date-time"`
}

type ApprovalGate struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	PhaseID   *string `json:"phase_id,omitempty"`
	Kind      string  `json:"kind" enum:"vision_doc,phase_start,phase_complete,error_resolution"`
	Question  string  `json:"question"`
	Context   string  `json:"context_json,omitempty"`
	Status    string  `json:"status" enum:"pending,approved,rejected"`
	Response  *string `json:"response,omitempty"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type WorkflowPhase struct {
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

// RequiresApproval reports whether the phase may complete only through an
// approved gate.
func (p WorkflowPhase) RequiresApproval() bool { return p.GateKind != "" }

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

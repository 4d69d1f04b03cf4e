package conductorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Conductor HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Commands run through the remote
// agent can take minutes, so the default timeout is generous.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		ProjectID:  projectID,
		Timeout:    15 * time.Minute,
		HTTPClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Execution represents one run of an agent command.
type Execution struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	PhaseID     *string `json:"phase_id,omitempty"`
	Command     string  `json:"command"`
	Args        string  `json:"args,omitempty"`
	Status      string  `json:"status"`
	Output      *string `json:"output,omitempty"`
	Error       *string `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Activity is one classified unit of agent work.
type Activity struct {
	ID          int64             `json:"id"`
	ExecutionID string            `json:"execution_id"`
	ProjectID   string            `json:"project_id"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	Snippet     *string           `json:"snippet,omitempty"`
	TS          string            `json:"ts"`
}

// Phase represents a workflow phase.
type Phase struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Number      int     `json:"number"`
	Name        string  `json:"name"`
	Command     string  `json:"command,omitempty"`
	Args        string  `json:"args,omitempty"`
	GateKind    string  `json:"gate_kind,omitempty"`
	Status      string  `json:"status"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// Gate represents an approval gate.
type Gate struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	PhaseID   *string        `json:"phase_id,omitempty"`
	Kind      string         `json:"kind"`
	Question  string         `json:"question"`
	Context   map[string]any `json:"context,omitempty"`
	Status    string         `json:"status"`
	Response  *string        `json:"response,omitempty"`
	DecidedAt *string        `json:"decided_at,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Status is the project status summary.
type Status struct {
	ProjectID      string         `json:"project_id"`
	Status         string         `json:"status"`
	ActivePhase    *Phase         `json:"active_phase,omitempty"`
	Execution      *Execution     `json:"execution,omitempty"`
	ActivityCounts map[string]int `json:"activity_counts,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedExecutions wraps execution listings with a cursor.
type PaginatedExecutions struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedActivities wraps activity listings with a cursor.
type PaginatedActivities struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, id, name, repoURL, description string) (Project, error) {
	body := map[string]any{
		"id":   id,
		"name": name,
	}
	if repoURL != "" {
		body["repo_url"] = repoURL
	}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// GetProject fetches the client's project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// Status returns the project status summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Run starts an agent command and waits for it to settle. The returned
// execution may be failed; inspect its Status and Error fields.
func (c *Client) Run(ctx context.Context, command string, args ...string) (Execution, error) {
	body := map[string]any{
		"command": command,
		"args":    args,
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.projectPath("run"), body, &resp)
	return resp, err
}

// Executions returns recent executions, newest first.
func (c *Client) Executions(ctx context.Context, limit int) ([]Execution, error) {
	page, err := c.ExecutionsPage(ctx, limit, "")
	return page.Items, err
}

// ExecutionsPage returns a paginated execution listing.
func (c *Client) ExecutionsPage(ctx context.Context, limit int, cursor string) (PaginatedExecutions, error) {
	var resp PaginatedExecutions
	err := c.do(ctx, http.MethodGet, c.paged(c.projectPath("executions"), limit, cursor), nil, &resp)
	return resp, err
}

// GetExecution fetches an execution by id.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	endpoint := c.projectPath(fmt.Sprintf("executions/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ActivitiesPage returns a paginated activity listing in stream order.
func (c *Client) ActivitiesPage(ctx context.Context, limit int, cursor string) (PaginatedActivities, error) {
	var resp PaginatedActivities
	err := c.do(ctx, http.MethodGet, c.paged(c.projectPath("activities"), limit, cursor), nil, &resp)
	return resp, err
}

// Phases returns the workflow phases in order.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp struct {
		Items []Phase `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("phases"), nil, &resp)
	return resp.Items, err
}

// RunPhase runs the active phase's command.
func (c *Client) RunPhase(ctx context.Context) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.projectPath("phases/run"), nil, &resp)
	return resp, err
}

// AdvancePhase activates the next pending phase.
func (c *Client) AdvancePhase(ctx context.Context) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.projectPath("phases/advance"), nil, &resp)
	return resp, err
}

// RetryPhase re-runs the blocked phase.
func (c *Client) RetryPhase(ctx context.Context) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.projectPath("phases/retry"), nil, &resp)
	return resp, err
}

// Gates returns approval gates, optionally filtered by status.
func (c *Client) Gates(ctx context.Context, status string) ([]Gate, error) {
	var resp struct {
		Items []Gate `json:"items"`
	}
	endpoint := c.projectPath("gates")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApproveGate approves a pending gate.
func (c *Client) ApproveGate(ctx context.Context, gateID, response string) (Gate, error) {
	return c.resolveGate(ctx, gateID, "approve", response)
}

// RejectGate rejects a pending gate.
func (c *Client) RejectGate(ctx context.Context, gateID, response string) (Gate, error) {
	return c.resolveGate(ctx, gateID, "reject", response)
}

func (c *Client) resolveGate(ctx context.Context, gateID, decision, response string) (Gate, error) {
	var body map[string]any
	if response != "" {
		body = map[string]any{"response": response}
	}
	var resp Gate
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/%s", url.PathEscape(gateID), decision))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, c.paged(c.projectPath("events"), limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	// Clients are shared across goroutines; never write fields here.
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) paged(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v1/projects/%s", project)
	}
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

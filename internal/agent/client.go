package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTimeout is returned by Stream when no completion is inferred before
// the deadline. Transport errors propagate unmodified.
var ErrTimeout = errors.New("agent command timed out")

// Message is one entry in an agent conversation. Direction is "sent" for
// messages produced by the agent and "received" for messages we posted.
type Message struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
}

type messageRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type messagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// APIError wraps non-2xx responses from the agent adapter.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client talks to the remote agent's message adapter. The adapter offers
// no push channel; callers observe a command by cumulative polling.
type Client struct {
	BaseURL            string
	ConversationPrefix string
	PollInterval       time.Duration
	Timeout            time.Duration
	HTTPClient         *http.Client
}

// New creates a client with the adapter's defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:            baseURL,
		ConversationPrefix: "pm-project-",
		PollInterval:       2 * time.Second,
		Timeout:            10 * time.Minute,
		HTTPClient:         &http.Client{Timeout: 10 * time.Second},
	}
}

// defaultHTTPClient backs clients built without New. do must not write
// c.HTTPClient: one Client is shared across goroutines.
var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// ConversationID derives the adapter conversation for a project.
func (c *Client) ConversationID(projectID string) string {
	return c.ConversationPrefix + projectID
}

// RepoName extracts the repository name from a clone URL.
func RepoName(repoURL string) string {
	part := strings.TrimRight(repoURL, "/")
	if i := strings.LastIndex(part, "/"); i >= 0 {
		part = part[i+1:]
	}
	return strings.TrimSuffix(part, ".git")
}

// Submit posts one raw message to a conversation.
func (c *Client) Submit(ctx context.Context, conversationID, message string) error {
	body := messageRequest{ConversationID: conversationID, Message: message}
	return c.do(ctx, http.MethodPost, "test/message", body, nil)
}

// SetupWorkspace points the agent at the project's registered codebase.
func (c *Client) SetupWorkspace(ctx context.Context, conversationID, repoURL string) error {
	return c.Submit(ctx, conversationID, "/repo "+RepoName(repoURL))
}

// Invoke submits a named command. Args containing spaces are quoted so
// the adapter preserves them as single arguments.
func (c *Client) Invoke(ctx context.Context, conversationID, command string, args []string) error {
	cmd := "/command-invoke " + command
	for _, arg := range args {
		if strings.Contains(arg, " ") {
			arg = `"` + arg + `"`
		}
		cmd += " " + arg
	}
	return c.Submit(ctx, conversationID, cmd)
}

// Messages returns the conversation's agent-sent messages so far. The
// adapter's listing is cumulative, so repeated calls are idempotent.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, "test/messages/"+url.PathEscape(conversationID), nil, &resp); err != nil {
		return nil, err
	}
	var sent []Message
	for _, m := range resp.Messages {
		if m.Direction == "sent" {
			sent = append(sent, m)
		}
	}
	return sent, nil
}

// Clear deletes the conversation's messages.
func (c *Client) Clear(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "test/messages/"+url.PathEscape(conversationID), nil, nil)
}

// Stream polls the conversation and calls yield with each newly arrived
// message exactly once, in order. Completion is inferred, not signaled:
// after two consecutive polls with no new messages the stream is done.
// Returns ErrTimeout when the deadline passes first; yield errors and
// transport errors abort the stream unmodified.
func (c *Client) Stream(ctx context.Context, conversationID string, yield func(Message) error) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	seen := 0
	stable := 0
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s (conversation %s)", ErrTimeout, timeout, conversationID)
		}
		msgs, err := c.Messages(ctx, conversationID)
		if err != nil {
			return err
		}
		if len(msgs) > seen {
			for _, m := range msgs[seen:] {
				if err := yield(m); err != nil {
					return err
				}
			}
			seen = len(msgs)
			stable = 0
		} else {
			stable++
		}
		if stable >= 2 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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

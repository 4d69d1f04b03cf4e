package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeAdapter scripts the cumulative message listing: poll n returns
// polls[n] (the last script entry repeats once exhausted).
type fakeAdapter struct {
	mu       sync.Mutex
	polls    [][]Message
	posted   []messageRequest
	pollSeen int
}

func (f *fakeAdapter) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var req messageRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.posted = append(f.posted, req)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			idx := f.pollSeen
			if idx >= len(f.polls) {
				idx = len(f.polls) - 1
			}
			f.pollSeen++
			var msgs []Message
			if idx >= 0 {
				msgs = f.polls[idx]
			}
			json.NewEncoder(w).Encode(messagesResponse{ConversationID: "c", Messages: msgs})
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func newTestClient(t *testing.T, adapter *fakeAdapter) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(adapter.handler())
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.PollInterval = time.Millisecond
	c.Timeout = time.Second
	return c, srv
}

func sent(texts ...string) []Message {
	var msgs []Message
	for _, txt := range texts {
		msgs = append(msgs, Message{Message: txt, Direction: "sent", Timestamp: "2026-01-01T00:00:00Z"})
	}
	return msgs
}

func TestStreamYieldsEachMessageOnce(t *testing.T) {
	adapter := &fakeAdapter{polls: [][]Message{
		sent("a"),
		sent("a", "b"),
		sent("a", "b", "c"),
		sent("a", "b", "c"),
		sent("a", "b", "c"),
	}}
	c, _ := newTestClient(t, adapter)

	var got []string
	err := c.Stream(context.Background(), "c", func(m Message) error {
		got = append(got, m.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestStreamCompletesAfterTwoStablePolls(t *testing.T) {
	adapter := &fakeAdapter{polls: [][]Message{
		sent("only"),
		sent("only"),
		sent("only"),
	}}
	c, _ := newTestClient(t, adapter)

	count := 0
	if err := c.Stream(context.Background(), "c", func(Message) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if count != 1 {
		t.Fatalf("yielded %d messages, want 1", count)
	}
}

func TestStreamEmptyConversationCompletes(t *testing.T) {
	adapter := &fakeAdapter{polls: [][]Message{nil, nil, nil}}
	c, _ := newTestClient(t, adapter)

	if err := c.Stream(context.Background(), "c", func(Message) error {
		t.Fatal("unexpected yield")
		return nil
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
}

func TestStreamTimeout(t *testing.T) {
	// Every poll grows the conversation so stability is never reached.
	var polls [][]Message
	texts := []string{}
	for i := 0; i < 10000; i++ {
		texts = append(texts, "m")
		polls = append(polls, sent(texts...))
	}
	adapter := &fakeAdapter{polls: polls}
	c, _ := newTestClient(t, adapter)
	c.Timeout = 20 * time.Millisecond

	err := c.Stream(context.Background(), "c", func(Message) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestStreamPropagatesTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.PollInterval = time.Millisecond

	err := c.Stream(context.Background(), "c", func(Message) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", apiErr.StatusCode)
	}
}

func TestMessagesFiltersToAgentSent(t *testing.T) {
	adapter := &fakeAdapter{polls: [][]Message{{
		{Message: "/command-invoke prime", Direction: "received"},
		{Message: "Priming context...", Direction: "sent"},
		{Message: "Done.", Direction: "sent"},
	}}}
	c, _ := newTestClient(t, adapter)

	msgs, err := c.Messages(context.Background(), "c")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Direction != "sent" {
			t.Fatalf("unexpected direction %q", m.Direction)
		}
	}
}

func TestInvokeQuotesSpacedArgs(t *testing.T) {
	adapter := &fakeAdapter{}
	c, _ := newTestClient(t, adapter)

	if err := c.Invoke(context.Background(), "conv-1", "plan-feature-github", []string{"fix login bug", "42"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.posted) != 1 {
		t.Fatalf("got %d posts, want 1", len(adapter.posted))
	}
	want := `/command-invoke plan-feature-github "fix login bug" 42`
	if adapter.posted[0].Message != want {
		t.Fatalf("message = %q, want %q", adapter.posted[0].Message, want)
	}
	if adapter.posted[0].ConversationID != "conv-1" {
		t.Fatalf("conversation = %q", adapter.posted[0].ConversationID)
	}
}

// One Client is shared by the server and engine; requests from separate
// goroutines must not mutate shared state. Run with -race.
func TestClientSafeForConcurrentUse(t *testing.T) {
	adapter := &fakeAdapter{polls: [][]Message{sent("a")}}
	c, _ := newTestClient(t, adapter)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Messages(context.Background(), "c"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent messages: %v", err)
	}
}

func TestRepoName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/owner/repo.git": "repo",
		"https://github.com/owner/repo":     "repo",
		"https://github.com/owner/repo/":    "repo",
		"git@example.com:owner/tool.git":    "tool",
	}
	for in, want := range cases {
		if got := RepoName(in); got != want {
			t.Errorf("RepoName(%q) = %q, want %q", in, got, want)
		}
	}
}

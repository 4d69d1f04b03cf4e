package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"conductor/internal/engine"
	"conductor/internal/feed"
)

const (
	defaultFeedPollInterval = 2 * time.Second
	defaultFeedHeartbeat    = 30 * time.Second
	defaultFeedBacklog      = 50
)

// registerFeed mounts the live activity feed as a plain chi route. SSE
// does not fit Huma's request/response model, so the handler writes the
// wire format itself.
func registerFeed(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "/projects/{project_id}/feed"), func(w http.ResponseWriter, req *http.Request) {
		projectID := chi.URLParam(req, "project_id")
		if projectID == "" && e.Config != nil {
			projectID = e.Config.Project.ID
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		verbosity := req.URL.Query().Get("verbosity")
		backlog := defaultFeedBacklog
		pollInterval := defaultFeedPollInterval
		heartbeat := defaultFeedHeartbeat
		if e.Config != nil {
			if e.Config.Feed.Backlog > 0 {
				backlog = e.Config.Feed.Backlog
			}
			if e.Config.Feed.PollIntervalSeconds > 0 {
				pollInterval = time.Duration(e.Config.Feed.PollIntervalSeconds * float64(time.Second))
			}
			if e.Config.Feed.HeartbeatSeconds > 0 {
				heartbeat = time.Duration(e.Config.Feed.HeartbeatSeconds) * time.Second
			}
		}
		if raw := req.URL.Query().Get("backlog"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				backlog = n
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

		ctx := req.Context()
		tailer := feed.NewTailer(e.Repo, projectID, verbosity, backlog)
		items, err := tailer.Start(ctx)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		writeFeedItems(w, items)
		flusher.Flush()

		poll := time.NewTicker(pollInterval)
		defer poll.Stop()
		beat := time.NewTicker(heartbeat)
		defer beat.Stop()

		for {
			select {
			case <-poll.C:
				items, err := tailer.Next(ctx)
				if err != nil {
					return
				}
				if len(items) > 0 {
					writeFeedItems(w, items)
					flusher.Flush()
				}
			case <-beat.C:
				fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	})
}

func writeFeedItems(w http.ResponseWriter, items []feed.Item) {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: activity\nid: %s\ndata: %s\n\n", item.ID, data)
	}
}

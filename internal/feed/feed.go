// Package feed implements the live activity tail: a cursor primitive
// that strictly advances past the last seen record, used by the SSE
// endpoint, the CLI follower, and the webhook dispatcher.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"conductor/internal/domain"
	"conductor/internal/repo"
)

// Verbosity levels. Coarse streams execution, phase, and gate status
// changes only; fine adds every classified activity.
const (
	VerbosityCoarse = "coarse"
	VerbosityFine   = "fine"
)

// Item is one feed entry, either a status-change event or an activity.
type Item struct {
	ID      string            `json:"id"`
	TS      string            `json:"ts" format:"date-time"`
	Source  string            `json:"source"`
	Message string            `json:"message"`
	Type    string            `json:"type,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Output  *string           `json:"output,omitempty"`

	kind string
	seq  int64
}

// Tailer tails one project's feed. Not safe for concurrent use; each
// subscriber owns its own Tailer.
type Tailer struct {
	Repo      repo.Repo
	ProjectID string
	Verbosity string
	Backlog   int

	eventID    int64
	activityTS string
	activityID int64
}

func NewTailer(r repo.Repo, projectID, verbosity string, backlog int) *Tailer {
	if verbosity != VerbosityFine {
		verbosity = VerbosityCoarse
	}
	return &Tailer{Repo: r, ProjectID: projectID, Verbosity: verbosity, Backlog: backlog}
}

// Start returns the bounded backlog of most recent items and primes the
// cursor so Next only reports newer records.
func (t *Tailer) Start(ctx context.Context) ([]Item, error) {
	var items []Item
	evs, err := t.Repo.LatestEvents(ctx, t.max(1), t.ProjectID, "", "", "")
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		if ev.ID > t.eventID {
			t.eventID = ev.ID
		}
	}
	if t.Verbosity == VerbosityFine {
		acts, err := t.Repo.LatestActivities(ctx, t.ProjectID, t.max(1))
		if err != nil {
			return nil, err
		}
		for _, a := range acts {
			if a.TS > t.activityTS || (a.TS == t.activityTS && a.ID > t.activityID) {
				t.activityTS = a.TS
				t.activityID = a.ID
			}
		}
		if t.Backlog > 0 {
			for _, a := range acts {
				items = append(items, activityItem(a))
			}
		}
	}
	if t.Backlog > 0 {
		for _, ev := range evs {
			items = append(items, eventItem(ev))
		}
	}
	sortItems(items)
	if len(items) > t.Backlog {
		items = items[len(items)-t.Backlog:]
	}
	return items, nil
}

// Next returns records that arrived after the cursor, in ascending
// (timestamp, insertion) order, and advances the cursor past the last
// one. A record is never returned twice.
func (t *Tailer) Next(ctx context.Context) ([]Item, error) {
	var items []Item
	evs, err := t.Repo.EventsAfter(ctx, 0, t.eventID, t.ProjectID)
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		items = append(items, eventItem(ev))
		if ev.ID > t.eventID {
			t.eventID = ev.ID
		}
	}
	if t.Verbosity == VerbosityFine {
		acts, err := t.Repo.ListActivities(ctx, repo.ActivityFilters{
			ProjectID: t.ProjectID,
			CursorTS:  t.activityTS,
			CursorID:  t.activityID,
		})
		if err != nil {
			return nil, err
		}
		for _, a := range acts {
			items = append(items, activityItem(a))
			t.activityTS = a.TS
			t.activityID = a.ID
		}
	}
	sortItems(items)
	return items, nil
}

func (t *Tailer) max(min int) int {
	if t.Backlog > min {
		return t.Backlog
	}
	return min
}

// sortItems orders merged events and activities by timestamp, breaking
// timestamp ties deterministically: activities before events, then
// per-stream insertion order. Every subscriber therefore sees the same
// relative order for any pair of items both observe.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].TS != items[j].TS {
			return items[i].TS < items[j].TS
		}
		if items[i].kind != items[j].kind {
			return items[i].kind < items[j].kind
		}
		return items[i].seq < items[j].seq
	})
}

func eventItem(ev domain.Event) Item {
	var details map[string]string
	if ev.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err == nil && len(payload) > 0 {
			details = make(map[string]string, len(payload))
			for k, v := range payload {
				details[k] = fmt.Sprint(v)
			}
		}
	}
	return Item{
		ID:      fmt.Sprintf("evt-%d", ev.ID),
		TS:      ev.TS,
		Source:  "workflow",
		Message: ev.Type,
		Type:    ev.Type,
		Details: details,
		kind:    "evt",
		seq:     ev.ID,
	}
}

func activityItem(a domain.Activity) Item {
	return Item{
		ID:      fmt.Sprintf("act-%d", a.ID),
		TS:      a.TS,
		Source:  "agent",
		Message: a.Description,
		Type:    a.Type,
		Details: a.Details,
		Output:  a.Snippet,
		kind:    "act",
		seq:     a.ID,
	}
}

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"conductor/internal/classify"
)

// Event types appended by the engine. The feed and webhook dispatcher
// consume these; clients should treat unknown types as opaque.
const (
	TypeProjectCreated     = "project.created"
	TypeExecutionQueued    = "execution.queued"
	TypeExecutionRunning   = "execution.running"
	TypeExecutionSucceeded = "execution.succeeded"
	TypeExecutionFailed    = "execution.failed"
	TypePhaseActivated     = "phase.activated"
	TypePhaseCompleted     = "phase.completed"
	TypePhaseBlocked       = "phase.blocked"
	TypeGateCreated        = "gate.created"
	TypeGateApproved       = "gate.approved"
	TypeGateRejected       = "gate.rejected"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	// Same fixed-width layout as activity timestamps, so the feed's
	// lexical merge of both streams follows real time.
	ts := w.Now().UTC().Format(classify.TimeLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

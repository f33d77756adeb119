package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the audit event log. Event types in use:
// project.created, project.updated, project.completed, budget.revised,
// complaint.filed, photo.verified, risk.flagged, risk.cleared,
// project.escalated, scan.completed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(projectID), actorID, string(data))
	return err
}

// AppendDB is Append without an enclosing transaction, for callers that
// record an event after their own write already committed.
func (w Writer) AppendDB(ctx context.Context, evtType, projectID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(projectID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

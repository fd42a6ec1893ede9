package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records evt inside tx, so an event row exists only if the change it describes committed.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := make(Payload, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		payload[k] = v
	}
	if evt.AssigneeID != "" {
		payload["assignee_id"] = evt.AssigneeID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := evt.ActorID
	if actor == "" {
		actor = SystemActor
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, string(evt.Type), "task", nullable(evt.TaskID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

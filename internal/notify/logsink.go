package notify

import (
	"context"
	"log/slog"

	"choreline/internal/events"
)

// Attach subscribes a structured-log sink for the events a household needs to hear about.
func Attach(bus *events.Bus, log *slog.Logger) {
	sink := LogSink(log)
	for _, t := range []events.Type{events.TaskMissed, events.RotationAdvanced, events.StealWindowOpened} {
		bus.Subscribe(t, sink)
	}
}

// LogSink logs each event with its task, assignee and payload.
func LogSink(log *slog.Logger) events.Handler {
	return func(ctx context.Context, evt events.Event) {
		attrs := []any{"event", string(evt.Type), "task_id", evt.TaskID}
		if evt.AssigneeID != "" {
			attrs = append(attrs, "assignee_id", evt.AssigneeID)
		}
		for k, v := range evt.Payload {
			if k == "assignee_id" {
				continue
			}
			attrs = append(attrs, k, v)
		}
		log.InfoContext(ctx, "chore event", attrs...)
	}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"choreline/internal/boundary"
	"choreline/internal/events"
	"choreline/internal/recurrence"
)

// ScanTask sweeps one chore over (from, now]. It never waits for the chore's
// lock: when an action or an earlier sweep still holds it, ErrBusy is returned
// and the chore is retried on the next pass.
//
// The window never reaches back before the chore's sweep mark, so a boundary
// already fired by another pass is not fired again on newer state. A sweep
// that loses the race for the mark also returns ErrBusy.
func (e Engine) ScanTask(ctx context.Context, taskID string, from, now time.Time) (bool, error) {
	unlock, ok := e.tryLock(taskID)
	if !ok {
		return false, ErrBusy
	}
	defer unlock()

	snap, err := e.load(ctx, taskID)
	if err != nil {
		return false, err
	}
	stats, err := e.stats(ctx, snap.Task)
	if err != nil {
		return false, err
	}
	prev := snap.Task.SweptAt
	if prev != nil && prev.After(from) {
		from = *prev
	}
	w := boundary.Window{From: from, Now: now, Loc: e.location()}
	res, err := boundary.Sweep(snap, w, stats)
	if err != nil {
		return false, fmt.Errorf("sweep task %s: %w", taskID, err)
	}
	swept := now.UTC()
	if !res.Changed {
		// Only a crossed midnight depends on the window; everything else is
		// decided by the stored state.
		if recurrence.CrossedMidnight(w.From, w.Now, w.Loc) {
			if err := e.Store.MarkSwept(ctx, taskID, prev, swept); err != nil {
				return false, storeErr(err)
			}
		}
		return false, nil
	}
	res.Snapshot.Task.SweptAt = &swept
	c := &change{
		snap:      res.Snapshot,
		history:   res.History,
		events:    res.Events,
		actor:     events.SystemActor,
		now:       swept,
		dirty:     true,
		sweeping:  true,
		sweptPrev: prev,
	}
	if err := e.commit(ctx, c); err != nil {
		return false, err
	}
	e.logger().Debug("task swept", "task_id", taskID, "events", len(c.events))
	return true, nil
}

// TaskIDs lists every chore id for a scanner pass.
func (e Engine) TaskIDs(ctx context.Context) ([]string, error) {
	ids, err := e.Store.ListTaskIDs(ctx)
	return ids, storeErr(err)
}

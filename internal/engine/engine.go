// Package engine orchestrates chore actions: it loads a chore, asks the pure
// resolvers what is allowed, persists the outcome atomically and publishes the
// committed events.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"choreline/internal/config"
	"choreline/internal/domain"
	"choreline/internal/events"
	"choreline/internal/logger"
	"choreline/internal/metrics"
	"choreline/internal/repo"
)

// Store loads and atomically saves single chores.
type Store interface {
	Load(ctx context.Context, id string) (domain.Snapshot, error)
	Save(ctx context.Context, c repo.Change) error
	Delete(ctx context.Context, id string, evt events.Event) error
	MarkSwept(ctx context.Context, id string, prev *time.Time, at time.Time) error
	ListTaskIDs(ctx context.Context) ([]string, error)
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
}

// StatsProvider supplies completion history for fairness rotation.
type StatsProvider interface {
	CompletionCounts(ctx context.Context, taskID string, assignees []string) (map[string]int, error)
	LastApproved(ctx context.Context, taskID string, assignees []string) (map[string]time.Time, error)
}

type Engine struct {
	Store  Store
	Stats  StatsProvider
	Bus    *events.Bus
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time

	locks *taskLocks
}

// New wires an engine over a repository, which serves as both store and stats provider.
func New(r repo.Repo, cfg *config.Config, bus *events.Bus, log *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Discard()
	}
	return Engine{
		Store:  r,
		Stats:  r,
		Bus:    bus,
		Config: cfg,
		Log:    log,
		Now:    time.Now,
		locks:  newTaskLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.Discard()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) location() *time.Location {
	loc, err := e.config().Location()
	if err != nil {
		e.logger().Warn("falling back to UTC", "err", err)
		return time.UTC
	}
	return loc
}

// change accumulates what one action writes for a chore.
type change struct {
	snap    domain.Snapshot
	removed []string
	history []domain.HistoryEntry
	events  []events.Event
	actor   string
	now     time.Time
	dirty   bool
	// sweeping marks a scanner write planned on the sweep mark sweptPrev.
	sweeping  bool
	sweptPrev *time.Time
}

func (c *change) emit(typ events.Type, assignee string, payload events.Payload) {
	c.events = append(c.events, events.Event{
		Type:       typ,
		TaskID:     c.snap.Task.ID,
		AssigneeID: assignee,
		ActorID:    c.actor,
		Payload:    payload,
	})
	c.dirty = true
}

func (c *change) put(r domain.Record) {
	c.snap.Put(r)
	c.dirty = true
}

func (c *change) toRepo() repo.Change {
	return repo.Change{
		Snapshot:  c.snap,
		Removed:   c.removed,
		History:   c.history,
		Events:    c.events,
		Sweeping:  c.sweeping,
		SweptPrev: c.sweptPrev,
	}
}

// load reads a chore, keeping ErrNotFound distinguishable from store failures.
func (e Engine) load(ctx context.Context, id string) (domain.Snapshot, error) {
	snap, err := e.Store.Load(ctx, id)
	return snap, storeErr(err)
}

// commit persists c and publishes its events once the write has succeeded.
func (e Engine) commit(ctx context.Context, c *change) error {
	c.snap.Task.UpdatedAt = c.now
	if err := e.Store.Save(ctx, c.toRepo()); err != nil {
		if !errors.Is(err, repo.ErrStale) {
			e.logger().Error("save task", "task_id", c.snap.Task.ID, "err", err)
		}
		return storeErr(err)
	}
	e.Bus.Publish(ctx, c.events...)
	return nil
}

// mutate runs fn on a private copy of the chore under the chore's lock and commits
// the result when fn reports a change. A failing fn leaves storage untouched.
func (e Engine) mutate(ctx context.Context, action, taskID, actor string, fn func(c *change) error) (domain.Snapshot, error) {
	snap, err := e.mutateLocked(ctx, taskID, actor, fn)
	metrics.RecordAction(action, Outcome(err))
	if err != nil {
		e.logger().Debug("action failed", "action", action, "task_id", taskID, "outcome", Outcome(err), "err", err)
		return domain.Snapshot{}, err
	}
	e.logger().Debug("action applied", "action", action, "task_id", taskID, "actor", actor)
	return snap, nil
}

func (e Engine) mutateLocked(ctx context.Context, taskID, actor string, fn func(c *change) error) (domain.Snapshot, error) {
	unlock := e.lock(taskID)
	defer unlock()
	snap, err := e.load(ctx, taskID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	c := &change{snap: snap.Clone(), actor: actor, now: e.now()}
	if err := fn(c); err != nil {
		return domain.Snapshot{}, err
	}
	if !c.dirty {
		return snap, nil
	}
	if err := e.commit(ctx, c); err != nil {
		return domain.Snapshot{}, err
	}
	return c.snap, nil
}

func (e Engine) lock(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(id)
}

func (e Engine) tryLock(id string) (func(), bool) {
	if e.locks == nil {
		return func() {}, true
	}
	return e.locks.tryLock(id)
}

// stats loads fairness statistics; only rotation_smart consumes them.
func (e Engine) stats(ctx context.Context, t domain.Task) (map[string]domain.AssigneeStats, error) {
	if t.CompletionMode != domain.ModeRotationSmart || e.Stats == nil {
		return nil, nil
	}
	counts, err := e.Stats.CompletionCounts(ctx, t.ID, t.Assignees)
	if err != nil {
		return nil, storeErr(err)
	}
	last, err := e.Stats.LastApproved(ctx, t.ID, t.Assignees)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make(map[string]domain.AssigneeStats, len(t.Assignees))
	for _, a := range t.Assignees {
		st := domain.AssigneeStats{Completions: counts[a]}
		if ts, ok := last[a]; ok {
			ts := ts
			st.LastApproved = &ts
		}
		out[a] = st
	}
	return out, nil
}

// Task returns the stored chore with its records.
func (e Engine) Task(ctx context.Context, id string) (domain.Snapshot, error) {
	return e.load(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	tasks, err := e.Store.ListTasks(ctx, f)
	return tasks, storeErr(err)
}

package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/db"
	"choreline/internal/domain"
	"choreline/internal/events"
	"choreline/internal/migrate"
	"choreline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return repo.New(conn, func() time.Time { return now }), ctx
}

func sampleTask(id string, mode domain.CompletionMode, assignees ...string) domain.Task {
	due := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	created := time.Date(2024, 2, 1, 8, 0, 0, 123456789, time.UTC)
	t := domain.Task{
		ID:             id,
		Name:           "chore " + id,
		Assignees:      assignees,
		CompletionMode: mode,
		OverduePolicy:  domain.OverdueAtDueDate,
		ApprovalReset:  domain.ResetAtMidnightOnce,
		PendingClaims:  domain.PendingHold,
		Recurrence: domain.Recurrence{
			Frequency:      domain.FrequencyWeekly,
			ApplicableDays: []time.Weekday{time.Monday, time.Friday},
		},
		DueDate:      &due,
		WindowOffset: 2 * time.Hour,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if mode.IsRotation() {
		h := assignees[1]
		t.TurnHolder = &h
	}
	return t
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	task := sampleTask("t1", domain.ModeRotationSimple, "A", "B")
	claimed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := domain.Snapshot{Task: task}
	snap.Put(domain.Record{AssigneeID: "B", Claimed: true, ClaimedAt: &claimed, Overdue: true})

	require.NoError(t, r.Save(ctx, repo.Change{
		Snapshot: snap,
		Events:   []events.Event{{Type: events.TaskClaimed, TaskID: "t1", AssigneeID: "B", ActorID: "B"}},
	}))

	got, err := r.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Assignees, got.Task.Assignees)
	assert.Equal(t, task.Recurrence, got.Task.Recurrence)
	assert.Equal(t, "B", *got.Task.TurnHolder)
	assert.Equal(t, 2*time.Hour, got.Task.WindowOffset)
	assert.True(t, task.CreatedAt.Equal(got.Task.CreatedAt))
	assert.True(t, task.DueDate.Equal(*got.Task.DueDate))
	rec := got.Record("B")
	assert.True(t, rec.Claimed)
	assert.True(t, rec.Overdue)
	assert.True(t, claimed.Equal(*rec.ClaimedAt))

	evts, err := r.ListEvents(ctx, repo.EventFilters{EntityID: "t1"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "task_claimed", evts[0].Type)
	assert.Contains(t, evts[0].Payload, `"assignee_id":"B"`)
}

func TestSaveRemovesRecords(t *testing.T) {
	r, ctx := newRepo(t)
	snap := domain.Snapshot{Task: sampleTask("t1", domain.ModeIndependent, "A", "B")}
	snap.Put(domain.Record{AssigneeID: "A", Claimed: true})
	snap.Put(domain.Record{AssigneeID: "B", Claimed: true})
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: snap}))

	delete(snap.Records, "B")
	snap.Task.Assignees = []string{"A"}
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: snap, Removed: []string{"B"}}))

	got, err := r.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got.Records, 1)
	assert.Equal(t, []string{"A"}, got.Task.Assignees)
}

func TestLoadMissing(t *testing.T) {
	r, ctx := newRepo(t)
	_, err := r.Load(ctx, "nope")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestListTasksFilters(t *testing.T) {
	r, ctx := newRepo(t)
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: domain.Snapshot{Task: sampleTask("t1", domain.ModeIndependent, "A", "B")}}))
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: domain.Snapshot{Task: sampleTask("t2", domain.ModeRotationSmart, "B", "C")}}))

	all, err := r.ListTasks(ctx, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	forA, err := r.ListTasks(ctx, repo.TaskFilters{AssigneeID: "A"})
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, "t1", forA[0].ID)

	smart, err := r.ListTasks(ctx, repo.TaskFilters{Mode: string(domain.ModeRotationSmart)})
	require.NoError(t, err)
	require.Len(t, smart, 1)
	assert.Equal(t, "t2", smart[0].ID)

	ids, err := r.ListTaskIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)
}

func TestStatistics(t *testing.T) {
	r, ctx := newRepo(t)
	snap := domain.Snapshot{Task: sampleTask("t1", domain.ModeRotationSmart, "A", "B", "C")}
	early := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 2, 9, 0, 0, 5, time.UTC)
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: snap, History: []domain.HistoryEntry{
		{TaskID: "t1", AssigneeID: "A", Kind: domain.HistoryApproved, At: early},
		{TaskID: "t1", AssigneeID: "A", Kind: domain.HistoryApproved, At: late},
		{TaskID: "t1", AssigneeID: "B", Kind: domain.HistoryMissed, At: late},
	}}))

	counts, err := r.CompletionCounts(ctx, "t1", []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 2, "B": 0, "C": 0}, counts)

	last, err := r.LastApproved(ctx, "t1", []string{"A", "B"})
	require.NoError(t, err)
	require.Contains(t, last, "A")
	assert.True(t, late.Equal(last["A"]))
	assert.NotContains(t, last, "B")

	hist, err := r.ListHistory(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, domain.HistoryMissed, hist[0].Kind)
}

func TestDeleteCascades(t *testing.T) {
	r, ctx := newRepo(t)
	snap := domain.Snapshot{Task: sampleTask("t1", domain.ModeIndependent, "A")}
	snap.Put(domain.Record{AssigneeID: "A", Approved: true})
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: snap, History: []domain.HistoryEntry{
		{TaskID: "t1", AssigneeID: "A", Kind: domain.HistoryApproved, At: time.Now()},
	}}))

	require.NoError(t, r.Delete(ctx, "t1", events.Event{Type: events.TaskDeleted, TaskID: "t1"}))
	hist, err := r.ListHistory(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.True(t, errors.Is(r.Delete(ctx, "t1", events.Event{Type: events.TaskDeleted, TaskID: "t1"}), repo.ErrNotFound))
}

func TestEventsAfterIsAscending(t *testing.T) {
	r, ctx := newRepo(t)
	snap := domain.Snapshot{Task: sampleTask("t1", domain.ModeIndependent, "A")}
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: snap, Events: []events.Event{
		{Type: events.TaskCreated, TaskID: "t1"},
		{Type: events.TaskClaimed, TaskID: "t1", AssigneeID: "A"},
		{Type: events.TaskApproved, TaskID: "t1", AssigneeID: "A"},
	}}))

	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	evts, err := r.EventsAfter(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "task_claimed", evts[0].Type)
	assert.Equal(t, "task_approved", evts[1].Type)
	assert.Equal(t, events.SystemActor, evts[0].ActorID)
}

func TestLastSweep(t *testing.T) {
	r, ctx := newRepo(t)
	at, err := r.LastSweep(ctx)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	want := time.Date(2024, 3, 1, 0, 0, 1, 0, time.UTC)
	require.NoError(t, r.SetLastSweep(ctx, want))
	require.NoError(t, r.SetLastSweep(ctx, want.Add(time.Minute)))
	at, err = r.LastSweep(ctx)
	require.NoError(t, err)
	assert.True(t, want.Add(time.Minute).Equal(at))
}

func TestSweepMarkGuardsConcurrentSweeps(t *testing.T) {
	r, ctx := newRepo(t)
	task := sampleTask("t1", domain.ModeSharedAll, "A", "B")
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: domain.Snapshot{Task: task}}))

	first := time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC)
	require.NoError(t, r.MarkSwept(ctx, "t1", nil, first))
	assert.ErrorIs(t, r.MarkSwept(ctx, "t1", nil, first.Add(time.Minute)), repo.ErrStale)

	got, err := r.Load(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.Task.SweptAt)
	assert.True(t, first.Equal(*got.Task.SweptAt))

	// A sweep planned before the mark moved is refused.
	stale := got
	stale.Task.SweptAt = nil
	err = r.Save(ctx, repo.Change{Snapshot: stale, Sweeping: true})
	assert.ErrorIs(t, err, repo.ErrStale)

	next := first.Add(24 * time.Hour)
	fresh := got.Clone()
	fresh.Task.SweptAt = &next
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: fresh, Sweeping: true, SweptPrev: got.Task.SweptAt}))

	// Ordinary writes never move the mark backwards.
	plain := got.Clone()
	plain.Task.SweptAt = nil
	plain.Task.Name = "renamed"
	require.NoError(t, r.Save(ctx, repo.Change{Snapshot: plain}))
	got, err = r.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Task.Name)
	assert.True(t, next.Equal(*got.Task.SweptAt))
}

package boundary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/domain"
	"choreline/internal/events"
	"choreline/internal/fsm"
	"choreline/internal/rotation"
)

func at(d, h, m int) time.Time {
	return time.Date(2024, 3, d, h, m, 0, 0, time.UTC)
}

func strp(s string) *string { return &s }

func newSnap(mode domain.CompletionMode, policy domain.OverduePolicy, reset domain.ApprovalReset, assignees ...string) domain.Snapshot {
	due := at(1, 18, 0)
	t := domain.Task{
		ID:             "t1",
		Name:           "dishes",
		Assignees:      assignees,
		CompletionMode: mode,
		OverduePolicy:  policy,
		ApprovalReset:  reset,
		Recurrence:     domain.Recurrence{Frequency: domain.FrequencyDaily},
		DueDate:        &due,
	}
	if mode.IsRotation() {
		t.TurnHolder = strp(assignees[0])
	}
	return domain.Snapshot{Task: t, Records: map[string]domain.Record{}}
}

func sweepAt(t *testing.T, snap domain.Snapshot, from, now time.Time) Result {
	t.Helper()
	res, err := Sweep(snap, Window{From: from, Now: now, Loc: time.UTC}, nil)
	require.NoError(t, err)
	return res
}

func types(evts []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestSweepBeforeDueIsNoop(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueMissedAndLock, domain.ResetAtMidnightOnce, "A")
	res := sweepAt(t, snap, at(1, 16, 0), at(1, 17, 0))
	assert.False(t, res.Changed)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Snapshot.Records)
}

func TestSweepDoesNotMutateInput(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueMissedAndLock, domain.ResetAtMidnightOnce, "A")
	_ = sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	assert.Empty(t, snap.Records)
}

func TestMissedLockUntilBoundary(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueMissedAndLock, domain.ResetAtMidnightOnce, "A")

	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	assert.Equal(t, []events.Type{events.TaskMissed}, types(res.Events))
	assert.True(t, res.Snapshot.Record("A").Missed)
	d := fsm.CanClaim(res.Snapshot, "A", at(1, 19, 0))
	assert.False(t, d.Allowed)
	assert.Equal(t, fsm.ReasonMissed, d.Reason)

	// Second pass before midnight is idempotent.
	again := sweepAt(t, res.Snapshot, at(1, 19, 0), at(1, 20, 0))
	assert.False(t, again.Changed)

	res = sweepAt(t, res.Snapshot, at(1, 23, 59), at(2, 0, 1))
	assert.Equal(t, []events.Type{events.MissedRecorded, events.PeriodReset}, types(res.Events))
	require.Len(t, res.History, 1)
	assert.Equal(t, domain.HistoryMissed, res.History[0].Kind)
	assert.False(t, res.Snapshot.Record("A").Missed)
	require.NotNil(t, res.Snapshot.DueFor("A"))
	assert.Equal(t, at(2, 18, 0), *res.Snapshot.DueFor("A"))

	assert.Equal(t, fsm.StatePending, fsm.ResolveSnapshot(res.Snapshot, "A", at(2, 0, 2)).State)
	assert.True(t, fsm.CanClaim(res.Snapshot, "A", at(2, 0, 2)).Allowed)
}

func TestMissedLockRotationRecordsMissThenAdvances(t *testing.T) {
	snap := newSnap(domain.ModeRotationSimple, domain.OverdueMissedAndLock, domain.ResetAtMidnightOnce, "A", "B", "C")
	snap.Task.CycleOverride = false

	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "A", res.Events[0].AssigneeID)
	// Only the turn holder owes the chore.
	assert.False(t, res.Snapshot.Record("B").Missed)

	res = sweepAt(t, res.Snapshot, at(1, 23, 0), at(2, 0, 1))
	assert.Equal(t, []events.Type{events.MissedRecorded, events.RotationAdvanced, events.PeriodReset}, types(res.Events))
	assert.Equal(t, "A", res.Events[0].AssigneeID)
	assert.Equal(t, "B", res.Events[1].Payload["to"])
	require.NotNil(t, res.Snapshot.Task.TurnHolder)
	assert.Equal(t, "B", *res.Snapshot.Task.TurnHolder)
	assert.False(t, res.Snapshot.Task.CycleOverride)
}

func TestAllowStealOpensOnceAndAdvancesOnPureMiss(t *testing.T) {
	snap := newSnap(domain.ModeRotationSimple, domain.OverdueAllowSteal, domain.ResetAtMidnightOnce, "A", "B")

	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	assert.Equal(t, []events.Type{events.StealWindowOpened}, types(res.Events))
	assert.True(t, res.Snapshot.Task.StealOpen)
	assert.True(t, res.Snapshot.Record("A").Overdue)
	assert.True(t, fsm.CanClaim(res.Snapshot, "B", at(1, 19, 0)).Allowed)

	again := sweepAt(t, res.Snapshot, at(1, 19, 0), at(1, 21, 0))
	assert.Empty(t, again.Events)

	res = sweepAt(t, again.Snapshot, at(1, 23, 0), at(2, 0, 1))
	assert.Equal(t, []events.Type{events.MissedRecorded, events.RotationAdvanced, events.PeriodReset}, types(res.Events))
	assert.Equal(t, "A", res.Events[0].AssigneeID)
	assert.Equal(t, "B", *res.Snapshot.Task.TurnHolder)
	assert.False(t, res.Snapshot.Task.StealOpen)
	assert.False(t, res.Snapshot.Record("A").Overdue)
	assert.Equal(t, fsm.StatePending, fsm.ResolveSnapshot(res.Snapshot, "B", at(2, 0, 2)).State)
}

func TestAllowStealWithClaimIsNotAPureMiss(t *testing.T) {
	snap := newSnap(domain.ModeRotationSimple, domain.OverdueAllowSteal, domain.ResetAtMidnightOnce, "A", "B")
	claimedAt := at(1, 20, 0)
	snap.Put(domain.Record{AssigneeID: "B", Claimed: true, ClaimedAt: &claimedAt})

	res := sweepAt(t, snap, at(1, 23, 0), at(2, 0, 1))
	assert.NotContains(t, types(res.Events), events.RotationAdvanced)
	assert.NotContains(t, types(res.Events), events.MissedRecorded)
	assert.True(t, res.Snapshot.Record("B").Claimed, "held claim survives the boundary")
	assert.Equal(t, "A", *res.Snapshot.Task.TurnHolder)
}

func TestLateApprovalResetsAtNextMidnight(t *testing.T) {
	snap := newSnap(domain.ModeRotationSimple, domain.OverdueAtDueDate, domain.ResetAtMidnightOnce, "A", "B", "C")

	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	assert.True(t, res.Snapshot.Record("A").Overdue)

	// The first midnight keeps the overdue period open.
	res = sweepAt(t, res.Snapshot, at(1, 23, 0), at(2, 0, 1))
	assert.True(t, res.Snapshot.Record("A").Overdue)
	assert.Equal(t, at(1, 18, 0), *res.Snapshot.Task.DueDate)

	// A approves late at 08:00; the orchestrator hands the turn on.
	snap = res.Snapshot
	approvedAt := at(2, 8, 0)
	snap.Put(domain.Record{AssigneeID: "A", Claimed: true, Approved: true, ApprovedAt: &approvedAt, Overdue: true})
	_, err := rotation.Advance(&snap.Task, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, fsm.StateApproved, fsm.ResolveSnapshot(snap, "A", at(2, 8, 1)).State)

	res = sweepAt(t, snap, at(2, 23, 0), at(3, 0, 1))
	assert.Equal(t, []events.Type{events.PeriodReset}, types(res.Events))
	rec := res.Snapshot.Record("A")
	assert.False(t, rec.Approved)
	assert.False(t, rec.Claimed)
	assert.False(t, rec.Overdue)
	assert.Equal(t, at(3, 18, 0), *res.Snapshot.Task.DueDate)
	assert.Equal(t, "B", *res.Snapshot.Task.TurnHolder)
	assert.Equal(t, fsm.StatePending, fsm.ResolveSnapshot(res.Snapshot, "B", at(3, 0, 2)).State)
	assert.Equal(t, fsm.StateNotMyTurn, fsm.ResolveSnapshot(res.Snapshot, "A", at(3, 0, 2)).State)
}

func TestClearAtApprovalResetClearsOverdue(t *testing.T) {
	snap := newSnap(domain.ModeSharedAll, domain.OverdueClearAtApprovalReset, domain.ResetAtMidnightOnce, "A", "B")
	approvedAt := at(1, 12, 0)
	snap.Put(domain.Record{AssigneeID: "A", Claimed: true, Approved: true, ApprovedAt: &approvedAt})

	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	assert.False(t, res.Snapshot.Record("A").Overdue)
	assert.True(t, res.Snapshot.Record("B").Overdue)

	res = sweepAt(t, res.Snapshot, at(1, 23, 0), at(2, 0, 1))
	assert.False(t, res.Snapshot.Record("B").Overdue)
	assert.False(t, res.Snapshot.Record("A").Approved)
	assert.Empty(t, res.History)
	assert.Equal(t, at(2, 18, 0), *res.Snapshot.Task.DueDate)
}

func TestClearAndMarkMissedRecordsMisses(t *testing.T) {
	snap := newSnap(domain.ModeSharedAll, domain.OverdueClearAndMarkMissed, domain.ResetAtMidnightOnce, "A", "B")
	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	res = sweepAt(t, res.Snapshot, at(1, 23, 0), at(2, 0, 1))
	assert.Equal(t, []events.Type{events.MissedRecorded, events.MissedRecorded, events.PeriodReset}, types(res.Events))
	assert.Len(t, res.History, 2)
}

func TestPendingClaimActions(t *testing.T) {
	claimedAt := at(1, 10, 0)
	t.Run("hold", func(t *testing.T) {
		snap := newSnap(domain.ModeIndependent, domain.OverdueNever, domain.ResetAtMidnightOnce, "A")
		snap.Put(domain.Record{AssigneeID: "A", Claimed: true, ClaimedAt: &claimedAt})
		res := sweepAt(t, snap, at(1, 23, 0), at(2, 0, 1))
		assert.True(t, res.Snapshot.Record("A").Claimed)
	})
	t.Run("clear", func(t *testing.T) {
		snap := newSnap(domain.ModeIndependent, domain.OverdueNever, domain.ResetAtMidnightOnce, "A")
		snap.Task.PendingClaims = domain.PendingClear
		snap.Put(domain.Record{AssigneeID: "A", Claimed: true, ClaimedAt: &claimedAt})
		res := sweepAt(t, snap, at(1, 23, 0), at(2, 0, 1))
		assert.False(t, res.Snapshot.Record("A").Claimed)
		assert.Contains(t, types(res.Events), events.TaskDisapproved)
	})
	t.Run("auto approve advances rotation from the approver", func(t *testing.T) {
		snap := newSnap(domain.ModeRotationSimple, domain.OverdueClearAtApprovalReset, domain.ResetAtMidnightOnce, "A", "B", "C")
		snap.Task.PendingClaims = domain.PendingAutoApprove
		snap.Put(domain.Record{AssigneeID: "A", Claimed: true, ClaimedAt: &claimedAt})
		res := sweepAt(t, snap, at(1, 23, 0), at(2, 0, 1))
		assert.Equal(t, []events.Type{events.TaskApproved, events.RotationAdvanced, events.PeriodReset}, types(res.Events))
		require.Len(t, res.History, 1)
		assert.Equal(t, domain.HistoryApproved, res.History[0].Kind)
		assert.Equal(t, "B", *res.Snapshot.Task.TurnHolder)
		assert.False(t, res.Snapshot.Record("A").Claimed)
	})
}

func TestMultiResetClearsPeriodCounter(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueAtDueDate, domain.ResetAtMidnightMulti, "A")
	snap.Put(domain.Record{AssigneeID: "A", PeriodApprovals: 3})
	res := sweepAt(t, snap, at(1, 23, 0), at(2, 0, 1))
	assert.Zero(t, res.Snapshot.Record("A").PeriodApprovals)
	assert.Equal(t, at(2, 18, 0), *res.Snapshot.DueFor("A"))
}

func TestDueDateResetIsPerAssignee(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueNever, domain.ResetAtDueDateOnce, "A", "B")
	late := at(2, 9, 0)
	approvedAt := at(1, 12, 0)
	snap.Put(domain.Record{AssigneeID: "A", Claimed: true, Approved: true, ApprovedAt: &approvedAt})
	snap.Put(domain.Record{AssigneeID: "B", DueDate: &late})

	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	assert.False(t, res.Snapshot.Record("A").Approved)
	assert.Equal(t, at(2, 18, 0), *res.Snapshot.DueFor("A"))
	assert.Equal(t, late, *res.Snapshot.DueFor("B"))
	assert.Equal(t, []events.Type{events.PeriodReset}, types(res.Events))
	assert.Equal(t, "A", res.Events[0].AssigneeID)
}

func TestUponCompletionHasNoScheduledBoundary(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueNever, domain.ResetUponCompletion, "A")
	approvedAt := at(1, 12, 0)
	snap.Put(domain.Record{AssigneeID: "A", Approved: true, ApprovedAt: &approvedAt})
	res := sweepAt(t, snap, at(1, 23, 0), at(2, 0, 1))
	assert.False(t, res.Changed)
}

func TestOneOffMissClearsDueDate(t *testing.T) {
	snap := newSnap(domain.ModeSharedFirst, domain.OverdueMissedAndLock, domain.ResetAtMidnightOnce, "A", "B")
	snap.Task.Recurrence = domain.Recurrence{Frequency: domain.FrequencyNone}
	res := sweepAt(t, snap, at(1, 17, 0), at(1, 19, 0))
	res = sweepAt(t, res.Snapshot, at(1, 23, 0), at(2, 0, 1))
	assert.Nil(t, res.Snapshot.Task.DueDate)
	assert.Equal(t, fsm.StatePending, fsm.ResolveSnapshot(res.Snapshot, "A", at(2, 0, 2)).State)
}

func TestFairnessRotationUsesStats(t *testing.T) {
	snap := newSnap(domain.ModeRotationSmart, domain.OverdueMissedAndLock, domain.ResetAtMidnightOnce, "A", "B", "C")
	stats := map[string]domain.AssigneeStats{"A": {Completions: 5}, "B": {Completions: 3}, "C": {Completions: 4}}
	res, err := Sweep(snap, Window{From: at(1, 17, 0), Now: at(1, 19, 0)}, stats)
	require.NoError(t, err)
	res, err = Sweep(res.Snapshot, Window{From: at(1, 23, 0), Now: at(2, 0, 1)}, stats)
	require.NoError(t, err)
	assert.Equal(t, "B", *res.Snapshot.Task.TurnHolder)
	assert.Equal(t, 5, stats["A"].Completions)
}

func TestRecurrenceFailureAbortsTask(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueClearAtApprovalReset, domain.ResetAtMidnightOnce, "A")
	snap.Task.Recurrence = domain.Recurrence{Frequency: domain.FrequencyCustom}
	_, err := Sweep(snap, Window{From: at(1, 23, 0), Now: at(2, 0, 1)}, nil)
	assert.Error(t, err)
}

func TestCompleteReopensSharedAllOnlyWhenEveryoneIsDone(t *testing.T) {
	snap := newSnap(domain.ModeSharedAll, domain.OverdueAtDueDate, domain.ResetUponCompletion, "A", "B")
	snap.Put(domain.Record{AssigneeID: "A", Claimed: true, Approved: true, PeriodApprovals: 1})

	res, err := Complete(snap, "A", Window{Now: at(1, 12, 0)})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	snap.Put(domain.Record{AssigneeID: "B", Claimed: true, Approved: true, PeriodApprovals: 1})
	res, err = Complete(snap, "B", Window{Now: at(1, 12, 0)})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []events.Type{events.PeriodReset}, types(res.Events))
	assert.Equal(t, "completion", res.Events[0].Payload["trigger"])
	for _, a := range []string{"A", "B"} {
		rec := res.Snapshot.Record(a)
		assert.False(t, rec.Approved, a)
		assert.False(t, rec.Claimed, a)
		assert.Zero(t, rec.PeriodApprovals, a)
	}
	require.NotNil(t, res.Snapshot.Task.DueDate)
	assert.Equal(t, at(2, 18, 0), *res.Snapshot.Task.DueDate)
}

func TestCompleteIndependentReschedulesOwnSlot(t *testing.T) {
	snap := newSnap(domain.ModeIndependent, domain.OverdueClearImmediateOnLate, domain.ResetAtMidnightOnce, "A", "B")
	snap.Put(domain.Record{AssigneeID: "A", Claimed: true, Approved: true, PeriodApprovals: 1})

	res, err := Complete(snap, "A", Window{Now: at(1, 20, 0)})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "A", res.Events[0].AssigneeID)
	due := res.Snapshot.DueFor("A")
	require.NotNil(t, due)
	assert.Equal(t, at(2, 18, 0), *due)
	assert.Equal(t, at(1, 18, 0), *res.Snapshot.DueFor("B"))
}

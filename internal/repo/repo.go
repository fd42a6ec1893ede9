package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"choreline/internal/domain"
	"choreline/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale reports that another sweep moved the chore's sweep mark first.
	ErrStale = errors.New("task swept concurrently")
)

func New(db *sql.DB, now func() time.Time) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db, Now: now}}
}

// Change is everything one action or sweep writes for a single task.
type Change struct {
	Snapshot domain.Snapshot
	// Removed lists assignees whose records are deleted.
	Removed []string
	History []domain.HistoryEntry
	Events  []events.Event
	// Sweeping guards a scanner write: Save fails with ErrStale unless the
	// stored sweep mark still equals SweptPrev.
	Sweeping  bool
	SweptPrev *time.Time
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id,name,assignees_json,completion_mode,overdue_policy,approval_reset,pending_claims,auto_approve,recurrence_json,due_date,claim_restriction,window_offset_seconds,turn_holder,cycle_override,steal_open,swept_at,created_at,updated_at`

// Save writes c in one transaction. Events exist only if the state they describe committed.
func (r Repo) Save(ctx context.Context, c Change) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if c.Sweeping {
		if err := checkSwept(ctx, tx, c.Snapshot.Task.ID, c.SweptPrev); err != nil {
			return err
		}
	}
	if err := r.upsertTask(ctx, tx, c.Snapshot.Task); err != nil {
		return fmt.Errorf("save task %s: %w", c.Snapshot.Task.ID, err)
	}
	for _, id := range c.Removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_records WHERE task_id=? AND assignee_id=?`, c.Snapshot.Task.ID, id); err != nil {
			return fmt.Errorf("remove record %s: %w", id, err)
		}
	}
	for _, rec := range c.Snapshot.Records {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return fmt.Errorf("save record %s/%s: %w", rec.TaskID, rec.AssigneeID, err)
		}
	}
	for _, h := range c.History {
		if _, err := tx.ExecContext(ctx, `INSERT INTO history(task_id,assignee_id,kind,at) VALUES (?,?,?,?)`,
			h.TaskID, h.AssigneeID, string(h.Kind), fmtTime(h.At)); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	for _, evt := range c.Events {
		if err := r.Events.Append(ctx, tx, evt); err != nil {
			return fmt.Errorf("append event %s: %w", evt.Type, err)
		}
	}
	return tx.Commit()
}

// Delete removes a task with its records and history and records evt.
func (r Repo) Delete(ctx context.Context, id string, evt events.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) upsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	assignees, err := json.Marshal(t.Assignees)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(t.Recurrence)
	if err != nil {
		return err
	}
	pending := t.PendingClaims
	if pending == "" {
		pending = domain.PendingHold
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, assignees_json=excluded.assignees_json, completion_mode=excluded.completion_mode,
 overdue_policy=excluded.overdue_policy, approval_reset=excluded.approval_reset, pending_claims=excluded.pending_claims,
 auto_approve=excluded.auto_approve, recurrence_json=excluded.recurrence_json, due_date=excluded.due_date,
 claim_restriction=excluded.claim_restriction, window_offset_seconds=excluded.window_offset_seconds,
 turn_holder=excluded.turn_holder, cycle_override=excluded.cycle_override, steal_open=excluded.steal_open,
 swept_at=CASE WHEN excluded.swept_at IS NULL THEN tasks.swept_at
  WHEN tasks.swept_at IS NULL OR excluded.swept_at > tasks.swept_at THEN excluded.swept_at
  ELSE tasks.swept_at END,
 updated_at=excluded.updated_at`,
		t.ID, t.Name, string(assignees), string(t.CompletionMode), string(t.OverduePolicy), string(t.ApprovalReset), string(pending),
		t.AutoApprove, string(rec), nullableTime(t.DueDate), t.ClaimRestriction, int64(t.WindowOffset/time.Second),
		nullableStringPtr(t.TurnHolder), t.CycleOverride, t.StealOpen, nullableTime(t.SweptAt), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	return err
}

func upsertRecord(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_records(task_id,assignee_id,claimed,claimed_at,approved,approved_at,period_approvals,overdue,missed,due_date)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id,assignee_id) DO UPDATE SET claimed=excluded.claimed, claimed_at=excluded.claimed_at, approved=excluded.approved,
 approved_at=excluded.approved_at, period_approvals=excluded.period_approvals, overdue=excluded.overdue, missed=excluded.missed,
 due_date=excluded.due_date`,
		rec.TaskID, rec.AssigneeID, rec.Claimed, nullableTime(rec.ClaimedAt), rec.Approved, nullableTime(rec.ApprovedAt),
		rec.PeriodApprovals, rec.Overdue, rec.Missed, nullableTime(rec.DueDate))
	return err
}

// checkSwept fails with ErrStale when the stored sweep mark of id differs from prev.
func checkSwept(ctx context.Context, tx *sql.Tx, id string, prev *time.Time) error {
	var cur sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT swept_at FROM tasks WHERE id=?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	want := ""
	if prev != nil {
		want = fmtTime(*prev)
	}
	if cur.String != want {
		return ErrStale
	}
	return nil
}

// MarkSwept moves the sweep mark of id from prev to at without touching the
// rest of the chore. It fails with ErrStale when another sweep moved it first.
func (r Repo) MarkSwept(ctx context.Context, id string, prev *time.Time, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET swept_at=? WHERE id=? AND swept_at IS ?`, fmtTime(at), id, nullableTime(prev))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// Load reads a task and all of its records.
func (r Repo) Load(ctx context.Context, id string) (domain.Snapshot, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return domain.Snapshot{}, err
	}
	recs, err := listRecords(ctx, r.DB, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := domain.Snapshot{Task: t, Records: make(map[string]domain.Record, len(recs))}
	for _, rec := range recs {
		snap.Records[rec.AssigneeID] = rec
	}
	return snap, nil
}

type TaskFilters struct {
	AssigneeID string
	Mode       string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Mode != "" {
		clauses = append(clauses, "completion_mode=?")
		args = append(args, f.Mode)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.assignees_json) WHERE json_each.value=?)")
		args = append(args, f.AssigneeID)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at, id`, taskColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                  domain.Task
		assignees, rec, mode, policy       string
		reset, pending, createdAt, updated string
		due, holder, swept                 sql.NullString
		offset                             int64
	)
	err := row.Scan(&t.ID, &t.Name, &assignees, &mode, &policy, &reset, &pending, &t.AutoApprove, &rec, &due,
		&t.ClaimRestriction, &offset, &holder, &t.CycleOverride, &t.StealOpen, &swept, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(assignees), &t.Assignees); err != nil {
		return t, fmt.Errorf("task %s assignees: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(rec), &t.Recurrence); err != nil {
		return t, fmt.Errorf("task %s recurrence: %w", t.ID, err)
	}
	t.CompletionMode = domain.CompletionMode(mode)
	t.OverduePolicy = domain.OverduePolicy(policy)
	t.ApprovalReset = domain.ApprovalReset(reset)
	t.PendingClaims = domain.PendingClaimAction(pending)
	t.WindowOffset = time.Duration(offset) * time.Second
	if t.DueDate, err = parseNullTime(due); err != nil {
		return t, err
	}
	if t.SweptAt, err = parseNullTime(swept); err != nil {
		return t, err
	}
	if holder.Valid {
		h := holder.String
		t.TurnHolder = &h
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	return t, nil
}

func listRecords(ctx context.Context, q querier, taskID string) ([]domain.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id,assignee_id,claimed,claimed_at,approved,approved_at,period_approvals,overdue,missed,due_date
FROM task_records WHERE task_id=? ORDER BY assignee_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		var (
			rec                          domain.Record
			claimedAt, approvedAt, dueAt sql.NullString
		)
		if err := rows.Scan(&rec.TaskID, &rec.AssigneeID, &rec.Claimed, &claimedAt, &rec.Approved, &approvedAt,
			&rec.PeriodApprovals, &rec.Overdue, &rec.Missed, &dueAt); err != nil {
			return nil, err
		}
		if rec.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
			return nil, err
		}
		if rec.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
			return nil, err
		}
		if rec.DueDate, err = parseNullTime(dueAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CompletionCounts returns approved completions per assignee of a task.
func (r Repo) CompletionCounts(ctx context.Context, taskID string, assignees []string) (map[string]int, error) {
	res := make(map[string]int, len(assignees))
	for _, a := range assignees {
		res[a] = 0
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT assignee_id, COUNT(*) FROM history WHERE task_id=? AND kind=? GROUP BY assignee_id`,
		taskID, string(domain.HistoryApproved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		if _, ok := res[id]; ok {
			res[id] = n
		}
	}
	return res, rows.Err()
}

// LastApproved returns the most recent approval per assignee; assignees never approved are absent.
func (r Repo) LastApproved(ctx context.Context, taskID string, assignees []string) (map[string]time.Time, error) {
	want := make(map[string]bool, len(assignees))
	for _, a := range assignees {
		want[a] = true
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT assignee_id, MAX(at) FROM history WHERE task_id=? AND kind=? GROUP BY assignee_id`,
		taskID, string(domain.HistoryApproved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]time.Time{}
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		if !want[id] {
			continue
		}
		ts, err := parseTime(at)
		if err != nil {
			return nil, err
		}
		res[id] = ts
	}
	return res, rows.Err()
}

// ListHistory returns the completion and miss history of a task, newest first.
func (r Repo) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,assignee_id,kind,at FROM history WHERE task_id=? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			h        domain.HistoryEntry
			kind, at string
		)
		if err := rows.Scan(&h.TaskID, &h.AssigneeID, &kind, &at); err != nil {
			return nil, err
		}
		h.Kind = domain.HistoryKind(kind)
		if h.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LastSweep returns the instant of the last completed scanner pass, or the zero time.
func (r Repo) LastSweep(ctx context.Context) (time.Time, error) {
	var at string
	err := r.DB.QueryRowContext(ctx, `SELECT last_sweep FROM scanner_state WHERE id=1`).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(at)
}

func (r Repo) SetLastSweep(ctx context.Context, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scanner_state(id,last_sweep) VALUES (1,?) ON CONFLICT(id) DO UPDATE SET last_sweep=excluded.last_sweep`, fmtTime(at))
	return err
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Package tasks is the ledger of collection runs. It lives in the
// catalog database (not in project shards) so operators can list runs
// across projects.
//
// Status lifecycle: queued → running → succeeded | failed | cancelled.
// Terminal states never change again. Log entries are ordered by an
// AUTOINCREMENT sequence, so the per-task log is monotonic even when
// several goroutines append.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

var (
	ErrTaskNotFound  = errors.New("tasks: task not found")
	ErrBadTransition = errors.New("tasks: illegal status transition")
)

// Status of a collection task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Task is one collection run. RequestedProject and ProjectFallback
// record how the project key was resolved: when the warn policy
// substituted the default project, ProjectFallback is true and
// RequestedProject holds what the caller actually sent.
type Task struct {
	TaskID           string `json:"task_id"`
	ProjectKey       string `json:"project_key"`
	RequestedProject string `json:"requested_project,omitempty"`
	ProjectFallback  bool   `json:"project_fallback,omitempty"`

	Domain          string `json:"domain"`
	Status          Status `json:"status"`
	FailFast        bool   `json:"fail_fast"`
	CancelRequested bool   `json:"cancel_requested"`
	Inserted        int64  `json:"inserted"`
	Updated         int64  `json:"updated"`
	Dropped         int64  `json:"dropped"`
	FailedItems     int64  `json:"failed_items"`
	Error           string `json:"error,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	StartedAt       int64  `json:"started_at,omitempty"`
	FinishedAt      int64  `json:"finished_at,omitempty"`
}

// LogEntry is one line of a task's log.
type LogEntry struct {
	Seq     int64  `json:"seq"`
	TaskID  string `json:"task_id"`
	At      int64  `json:"at"`
	Level   string `json:"level"`
	ItemKey string `json:"item_key,omitempty"`
	Message string `json:"message"`
}

// Filter narrows List.
type Filter struct {
	Project string
	Domain  string
	Status  Status
	Since   int64
	Until   int64
	Limit   int
}

// Schema holds the catalog tables for the ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS collect_tasks (
    task_id           TEXT PRIMARY KEY,
    project_key       TEXT NOT NULL,
    requested_project TEXT NOT NULL DEFAULT '',
    project_fallback  INTEGER NOT NULL DEFAULT 0,
    domain            TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'queued',
    fail_fast         INTEGER NOT NULL DEFAULT 0,
    cancel_requested  INTEGER NOT NULL DEFAULT 0,
    inserted          INTEGER NOT NULL DEFAULT 0,
    updated           INTEGER NOT NULL DEFAULT 0,
    dropped           INTEGER NOT NULL DEFAULT 0,
    failed_items      INTEGER NOT NULL DEFAULT 0,
    error             TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    started_at        INTEGER,
    finished_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_collect_tasks_project ON collect_tasks(project_key, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_collect_tasks_status ON collect_tasks(status, created_at DESC);

CREATE TABLE IF NOT EXISTS collect_task_log (
    seq      INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id  TEXT NOT NULL REFERENCES collect_tasks(task_id) ON DELETE CASCADE,
    at       INTEGER NOT NULL,
    level    TEXT NOT NULL DEFAULT 'info',
    item_key TEXT NOT NULL DEFAULT '',
    message  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collect_task_log_task ON collect_task_log(task_id, seq);
`

// lockStripes bounds the mutation locks: tasks hash onto a fixed set of
// mutexes instead of growing a per-task map for the process lifetime.
const lockStripes = 64

// Ledger records and queries collection tasks.
type Ledger struct {
	DB *sql.DB

	locks [lockStripes]sync.Mutex
}

// New creates a Ledger and applies its schema.
func New(db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("tasks: apply schema: %w", err)
	}
	return &Ledger{DB: db}, nil
}

// lock serializes mutations of one task. Distinct tasks may share a
// stripe; that only costs contention, never correctness.
func (l *Ledger) lock(taskID string) func() {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	m := &l.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Create records a new task in the queued state.
func (l *Ledger) Create(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO collect_tasks (task_id, project_key, requested_project, project_fallback,
			domain, status, fail_fast, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.ProjectKey, t.RequestedProject, boolInt(t.ProjectFallback),
		t.Domain, t.Status, boolInt(t.FailFast), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// AppendLog adds one entry to a task's log. Ordering comes from the
// AUTOINCREMENT sequence, not from the caller's clock.
func (l *Ledger) AppendLog(ctx context.Context, taskID, level, itemKey, message string) error {
	if level == "" {
		level = "info"
	}
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO collect_task_log (task_id, at, level, item_key, message)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, time.Now().UnixMilli(), level, itemKey, message)
	if err != nil {
		return fmt.Errorf("tasks: append log: %w", err)
	}
	return nil
}

// SetStatus moves a task to a new status, enforcing the lifecycle.
// Moving to running stamps started_at; terminal states stamp
// finished_at. errMsg is recorded only for terminal states.
func (l *Ledger) SetStatus(ctx context.Context, taskID string, to Status, errMsg string) error {
	defer l.lock(taskID)()

	current, err := l.status(ctx, taskID)
	if err != nil {
		return err
	}
	if !validTransition(current, to) {
		return fmt.Errorf("%w: %s → %s", ErrBadTransition, current, to)
	}

	now := time.Now().UnixMilli()
	switch {
	case to == StatusRunning:
		_, err = l.DB.ExecContext(ctx,
			`UPDATE collect_tasks SET status = ?, started_at = ? WHERE task_id = ?`,
			to, now, taskID)
	case to.Terminal():
		_, err = l.DB.ExecContext(ctx,
			`UPDATE collect_tasks SET status = ?, error = ?, finished_at = ? WHERE task_id = ?`,
			to, errMsg, now, taskID)
	default:
		_, err = l.DB.ExecContext(ctx,
			`UPDATE collect_tasks SET status = ? WHERE task_id = ?`, to, taskID)
	}
	if err != nil {
		return fmt.Errorf("tasks: set status: %w", err)
	}
	return nil
}

// AddCounts accumulates outcome counters on a task.
func (l *Ledger) AddCounts(ctx context.Context, taskID string, inserted, updated, dropped, failedItems int64) error {
	defer l.lock(taskID)()
	res, err := l.DB.ExecContext(ctx,
		`UPDATE collect_tasks SET
			inserted     = inserted + ?,
			updated      = updated + ?,
			dropped      = dropped + ?,
			failed_items = failed_items + ?
		WHERE task_id = ?`,
		inserted, updated, dropped, failedItems, taskID)
	if err != nil {
		return fmt.Errorf("tasks: add counts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RequestCancel flags a task for cooperative cancellation. Returns true
// when the flag was accepted (task not yet terminal); repeated requests
// on a non-terminal task also return true. A terminal task returns
// false with no error.
func (l *Ledger) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	defer l.lock(taskID)()

	current, err := l.status(ctx, taskID)
	if err != nil {
		return false, err
	}
	if current.Terminal() {
		return false, nil
	}
	if _, err := l.DB.ExecContext(ctx,
		`UPDATE collect_tasks SET cancel_requested = 1 WHERE task_id = ?`, taskID); err != nil {
		return false, fmt.Errorf("tasks: request cancel: %w", err)
	}
	return true, nil
}

// CancelRequested reports whether cancellation was requested.
func (l *Ledger) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := l.DB.QueryRowContext(ctx,
		`SELECT cancel_requested FROM collect_tasks WHERE task_id = ?`, taskID).Scan(&flag)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, ErrTaskNotFound
		}
		return false, fmt.Errorf("tasks: cancel requested: %w", err)
	}
	return flag != 0, nil
}

// Get returns a task by ID.
func (l *Ledger) Get(ctx context.Context, taskID string) (*Task, error) {
	row := l.DB.QueryRowContext(ctx,
		`SELECT task_id, project_key, requested_project, project_fallback,
		domain, status, fail_fast, cancel_requested,
		inserted, updated, dropped, failed_items, error, created_at, started_at, finished_at
		FROM collect_tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	return t, nil
}

// List returns tasks matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Task, error) {
	var where []string
	var args []any
	if f.Project != "" {
		where = append(where, "project_key = ?")
		args = append(args, f.Project)
	}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT task_id, project_key, requested_project, project_fallback,
		domain, status, fail_fast, cancel_requested,
		inserted, updated, dropped, failed_items, error, created_at, started_at, finished_at
		FROM collect_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	defer rows.Close()

	var result []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("tasks: scan: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Excerpt returns the last n log entries of a task in sequence order.
func (l *Ledger) Excerpt(ctx context.Context, taskID string, n int) ([]LogEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT seq, task_id, at, level, item_key, message FROM (
			SELECT seq, task_id, at, level, item_key, message
			FROM collect_task_log WHERE task_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("tasks: excerpt: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.At, &e.Level, &e.ItemKey, &e.Message); err != nil {
			return nil, fmt.Errorf("tasks: scan log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Ledger) status(ctx context.Context, taskID string) (Status, error) {
	var s Status
	err := l.DB.QueryRowContext(ctx,
		`SELECT status FROM collect_tasks WHERE task_id = ?`, taskID).Scan(&s)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("tasks: read status: %w", err)
	}
	return s, nil
}

func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var fallback, failFast, cancelReq int
	var started, finished sql.NullInt64
	err := scan(&t.TaskID, &t.ProjectKey, &t.RequestedProject, &fallback,
		&t.Domain, &t.Status, &failFast, &cancelReq,
		&t.Inserted, &t.Updated, &t.Dropped, &t.FailedItems, &t.Error,
		&t.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	t.ProjectFallback = fallback != 0
	t.FailFast = failFast != 0
	t.CancelRequested = cancelReq != 0
	t.StartedAt = started.Int64
	t.FinishedAt = finished.Int64
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

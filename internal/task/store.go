package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists task records and queue locks in one SQLite database.
// WAL mode lets the API read task status while workers write.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the task database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tasks.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating task schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		params TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		phase TEXT NOT NULL DEFAULT '',
		rows_done INTEGER NOT NULL DEFAULT 0,
		bytes_done INTEGER NOT NULL DEFAULT 0,
		failed_offset INTEGER NOT NULL DEFAULT -1,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_of TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		not_before TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		task_id TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state_created ON tasks(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_locks_profile ON locks(profile_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Fixed-width fraction keeps lexical order equal to time order for
// the string comparisons in ORDER BY and not_before.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeFormat, v)
	return t
}

// Enqueue persists a new queued task and returns it with its assigned
// id.
func (s *Store) Enqueue(ctx context.Context, kind Kind, profileID string, params Params) (*Task, error) {
	t := &Task{
		ID:           uuid.NewString(),
		Kind:         kind,
		ProfileID:    profileID,
		Params:       params,
		State:        StateQueued,
		FailedOffset: -1,
		CreatedAt:    time.Now().UTC(),
	}
	paramsJSON, err := t.paramsJSON()
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, profile_id, params, state, created_at)
		VALUES (?, ?, ?, ?, 'queued', ?)
	`, t.ID, string(t.Kind), t.ProfileID, paramsJSON, formatTime(t.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("enqueueing task: %w", err)
	}
	return t, nil
}

// ErrNotFound is returned for an unknown task id.
var ErrNotFound = errors.New("task not found")

const taskColumns = `id, kind, profile_id, params, state, phase, rows_done, bytes_done,
	failed_offset, retry_count, retry_of, cancel_requested, error,
	not_before, created_at, started_at, finished_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var params, createdAt string
	var cancelRequested int
	var notBefore, startedAt, finishedAt sql.NullString
	err := row.Scan(&t.ID, &t.Kind, &t.ProfileID, &params, &t.State, &t.Phase,
		&t.Rows, &t.Bytes, &t.FailedOffset, &t.RetryCount, &t.RetryOf,
		&cancelRequested, &t.Error, &notBefore, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("task %s has malformed params: %w", t.ID, err)
	}
	t.CancelRequested = cancelRequested != 0
	t.CreatedAt = parseTime(createdAt)
	if notBefore.Valid {
		ts := parseTime(notBefore.String)
		t.NotBefore = &ts
	}
	if startedAt.Valid {
		ts := parseTime(startedAt.String)
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := parseTime(finishedAt.String)
		t.FinishedAt = &ts
	}
	return &t, nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// List returns tasks newest first, optionally filtered by state.
func (s *Store) List(ctx context.Context, state State, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + taskColumns + " FROM tasks"
	args := []any{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RequestCancel flips the cancel flag. A still-queued task is
// cancelled outright; a running task keeps going until its worker
// observes the flag at the next batch boundary. Terminal tasks are
// left alone and reported as not cancellable.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'cancelled', cancel_requested = 1, finished_at = ?
		WHERE id = ? AND state = 'queued'
	`, now, id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1
		WHERE id = ? AND state = 'running'
	`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelRequested is polled by the executing worker at batch
// boundaries.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		"SELECT cancel_requested FROM tasks WHERE id = ?", id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag != 0, err
}

// UpdateProgress records the executing worker's phase and counters.
func (s *Store) UpdateProgress(ctx context.Context, id, phase string, rows, bytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET phase = ?, rows_done = ?, bytes_done = ?
		WHERE id = ? AND state = 'running'
	`, phase, rows, bytes, id)
	return err
}

// Finish moves a running task to a terminal state and releases its
// lock.
func (s *Store) Finish(ctx context.Context, id string, state State, errMsg string, failedOffset int64) error {
	if !state.Terminal() {
		return fmt.Errorf("finish with non-terminal state %s", state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, error = ?, failed_offset = ?, finished_at = ?
		WHERE id = ? AND state = 'running'
	`, string(state), errMsg, failedOffset, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM locks WHERE task_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Requeue schedules an automatic retry of a running task after a
// transient failure: back to queued, delayed until notBefore, lock
// released, attempt counted.
func (s *Store) Requeue(ctx context.Context, id string, errMsg string, notBefore time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET state = 'queued', error = ?, retry_count = retry_count + 1,
			not_before = ?, started_at = NULL, phase = ''
		WHERE id = ? AND state = 'running'
	`, errMsg, formatTime(notBefore), id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM locks WHERE task_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ReturnToQueue hands a running task back to the queue untouched, used
// when a shutdown interrupts it through no fault of its own.
func (s *Store) ReturnToQueue(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET state = 'queued', phase = '', started_at = NULL
		WHERE id = ? AND state = 'running'
	`, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM locks WHERE task_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Retry clones a failed or cancelled task as a fresh queued task
// linked to the original. Imports resume from the recorded offset.
func (s *Store) Retry(ctx context.Context, id string) (*Task, error) {
	orig, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.State != StateFailed && orig.State != StateCancelled {
		return nil, fmt.Errorf("task %s is %s, only failed or cancelled tasks can be retried", id, orig.State)
	}

	params := orig.Params
	if orig.Kind == KindImport && orig.FailedOffset > 0 {
		params.StartOffset = orig.FailedOffset
	}
	t, err := s.Enqueue(ctx, orig.Kind, orig.ProfileID, params)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE tasks SET retry_of = ? WHERE id = ?", orig.ID, t.ID)
	if err != nil {
		return nil, err
	}
	t.RetryOf = orig.ID
	return t, nil
}

// PruneBefore deletes terminal tasks that finished before cutoff and
// returns how many were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE state IN ('completed', 'failed', 'cancelled') AND finished_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	scopeTable   = "table"
	scopeProfile = "profile"

	// lockBlockedDelay postpones a task whose lock is held so the
	// claim loop does not spin on it.
	lockBlockedDelay = 2 * time.Second

	// claimWindow bounds how many queued candidates one claim pass
	// inspects before giving up.
	claimWindow = 32
)

// Claim atomically picks the oldest runnable queued task, acquires its
// lock and marks it running. Tasks whose lock is held are postponed a
// beat and skipped. Returns nil when nothing is runnable.
func (s *Store) Claim(ctx context.Context) (*Task, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = 'queued' AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at, id
		LIMIT ?
	`, formatTime(now), claimWindow)
	if err != nil {
		return nil, err
	}
	var candidates []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range candidates {
		acquired, err := acquireLock(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		if !acquired {
			// Another task of the same scope is running; try again
			// once it had a chance to finish.
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET not_before = ? WHERE id = ? AND state = 'queued'
			`, formatTime(now.Add(lockBlockedDelay)), t.ID)
			if err != nil {
				return nil, err
			}
			continue
		}

		started := now
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = 'running', started_at = ?, phase = 'starting'
			WHERE id = ? AND state = 'queued'
		`, formatTime(started), t.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("task %s vanished during claim", t.ID)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		t.State = StateRunning
		t.Phase = "starting"
		t.StartedAt = &started
		return t, nil
	}

	return nil, tx.Commit()
}

// acquireLock takes the task's lock inside the claim transaction. A
// profile-scope lock excludes every lock of the profile; a table-scope
// lock is excluded by the profile lock and by its own name.
func acquireLock(ctx context.Context, tx *sql.Tx, t *Task) (bool, error) {
	name, scope := t.lockScope()

	var blockers int
	var err error
	if scope == scopeProfile {
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM locks WHERE profile_id = ?", t.ProfileID).Scan(&blockers)
	} else {
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM locks WHERE profile_id = ? AND scope = ?",
			t.ProfileID, scopeProfile).Scan(&blockers)
	}
	if err != nil {
		return false, err
	}
	if blockers > 0 {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO locks (name, profile_id, scope, task_id, acquired_at)
		VALUES (?, ?, ?, ?, ?)
	`, name, t.ProfileID, scope, t.ID, formatTime(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseStaleLocks drops locks whose owning task is no longer
// running, covering a worker crash between claim and finish.
func (s *Store) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM locks WHERE task_id NOT IN
			(SELECT id FROM tasks WHERE state = 'running')
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecoverOrphans re-queues tasks left in state running by an unclean
// shutdown. Called once at startup before workers begin claiming.
func (s *Store) RecoverOrphans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = 'queued', phase = '', started_at = NULL
		WHERE state = 'running'
	`)
	if err != nil {
		return 0, err
	}
	if _, err := s.ReleaseStaleLocks(ctx); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fibratel/routerpilot/internal/store"
	"github.com/google/uuid"
)

// ErrNoTask means the queue has no due work right now.
var ErrNoTask = errors.New("no task due")

// Task is one unit of async work: execute the automated handling of a
// service request. Tasks survive restarts; the queue is a table, not a
// channel.
type Task struct {
	ID        string
	RequestID string
	Attempts  int
	RunAfter  time.Time
	CreatedAt time.Time
}

// Migrations owns the task queue schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create tasks table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE tasks (
					id         TEXT PRIMARY KEY,
					request_id TEXT NOT NULL,
					attempts   INTEGER NOT NULL DEFAULT 0,
					run_after  DATETIME NOT NULL,
					claimed_at DATETIME,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_tasks_due ON tasks(run_after) WHERE claimed_at IS NULL`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Queue is the durable task queue backed by the shared store.
type Queue struct {
	store *store.SQLiteStore
	now   func() time.Time
}

func NewQueue(s *store.SQLiteStore, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{store: s, now: now}
}

// Push inserts a task due after the given delay.
func (q *Queue) Push(ctx context.Context, requestID string, delay time.Duration) (*Task, error) {
	now := q.now().UTC()
	t := &Task{
		ID:        uuid.New().String(),
		RequestID: requestID,
		RunAfter:  now.Add(delay),
		CreatedAt: now,
	}
	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO tasks (id, request_id, attempts, run_after, created_at)
		VALUES (?, ?, 0, ?, ?)`,
		t.ID, t.RequestID, t.RunAfter, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("push task: %w", err)
	}
	return t, nil
}

// Claim pops the oldest due task and marks it claimed so other workers
// skip it. Returns ErrNoTask when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	now := q.now().UTC()
	var t Task
	err := q.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, request_id, attempts, run_after, created_at
			FROM tasks
			WHERE claimed_at IS NULL AND run_after <= ?
			ORDER BY run_after LIMIT 1`, now)
		if err := row.Scan(&t.ID, &t.RequestID, &t.Attempts, &t.RunAfter, &t.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoTask
			}
			return fmt.Errorf("claim task: %w", err)
		}
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET claimed_at = ? WHERE id = ?`, now, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Requeue releases a claimed task for another attempt after the delay.
func (q *Queue) Requeue(ctx context.Context, t *Task, delay time.Duration) error {
	runAfter := q.now().UTC().Add(delay)
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE tasks SET attempts = attempts + 1, run_after = ?, claimed_at = NULL
		WHERE id = ?`, runAfter, t.ID)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// Release unclaims a task without counting an attempt, for transient
// infrastructure errors where the work never ran.
func (q *Queue) Release(ctx context.Context, t *Task, delay time.Duration) error {
	runAfter := q.now().UTC().Add(delay)
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE tasks SET run_after = ?, claimed_at = NULL WHERE id = ?`, runAfter, t.ID)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}

// Delete removes a finished task.
func (q *Queue) Delete(ctx context.Context, id string) error {
	_, err := q.store.DB().ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ReleaseStale unclaims tasks held longer than maxHold. Recovers work
// orphaned by a crash mid-attempt.
func (q *Queue) ReleaseStale(ctx context.Context, maxHold time.Duration) (int64, error) {
	cutoff := q.now().UTC().Add(-maxHold)
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE tasks SET claimed_at = NULL WHERE claimed_at IS NOT NULL AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// Depth counts tasks not yet finished.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

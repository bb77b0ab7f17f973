// Copyright 2025 James Ross
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vtag/pipeline/internal/retry"
	"github.com/vtag/pipeline/internal/taskerr"
)

// Store wraps a *sql.DB, retrying every query through retry.Policy with
// retry.TaskStoreClassifier, mirroring the original service's
// @retry_on_db_error decorator on every Task-touching method.
type Store struct {
	db     *sql.DB
	policy retry.Policy
}

func Open(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration, policy retry.Policy) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Store{db: db, policy: policy}, nil
}

// NewWithDB wraps an already-open *sql.DB, used by callers wiring their
// own connection pool (and by tests wiring a sqlmock database).
func NewWithDB(db *sql.DB, policy retry.Policy) *Store {
	return &Store{db: db, policy: policy}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) do(ctx context.Context, op func(context.Context) error) error {
	return s.policy.Do(ctx, retry.TaskStoreClassifier, nil, op)
}

// Migrate applies the tasks table schema. Idempotent: every statement
// uses IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, Schema)
		return err
	})
}

// Insert creates a pending Task row, called from the producer before it
// pipelines the Redis enqueue; a failed enqueue is undone with Delete.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	const query = `
		INSERT INTO tasks (task_id, uid, url, platform, dimensions, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, t.TaskID, t.UID, t.URL, t.Platform, t.Dimensions, StatusPending)
		return err
	})
}

// Delete removes a Task row, used to roll back a dispatch when the
// queue-substrate half of the pipeline fails.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	const query = `DELETE FROM tasks WHERE task_id = $1`
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, taskID)
		return err
	})
}

// GetByTaskID loads a Task row by its public task id.
func (s *Store) GetByTaskID(ctx context.Context, taskID string) (*Task, error) {
	const query = `
		SELECT id, task_id, uid, url, platform, dimensions, status,
		       COALESCE(message #>> '{}', ''), COALESCE(tags::text, ''), created_at, updated_at,
		       processed_start, processed_end
		FROM tasks WHERE task_id = $1
	`
	var t Task
	err := s.do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, query, taskID)
		var processedStart, processedEnd sql.NullTime
		if err := row.Scan(
			&t.ID, &t.TaskID, &t.UID, &t.URL, &t.Platform, &t.Dimensions, &t.Status,
			&t.Message, &t.Tags, &t.CreatedAt, &t.UpdatedAt, &processedStart, &processedEnd,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskerr.ErrNotFound
			}
			return err
		}
		if processedStart.Valid {
			t.ProcessedStart = &processedStart.Time
		}
		if processedEnd.Valid {
			t.ProcessedEnd = &processedEnd.Time
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateStatus transitions a task's status and message. Setting
// processed_start/processed_end mirrors update_task_status's handling
// of the "processing" and "completed"/"failed" transitions. The message
// is stored as a JSON string value in the jsonb message column.
func (s *Store) UpdateStatus(ctx context.Context, taskID, status, message string) error {
	var query string
	switch status {
	case StatusProcessing:
		query = `UPDATE tasks SET status = $1, message = to_jsonb($2::text), updated_at = now(), processed_start = now() WHERE task_id = $3`
	case StatusCompleted, StatusFailed:
		query = `UPDATE tasks SET status = $1, message = to_jsonb($2::text), updated_at = now(), processed_end = now() WHERE task_id = $3`
	default:
		query = `UPDATE tasks SET status = $1, message = to_jsonb($2::text), updated_at = now() WHERE task_id = $3`
	}
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, status, message, taskID)
		return err
	})
}

// UpdateTags persists the merged dimension tags for a task.
func (s *Store) UpdateTags(ctx context.Context, taskID, tagsJSON string) error {
	const query = `UPDATE tasks SET tags = $1, updated_at = now() WHERE task_id = $2`
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, tagsJSON, taskID)
		return err
	})
}

// StuckTask identifies a processing-state task the reaper found whose
// processed_start predates the worker lock timeout.
type StuckTask struct {
	TaskID   string
	Platform string
}

// FindStuckProcessing returns tasks stuck in "processing" longer than
// olderThan, the mechanical realization of §5's crashed-worker recovery:
// the reaper cross-checks each one against the queue substrate's lock
// key before requeuing.
func (s *Store) FindStuckProcessing(ctx context.Context, olderThan time.Duration) ([]StuckTask, error) {
	const query = `
		SELECT task_id, platform FROM tasks
		WHERE status = 'processing' AND processed_start < $1
	`
	var stuck []StuckTask
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t StuckTask
			if err := rows.Scan(&t.TaskID, &t.Platform); err != nil {
				return err
			}
			stuck = append(stuck, t)
		}
		return rows.Err()
	})
	return stuck, err
}

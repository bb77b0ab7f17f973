// Copyright 2025 James Ross

// Package taskstore is the durable record of a task's lifecycle,
// backed by PostgreSQL through database/sql and github.com/lib/pq.
// It is the system of record; the queue substrate's task-info hash is
// a working cache of the same state for the worker's fast path.
package taskstore

import (
	"time"
)

// Task mirrors the original service's SQLAlchemy Task model
// (app/models/task.py): one row per submitted video.
type Task struct {
	ID             int64
	TaskID         string
	UID            string
	URL            string
	Platform       string
	Dimensions     string
	Status         string
	Message        string
	Tags           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProcessedStart *time.Time
	ProcessedEnd   *time.Time
}

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id              BIGSERIAL PRIMARY KEY,
    task_id         TEXT NOT NULL UNIQUE,
    uid             TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL,
    platform        TEXT NOT NULL,
    dimensions      TEXT NOT NULL DEFAULT 'all',
    status          TEXT NOT NULL DEFAULT 'pending',
    message         JSONB,
    tags            JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_start TIMESTAMPTZ,
    processed_end   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_platform_status ON tasks (platform, status);
`

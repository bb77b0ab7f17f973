// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/queue"
	"github.com/vtag/pipeline/internal/retry"
	"github.com/vtag/pipeline/internal/taskstore"
)

func newTestReaper(t *testing.T) (*Reaper, *queue.Client, sqlmock.Sqlmock) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, retry.Policy{MaxAttempts: 1})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := taskstore.NewWithDB(db, retry.Policy{MaxAttempts: 1})

	cfg := &config.Config{
		Worker: config.Worker{
			RoutingTable: map[string]string{"rpa": "rpa"},
			LockTimeout:  5 * time.Minute,
		},
		Reaper: config.Reaper{ScanInterval: 5 * time.Second},
	}
	return New(cfg, q, store, zap.NewNop()), q, mock
}

func TestReaperRequeuesWhenLockAbsent(t *testing.T) {
	rep, q, mock := newTestReaper(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"task_id", "platform"}).AddRow("task-1", "rpa")
	mock.ExpectQuery("SELECT task_id, platform FROM tasks").WillReturnRows(rows)

	rep.scanOnce(ctx)

	n, err := q.Length(ctx, "rpa")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReaperSkipsWhenLockHeld(t *testing.T) {
	rep, q, mock := newTestReaper(t)
	ctx := context.Background()

	_, err := q.AcquireLock(ctx, "rpa", "task-2", time.Minute)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"task_id", "platform"}).AddRow("task-2", "rpa")
	mock.ExpectQuery("SELECT task_id, platform FROM tasks").WillReturnRows(rows)

	rep.scanOnce(ctx)

	n, err := q.Length(ctx, "rpa")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReaperSkipsUnroutablePlatform(t *testing.T) {
	rep, q, mock := newTestReaper(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"task_id", "platform"}).AddRow("task-3", "unknown")
	mock.ExpectQuery("SELECT task_id, platform FROM tasks").WillReturnRows(rows)

	rep.scanOnce(ctx)

	n, err := q.Length(ctx, "rpa")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Copyright 2025 James Ross

// Package reaper recovers tasks orphaned by a crashed worker: the
// worker's lock key expires on its own TTL, but the task row is left
// sitting in "processing" with nothing left on the queue to pick it up
// again. Adapted from internal/reaper/reaper.go's ticker-driven scan
// loop, but the scan target is the task store (a crashed processing
// list has no durable equivalent in this design) cross-checked against
// the queue substrate's lock key, matching §5's "a crashed worker loses
// the lock on TTL expiry; a second worker will re-process the task".
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/obs"
	"github.com/vtag/pipeline/internal/queue"
	"github.com/vtag/pipeline/internal/taskstore"
)

type Reaper struct {
	cfg   *config.Config
	queue *queue.Client
	store *taskstore.Store
	log   *zap.Logger
}

func New(cfg *config.Config, q *queue.Client, store *taskstore.Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, queue: q, store: store, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Reaper.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	stuck, err := r.store.FindStuckProcessing(ctx, r.cfg.Worker.LockTimeout)
	if err != nil {
		r.log.Warn("reaper scan error", obs.Err(err))
		return
	}

	for _, task := range stuck {
		dest, ok := r.cfg.RoutePlatform(task.Platform)
		if !ok {
			r.log.Warn("stuck task has unroutable platform, skipping",
				obs.String("task_id", task.TaskID), obs.String("platform", task.Platform))
			continue
		}

		held, err := r.queue.LockExists(ctx, dest, task.TaskID)
		if err != nil {
			r.log.Warn("reaper lock check error", obs.String("task_id", task.TaskID), obs.Err(err))
			continue
		}
		if held {
			// A slow-but-alive worker still owns this lock.
			continue
		}

		if err := r.queue.Enqueue(ctx, dest, task.TaskID); err != nil {
			r.log.Error("reaper requeue failed", obs.String("task_id", task.TaskID), obs.Err(err))
			continue
		}
		obs.ReaperRecovered.WithLabelValues(dest).Inc()
		r.log.Warn("requeued abandoned task", obs.String("task_id", task.TaskID), obs.String("dest", dest))
	}
}

// Copyright 2025 James Ross

// Package producer implements the ingress-facing half of the pipeline:
// it validates a submission, writes the durable Task row, and
// publishes the task onto the routed platform's queue, rolling the row
// back if the queue-substrate half of the handshake fails. Grounded on
// original_source/app/services/Producer.py::dispatch's
// transaction-then-pipeline-then-rollback-on-failure shape.
package producer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/obs"
	"github.com/vtag/pipeline/internal/queue"
	"github.com/vtag/pipeline/internal/taskerr"
	"github.com/vtag/pipeline/internal/taskstore"
)

// Submission is the caller-supplied request to tag a video.
type Submission struct {
	URL        string
	Platform   string
	Dimensions string
	UID        string
}

type Producer struct {
	router *Router
	store  *taskstore.Store
	queue  *queue.Client
	log    *zap.Logger
}

func New(router *Router, store *taskstore.Store, q *queue.Client, log *zap.Logger) *Producer {
	return &Producer{router: router, store: store, queue: q, log: log}
}

// Dispatch inserts a pending Task row, then publishes the task id and
// its detail hash onto the routed platform's queue in one pipelined
// submission. On a queue-side failure both the Task row and any
// partially-written detail hash are rolled back, matching the
// original's db.rollback() in the pipeline's except branch: neither
// the durable row nor a queue/detail entry is left behind.
func (p *Producer) Dispatch(ctx context.Context, taskID string, sub Submission) (bool, error) {
	dest, err := p.router.Resolve(sub.Platform)
	if err != nil {
		return false, err
	}
	if sub.URL == "" {
		return false, fmt.Errorf("%w: url is required", taskerr.ErrInvalidInput)
	}
	dimensions := sub.Dimensions
	if dimensions == "" {
		dimensions = "all"
	}

	start := time.Now()
	task := &taskstore.Task{
		TaskID:     taskID,
		UID:        sub.UID,
		URL:        sub.URL,
		Platform:   sub.Platform,
		Dimensions: dimensions,
	}
	if err := p.store.Insert(ctx, task); err != nil {
		p.log.Error("task store insert failed", obs.String("task_id", taskID), obs.Err(err))
		return false, err
	}

	if err := p.publish(ctx, dest, taskID, sub, dimensions); err != nil {
		if delErr := p.store.Delete(ctx, taskID); delErr != nil {
			p.log.Error("rollback delete failed", obs.String("task_id", taskID), obs.Err(delErr))
		}
		if delErr := p.queue.DeleteDetail(ctx, dest, taskID); delErr != nil {
			p.log.Error("rollback detail delete failed", obs.String("task_id", taskID), obs.Err(delErr))
		}
		p.log.Error("queue dispatch failed, rolled back task row", obs.String("task_id", taskID), obs.Err(err))
		return false, err
	}

	obs.TasksDispatched.WithLabelValues(dest).Inc()
	p.log.Info("task dispatched", obs.String("task_id", taskID), obs.String("platform", sub.Platform),
		obs.String("dest", dest), obs.Int("elapsed_ms", int(time.Since(start).Milliseconds())))
	return true, nil
}

// publish writes the detail hash and enqueues the task id as a single
// atomic pipelined submission (queue.Client.SubmitTask), rather than N
// separate HSet round trips followed by a separate LPush: a reader can
// never observe a detail hash with no enqueued id, or vice versa.
func (p *Producer) publish(ctx context.Context, dest, taskID string, sub Submission, dimensions string) error {
	fields := map[string]string{
		"url":         sub.URL,
		"uid":         sub.UID,
		"platform":    sub.Platform,
		"dimensions":  dimensions,
		"status":      taskstore.StatusPending,
		"retry_count": "0",
		"created_at":  fmt.Sprintf("%d", time.Now().Unix()),
	}
	return p.queue.SubmitTask(ctx, dest, taskID, fields)
}

// Copyright 2025 James Ross

// Package queue wraps the Redis keyspace a platform worker cohort
// dequeues from: a task-id list, a per-task detail hash, a per-task
// lock key, and a failed-job list. Every call that talks to Redis is
// wrapped in a retry.Policy using retry.QueueClassifier, replacing the
// original service's @retry_on_redis_error decorator.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vtag/pipeline/internal/retry"
)

// Client is a thin, retrying wrapper over the queue substrate for one
// Redis connection shared across every routing destination.
type Client struct {
	rdb    *redis.Client
	policy retry.Policy
}

func New(rdb *redis.Client, policy retry.Policy) *Client {
	return &Client{rdb: rdb, policy: policy}
}

func (c *Client) do(ctx context.Context, op func(context.Context) error) error {
	return c.policy.Do(ctx, retry.QueueClassifier, nil, op)
}

// Enqueue publishes a task id onto dest's task queue. Used by the
// reaper and the worker on requeue; the producer dispatches through
// SubmitTask instead.
func (c *Client) Enqueue(ctx context.Context, dest, taskID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.LPush(ctx, taskQueueKey(dest), taskID).Err()
	})
}

// Dequeue pops the next task id off dest's queue, non-blocking. Returns
// ok=false with a nil error when the queue is empty.
func (c *Client) Dequeue(ctx context.Context, dest string) (taskID string, ok bool, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		v, e := c.rdb.RPop(ctx, taskQueueKey(dest)).Result()
		if e == redis.Nil {
			return nil
		}
		if e != nil {
			return e
		}
		taskID = v
		ok = true
		return nil
	})
	return taskID, ok, err
}

// AcquireLock claims dest's per-task lock with the given TTL using
// SET NX, mirroring acquire_lock's redis.set(..., nx=True).
func (c *Client) AcquireLock(ctx context.Context, dest, taskID string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := c.do(ctx, func(ctx context.Context) error {
		ok, e := c.rdb.SetNX(ctx, taskLockKey(dest, taskID), "1", ttl).Result()
		if e != nil {
			return e
		}
		acquired = ok
		return nil
	})
	return acquired, err
}

// ReleaseLock deletes dest's per-task lock key.
func (c *Client) ReleaseLock(ctx context.Context, dest, taskID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, taskLockKey(dest, taskID)).Err()
	})
}

// LockExists reports whether dest's per-task lock is currently held,
// used by the reaper to avoid stealing a slow-but-alive worker's task.
func (c *Client) LockExists(ctx context.Context, dest, taskID string) (bool, error) {
	var exists bool
	err := c.do(ctx, func(ctx context.Context) error {
		n, e := c.rdb.Exists(ctx, taskLockKey(dest, taskID)).Result()
		if e != nil {
			return e
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

// SetDetailField sets one field of dest's per-task detail hash.
func (c *Client) SetDetailField(ctx context.Context, dest, taskID, field, value string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.HSet(ctx, taskInfoKey(dest, taskID), field, value).Err()
	})
}

// SubmitTask writes dest's per-task detail hash and publishes the
// task id onto dest's task queue in one pipelined MULTI/EXEC round
// trip, so a dispatch is never observable half-written (a detail hash
// with nothing enqueued, or an enqueued id with no detail).
func (c *Client) SubmitTask(ctx context.Context, dest, taskID string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return c.do(ctx, func(ctx context.Context) error {
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, taskInfoKey(dest, taskID), values)
		pipe.LPush(ctx, taskQueueKey(dest), taskID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetDetail reads dest's per-task detail hash in full.
func (c *Client) GetDetail(ctx context.Context, dest, taskID string) (map[string]string, error) {
	var detail map[string]string
	err := c.do(ctx, func(ctx context.Context) error {
		m, e := c.rdb.HGetAll(ctx, taskInfoKey(dest, taskID)).Result()
		if e != nil {
			return e
		}
		detail = m
		return nil
	})
	return detail, err
}

// DeleteDetail removes dest's per-task detail hash, run after a task
// reaches a terminal state.
func (c *Client) DeleteDetail(ctx context.Context, dest, taskID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, taskInfoKey(dest, taskID)).Err()
	})
}

// IncrementRetryCount bumps and returns dest's per-task retry counter.
func (c *Client) IncrementRetryCount(ctx context.Context, dest, taskID string) (int, error) {
	var count int64
	err := c.do(ctx, func(ctx context.Context) error {
		n, e := c.rdb.HIncrBy(ctx, taskInfoKey(dest, taskID), "retry_count", 1).Result()
		if e != nil {
			return e
		}
		count = n
		return nil
	})
	return int(count), err
}

// MoveToFailed pushes a task id onto dest's failed-job list, the
// terminal home for a task that exhausted its retry budget.
func (c *Client) MoveToFailed(ctx context.Context, dest, taskID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.LPush(ctx, taskFailedKey(dest), taskID).Err()
	})
}

// Length reports the current size of dest's task queue.
func (c *Client) Length(ctx context.Context, dest string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, e := c.rdb.LLen(ctx, taskQueueKey(dest)).Result()
		if e != nil {
			return e
		}
		n = v
		return nil
	})
	return n, err
}

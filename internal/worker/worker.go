// Copyright 2025 James Ross

// Package worker runs the per-platform dequeue/process loop, grounded
// on internal/worker/worker.go's runOne/processJob structure (breaker
// gated loop, lock-then-process, retry-then-requeue) and directly on
// original_source/app/services/RpaConsumer.py for the exact per-task
// state machine: get task -> acquire lock -> mark processing ->
// download -> fan out across dimensions -> persist tags -> mark
// completed -> delete detail hash, with the video file and the lock
// always released in a deferred cleanup.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/breaker"
	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/downloader"
	"github.com/vtag/pipeline/internal/indexclient"
	"github.com/vtag/pipeline/internal/modelprovider"
	"github.com/vtag/pipeline/internal/obs"
	"github.com/vtag/pipeline/internal/promptstore"
	"github.com/vtag/pipeline/internal/queue"
	"github.com/vtag/pipeline/internal/taskstore"
)

// Worker runs one dequeue loop against a single routing destination
// (e.g. "rpa" or "miaobi"). Scaling beyond one loop per platform is a
// matter of running more worker processes, matching "any number of
// worker processes per platform" rather than an in-process pool.
type Worker struct {
	cfg    *config.Config
	dest   string
	queue  *queue.Client
	store  *taskstore.Store
	dl     *downloader.Downloader
	model  *modelprovider.Client
	prompt *promptstore.Store
	index  *indexclient.Client
	cb     *breaker.CircuitBreaker
	log    *zap.Logger
}

func New(
	cfg *config.Config,
	dest string,
	q *queue.Client,
	store *taskstore.Store,
	dl *downloader.Downloader,
	model *modelprovider.Client,
	prompt *promptstore.Store,
	index *indexclient.Client,
	log *zap.Logger,
) *Worker {
	cb := breaker.New(
		cfg.CircuitBreaker.Window,
		cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.MinSamples,
	)
	return &Worker{
		cfg:    cfg,
		dest:   dest,
		queue:  q,
		store:  store,
		dl:     dl,
		model:  model,
		prompt: prompt,
		index:  index,
		cb:     cb,
		log:    log,
	}
}

// Run loops until ctx is cancelled, dequeuing and processing one task
// at a time, mirroring RpaConsumer.run's while-true with a short sleep
// on an empty queue.
func (w *Worker) Run(ctx context.Context) error {
	obs.WorkerActive.WithLabelValues(w.dest).Inc()
	defer obs.WorkerActive.WithLabelValues(w.dest).Dec()

	for ctx.Err() == nil {
		taskID, ok, err := w.queue.Dequeue(ctx, w.dest)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("dequeue error", obs.String("dest", w.dest), obs.Err(err))
			time.Sleep(w.cfg.Worker.DequeuePollInterval)
			continue
		}
		if !ok {
			time.Sleep(w.cfg.Worker.DequeuePollInterval)
			continue
		}
		obs.TasksDequeued.WithLabelValues(w.dest).Inc()

		locked, err := w.queue.AcquireLock(ctx, w.dest, taskID, w.cfg.Worker.LockTimeout)
		if err != nil {
			w.log.Warn("lock acquire error", obs.String("task_id", taskID), obs.Err(err))
			continue
		}
		if !locked {
			w.log.Warn("task already locked by another worker", obs.String("task_id", taskID))
			continue
		}

		w.ProcessTask(ctx, taskID)
	}
	return nil
}

func (w *Worker) ProcessTask(ctx context.Context, taskID string) {
	start := time.Now()
	var videoPath string
	defer func() {
		if videoPath != "" {
			if err := os.Remove(videoPath); err != nil && !os.IsNotExist(err) {
				w.log.Warn("failed to remove temp video file", obs.String("path", videoPath), obs.Err(err))
			}
		}
		if err := w.queue.ReleaseLock(ctx, w.dest, taskID); err != nil {
			w.log.Warn("failed to release task lock", obs.String("task_id", taskID), obs.Err(err))
		}
	}()

	detail, err := w.queue.GetDetail(ctx, w.dest, taskID)
	if err != nil {
		w.log.Error("failed to fetch task detail", obs.String("task_id", taskID), obs.Err(err))
		return
	}
	if len(detail) == 0 {
		w.log.Error("task detail missing, dropping", obs.String("task_id", taskID))
		return
	}
	url := detail["url"]
	dims := w.cfg.DimensionSet(detail["dimensions"])

	if err := w.store.UpdateStatus(ctx, taskID, taskstore.StatusProcessing, ""); err != nil {
		w.log.Warn("failed to mark task processing", obs.String("task_id", taskID), obs.Err(err))
	}

	if err := w.dl.Validate(ctx, url); err != nil {
		w.failTask(ctx, taskID, fmt.Errorf("validate video: %w", err))
		return
	}
	videoPath, err = w.dl.Download(ctx, taskID, url)
	if err != nil {
		w.failTask(ctx, taskID, fmt.Errorf("download video: %w", err))
		return
	}

	tags, dimErrs, err := w.generateTags(ctx, taskID, videoPath, dims)
	if err != nil {
		w.failTask(ctx, taskID, err)
		return
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		w.failTask(ctx, taskID, fmt.Errorf("marshal tags: %w", err))
		return
	}
	if err := w.store.UpdateTags(ctx, taskID, string(tagsJSON)); err != nil {
		w.failTask(ctx, taskID, fmt.Errorf("persist tags: %w", err))
		return
	}

	// A per-dimension failure never bumps retry_count: the pipeline
	// itself succeeded, so the job terminates on this first pass with
	// a durable status of failed rather than retrying, matching the
	// isolation invariant documented on generateTags.
	status := taskstore.StatusCompleted
	message := "success"
	if len(dimErrs) > 0 {
		status = taskstore.StatusFailed
		message = strings.Join(dimErrs, "; ")
	}
	if err := w.store.UpdateStatus(ctx, taskID, status, message); err != nil {
		w.log.Error("failed to mark task status", obs.String("task_id", taskID), obs.Err(err))
	}

	if w.index.Enabled() && status == taskstore.StatusCompleted {
		materialID := detail["uid"]
		if materialID == "" {
			materialID = taskID
		}
		if err := w.index.Push(ctx, []string{materialID}, tags); err != nil {
			w.log.Warn("failed to push tags to index service", obs.String("task_id", taskID), obs.Err(err))
		}
	}

	if err := w.queue.DeleteDetail(ctx, w.dest, taskID); err != nil {
		w.log.Warn("failed to delete task detail", obs.String("task_id", taskID), obs.Err(err))
	}

	if status == taskstore.StatusFailed {
		obs.TasksFailed.WithLabelValues(w.dest).Inc()
		w.log.Warn("task completed with dimension failures",
			obs.String("task_id", taskID),
			obs.String("dest", w.dest),
			obs.String("message", message),
		)
	} else {
		obs.TasksCompleted.WithLabelValues(w.dest).Inc()
		w.log.Info("task completed",
			obs.String("task_id", taskID),
			obs.String("dest", w.dest),
		)
	}
	obs.TaskProcessingDuration.WithLabelValues(w.dest).Observe(time.Since(start).Seconds())
}

// generateTags uploads the video once and fans out across dims,
// isolating each dimension's failure from the others: a bad prompt, an
// open circuit, a provider error, or malformed JSON stores that
// dimension's entry as an empty object and records the failure in
// dimErrs rather than aborting the fan-out. dimErrs never bumps the
// task-level retry count; only a non-nil error return (the upload
// itself failing) means the pipeline failed and counts against the
// retry budget.
func (w *Worker) generateTags(ctx context.Context, taskID, videoPath string, dims []string) (map[string]any, []string, error) {
	file, err := w.model.Upload(ctx, videoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("upload video: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.model.Delete(cleanupCtx, file); err != nil {
			w.log.Warn("failed to delete uploaded model file", obs.String("task_id", taskID), obs.Err(err))
		}
	}()

	tags := make(map[string]any, len(dims))
	var dimErrs []string

	for _, dim := range dims {
		prompt, err := w.prompt.GetPrompt(dim)
		if err != nil {
			dimErrs = append(dimErrs, fmt.Sprintf("%s: %v", dim, err))
			obs.DimensionFailures.WithLabelValues(w.dest, dim).Inc()
			tags[dim] = map[string]any{}
			continue
		}

		if !w.cb.Allow() {
			dimErrs = append(dimErrs, fmt.Sprintf("%s: circuit breaker open", dim))
			obs.DimensionFailures.WithLabelValues(w.dest, dim).Inc()
			tags[dim] = map[string]any{}
			continue
		}

		text, _, genErr := w.model.Generate(ctx, file, prompt)
		prevState := w.cb.State()
		w.cb.Record(genErr == nil)
		if w.cb.State() != prevState && w.cb.State() == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(w.dest).Inc()
		}
		if genErr != nil {
			dimErrs = append(dimErrs, fmt.Sprintf("%s: %v", dim, genErr))
			obs.DimensionFailures.WithLabelValues(w.dest, dim).Inc()
			tags[dim] = map[string]any{}
			continue
		}

		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
			dimErrs = append(dimErrs, fmt.Sprintf("%s: malformed tag response", dim))
			obs.DimensionFailures.WithLabelValues(w.dest, dim).Inc()
			tags[dim] = map[string]any{}
			continue
		}
		tags[dim] = parsed
	}

	return tags, dimErrs, nil
}

// failTask implements the retry-then-requeue-or-deadletter branch of
// process_task's except block: bump the retry counter, and either push
// the task back onto its own queue or move it to the failed list once
// the platform's max_retries is exhausted.
func (w *Worker) failTask(ctx context.Context, taskID string, cause error) {
	w.log.Error("task processing failed", obs.String("task_id", taskID), obs.Err(cause))

	retryCount, err := w.queue.IncrementRetryCount(ctx, w.dest, taskID)
	if err != nil {
		w.log.Error("failed to increment retry count", obs.String("task_id", taskID), obs.Err(err))
	}

	if retryCount >= w.cfg.Worker.MaxRetries {
		if err := w.queue.MoveToFailed(ctx, w.dest, taskID); err != nil {
			w.log.Error("failed to move task to failed queue", obs.String("task_id", taskID), obs.Err(err))
		}
		obs.TasksFailed.WithLabelValues(w.dest).Inc()
		obs.TasksDeadLettered.WithLabelValues(w.dest).Inc()
		w.log.Error("task exhausted retries, moved to failed queue",
			obs.String("task_id", taskID), obs.Int("retry_count", retryCount))
	} else {
		if err := w.queue.Enqueue(ctx, w.dest, taskID); err != nil {
			w.log.Error("failed to requeue task", obs.String("task_id", taskID), obs.Err(err))
		}
		obs.TasksRetried.WithLabelValues(w.dest).Inc()
		w.log.Warn("task requeued for retry",
			obs.String("task_id", taskID), obs.Int("retry_count", retryCount))
	}

	if err := w.store.UpdateStatus(ctx, taskID, taskstore.StatusFailed, cause.Error()); err != nil {
		w.log.Error("failed to mark task failed", obs.String("task_id", taskID), obs.Err(err))
	}
}

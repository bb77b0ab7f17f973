// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/downloader"
	"github.com/vtag/pipeline/internal/indexclient"
	"github.com/vtag/pipeline/internal/modelprovider"
	"github.com/vtag/pipeline/internal/promptstore"
	"github.com/vtag/pipeline/internal/queue"
	"github.com/vtag/pipeline/internal/retry"
	"github.com/vtag/pipeline/internal/taskstore"
)

func newTestWorker(t *testing.T, modelMux *http.ServeMux) (*Worker, *queue.Client, sqlmock.Sqlmock) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, retry.Policy{MaxAttempts: 1})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := taskstore.NewWithDB(db, retry.Policy{MaxAttempts: 1})

	modelSrv := httptest.NewServer(modelMux)
	t.Cleanup(modelSrv.Close)

	dl := downloader.New(t.TempDir(), 100, []string{"mp4"}, 5*time.Second)
	model := modelprovider.New(modelSrv.URL, "key", 5*time.Second, time.Second, 5*time.Millisecond, retry.Policy{MaxAttempts: 1})
	prompts, err := promptstore.New([]string{"vision", "audio", "content", "business"})
	require.NoError(t, err)
	index := indexclient.New("http://unused", false, time.Second)

	cfg := &config.Config{
		Worker: config.Worker{
			MaxRetries:          30,
			LockTimeout:         5 * time.Second,
			DequeuePollInterval: 10 * time.Millisecond,
			Dimensions:          []string{"vision", "audio", "content", "business"},
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   time.Second,
			MinSamples:       5,
		},
	}

	w := New(cfg, "rpa", q, store, dl, model, prompts, index, zap.NewNop())
	return w, q, mock
}

func okVideoMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "8")
		w.Header().Set("Content-Type", "video/mp4")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("fakevide"))
		}
	})
	return mux
}

func okModelMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelprovider.File{Name: "f1", State: modelprovider.FileStateActive, URI: "uri://f1"})
	})
	mux.HandleFunc("/files/f1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(modelprovider.File{Name: "f1", State: modelprovider.FileStateActive, URI: "uri://f1"})
	})
	mux.HandleFunc("/models:generateContent", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"text": `{"label":"ok"}`})
	})
	return mux
}

func TestProcessTaskSuccessSingleDimension(t *testing.T) {
	w, q, mock := newTestWorker(t, okModelMux(t))
	ctx := context.Background()

	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks SET tags").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	srv := httptest.NewServer(okVideoMux(t))
	defer srv.Close()

	require.NoError(t, q.SetDetailField(ctx, "rpa", "task-1", "url", srv.URL+"/video.mp4"))
	require.NoError(t, q.SetDetailField(ctx, "rpa", "task-1", "dimensions", "vision"))

	w.ProcessTask(ctx, "task-1")

	detail, err := q.GetDetail(ctx, "rpa", "task-1")
	require.NoError(t, err)
	require.Empty(t, detail)

	require.NoError(t, mock.ExpectationsWereMet())
}

func badJSONModelMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelprovider.File{Name: "f1", State: modelprovider.FileStateActive, URI: "uri://f1"})
	})
	mux.HandleFunc("/files/f1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(modelprovider.File{Name: "f1", State: modelprovider.FileStateActive, URI: "uri://f1"})
	})
	mux.HandleFunc("/models:generateContent", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"text": `not json`})
	})
	return mux
}

// TestProcessTaskAllDimensionsFailedStaysFailedNoRetry covers §4.3's
// dimension-isolation invariant: every dimension failing on its first
// pass (malformed JSON) must persist status=failed without bumping
// retry_count or requeuing, not route through failTask.
func TestProcessTaskAllDimensionsFailedStaysFailedNoRetry(t *testing.T) {
	w, q, mock := newTestWorker(t, badJSONModelMux(t))
	ctx := context.Background()

	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks SET tags").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	srv := httptest.NewServer(okVideoMux(t))
	defer srv.Close()

	require.NoError(t, q.SetDetailField(ctx, "rpa", "task-3", "url", srv.URL+"/video.mp4"))
	require.NoError(t, q.SetDetailField(ctx, "rpa", "task-3", "dimensions", "vision"))

	w.ProcessTask(ctx, "task-3")

	retryCount, err := q.IncrementRetryCount(ctx, "rpa", "task-3")
	require.NoError(t, err)
	require.Equal(t, 1, retryCount, "retry count must not have been bumped by the failed pass")

	length, err := q.Length(ctx, "rpa")
	require.NoError(t, err)
	require.Equal(t, int64(0), length, "task must not be requeued on per-dimension failure")

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGenerateTagsStoresEmptyObjectForFailedDimension covers S3: a
// dimension that fails in isolation (here, malformed JSON) must be
// present in the result as an empty object, not simply absent.
func TestGenerateTagsStoresEmptyObjectForFailedDimension(t *testing.T) {
	w, _, _ := newTestWorker(t, badJSONModelMux(t))
	ctx := context.Background()

	tmp := t.TempDir() + "/video.mp4"
	require.NoError(t, os.WriteFile(tmp, []byte("fakevide"), 0o644))

	tags, dimErrs, err := w.generateTags(ctx, "task-4", tmp, []string{"vision"})
	require.NoError(t, err)
	require.Len(t, dimErrs, 1)
	require.Contains(t, tags, "vision")
	require.Equal(t, map[string]any{}, tags["vision"])
}

func TestProcessTaskMissingDetailIsNoop(t *testing.T) {
	w, _, _ := newTestWorker(t, okModelMux(t))
	w.ProcessTask(context.Background(), "ghost-task")
}

func TestFailTaskRequeuesUnderMaxRetries(t *testing.T) {
	w, q, mock := newTestWorker(t, okModelMux(t))
	ctx := context.Background()

	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	w.failTask(ctx, "task-2", errors.New("boom"))

	n, err := q.Length(ctx, "rpa")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

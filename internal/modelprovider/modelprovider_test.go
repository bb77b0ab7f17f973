// Copyright 2025 James Ross
package modelprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vtag/pipeline/internal/retry"
)

func newTestFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video"), 0o644))
	return path
}

func TestUploadWaitsForActive(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(File{Name: "f1", State: FileStateProcessing})
	})
	mux.HandleFunc("/files/f1", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		state := FileStateProcessing
		if n >= 2 {
			state = FileStateActive
		}
		_ = json.NewEncoder(w).Encode(File{Name: "f1", State: state, URI: "uri://f1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, time.Second, 10*time.Millisecond, retry.Policy{MaxAttempts: 1})
	file, err := c.Upload(context.Background(), newTestFile(t))
	require.NoError(t, err)
	require.Equal(t, FileStateActive, file.State)
	require.Equal(t, "uri://f1", file.URI)
}

func TestUploadFailsOnFileFailedState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(File{Name: "f1", State: FileStateProcessing})
	})
	mux.HandleFunc("/files/f1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(File{Name: "f1", State: FileStateFailed})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, time.Second, 10*time.Millisecond, retry.Policy{MaxAttempts: 1})
	_, err := c.Upload(context.Background(), newTestFile(t))
	require.Error(t, err)
}

func TestGenerateReturnsText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models:generateContent", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		require.Equal(t, 0.95, req.TopP)
		require.Equal(t, "application/json", req.ResponseMimeType)
		resp := generateResponse{Text: `{"tags":["a"]}`}
		resp.UsageMetadata.TotalTokenCount = 42
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, time.Second, 10*time.Millisecond, retry.Policy{MaxAttempts: 1})
	text, tokens, err := c.Generate(context.Background(), &File{Name: "f1", URI: "uri://f1"}, "system prompt")
	require.NoError(t, err)
	require.Equal(t, `{"tags":["a"]}`, text)
	require.Equal(t, 42, tokens)
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/f1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, time.Second, 10*time.Millisecond, retry.Policy{MaxAttempts: 1})
	err := c.Delete(context.Background(), &File{Name: "f1"})
	require.NoError(t, err)
}

func TestDeleteNilFileIsNoop(t *testing.T) {
	c := New("http://unused", "key", time.Second, time.Second, time.Millisecond, retry.Policy{MaxAttempts: 1})
	require.NoError(t, c.Delete(context.Background(), nil))
}

type rejectingLimiter struct{}

func (rejectingLimiter) Acquire(ctx context.Context, tokens int) error {
	return fmt.Errorf("rate limit exhausted")
}

func TestGenerateConsultsLimiterFirst(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/models:generateContent", func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(generateResponse{Text: "{}"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, time.Second, 10*time.Millisecond, retry.Policy{MaxAttempts: 1})
	c.SetLimiter(rejectingLimiter{})
	_, _, err := c.Generate(context.Background(), &File{Name: "f1", URI: "uri://f1"}, "prompt")
	require.Error(t, err)
	require.False(t, called)
}

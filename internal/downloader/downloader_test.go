// Copyright 2025 James Ross
package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(t.TempDir(), 100, []string{"mp4", "mov"}, 5*time.Second)
	err := d.Validate(context.Background(), srv.URL)
	require.NoError(t, err)
}

func TestValidateTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "999999999")
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(t.TempDir(), 1, []string{"mp4"}, 5*time.Second)
	err := d.Validate(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestValidateBadFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(t.TempDir(), 100, []string{"mp4"}, 5*time.Second)
	err := d.Validate(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestValidateNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(t.TempDir(), 100, []string{"mp4"}, 5*time.Second)
	err := d.Validate(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDownloadWritesFile(t *testing.T) {
	body := strings.Repeat("a", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	root := t.TempDir()
	d := New(root, 100, []string{"mp4"}, 5*time.Second)
	path, err := d.Download(context.Background(), "task-1", srv.URL+"/video.mp4")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(path, root))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, body, string(data))
}

func TestDownloadFallbackFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	root := t.TempDir()
	d := New(root, 100, []string{"mp4"}, 5*time.Second)
	path, err := d.Download(context.Background(), "task-2", srv.URL)
	require.NoError(t, err)
	require.Equal(t, "task-2.mp4", filepath.Base(path))
}

func TestDownloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(t.TempDir(), 100, []string{"mp4"}, 5*time.Second)
	_, err := d.Download(context.Background(), "task-3", srv.URL)
	require.Error(t, err)
}

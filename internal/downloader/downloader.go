// Copyright 2025 James Ross

// Package downloader validates and fetches a submitted video URL to a
// local temporary file, grounded on
// original_source/app/services/video_service.py's validate_video /
// download_video. HTTP client construction follows
// internal/event-hooks/webhook.go's idiom: a bounded Timeout and a
// tuned Transport, since no pack repo vendors a dedicated download
// library.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vtag/pipeline/internal/taskerr"
)

type Downloader struct {
	client         *http.Client
	root           string
	maxSizeBytes   int64
	allowedFormats []string
}

func New(root string, maxSizeMB int, allowedFormats []string, requestTimeout time.Duration) *Downloader {
	return &Downloader{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		root:           root,
		maxSizeBytes:   int64(maxSizeMB) * 1024 * 1024,
		allowedFormats: allowedFormats,
	}
}

// Validate issues a HEAD request and checks content-length against the
// configured max size and content-type against the allowed formats
// list, mirroring validate_video's two checks.
func (d *Downloader) Validate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", taskerr.ErrInvalidInput, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: video url unreachable: %v", taskerr.ErrInvalidInput, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: video url returned status %d", taskerr.ErrInvalidInput, resp.StatusCode)
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && d.maxSizeBytes > 0 && size > d.maxSizeBytes {
			return fmt.Errorf("%w: video exceeds max size of %d bytes", taskerr.ErrInvalidInput, d.maxSizeBytes)
		}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if len(d.allowedFormats) > 0 {
		ok := false
		for _, f := range d.allowedFormats {
			if strings.Contains(contentType, strings.ToLower(f)) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: unsupported video format %q", taskerr.ErrInvalidInput, contentType)
		}
	}
	return nil
}

// Download streams url to a per-task file under root, mirroring
// download_video's per-task directory; the body is copied to the file
// with io.Copy rather than loaded into memory.
func (d *Downloader) Download(ctx context.Context, taskID, url string) (string, error) {
	dir := filepath.Join(d.root, time.Now().Format("2006/01"), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	path := filepath.Join(dir, filename(url, taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download video: status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write video file: %w", err)
	}
	return path, nil
}

func filename(url, taskID string) string {
	base := url
	if idx := strings.Index(base, "://"); idx != -1 {
		// Drop scheme and host so a bare host is never taken as the file name.
		base = base[idx+3:]
		if slash := strings.Index(base, "/"); slash != -1 {
			base = base[slash:]
		} else {
			base = ""
		}
	}
	if idx := strings.LastIndex(base, "/"); idx != -1 {
		base = base[idx+1:]
	}
	if idx := strings.Index(base, "?"); idx != -1 {
		base = base[:idx]
	}
	if base == "" || !strings.Contains(base, ".") {
		return taskID + ".mp4"
	}
	return base
}

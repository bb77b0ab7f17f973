// Copyright 2025 James Ross

// Package indexclient optionally pushes completed tags to a downstream
// index service. Client construction follows
// internal/event-hooks/webhook.go's idiom (bounded Timeout, tuned
// Transport) since nothing in the corpus vendors an index/search SDK
// for this kind of push.
package indexclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type pushRequest struct {
	MaterialIDs []string       `json:"material_ids"`
	Tags        map[string]any `json:"tags"`
}

type pushResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type Client struct {
	httpClient *http.Client
	url        string
	enabled    bool
}

func New(url string, enabled bool, requestTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		url:     url,
		enabled: enabled,
	}
}

// Enabled reports whether the client is configured to push at all.
func (c *Client) Enabled() bool { return c.enabled }

// Push posts tags for the given material ids. A no-op when the client
// is disabled, so callers can invoke it unconditionally.
func (c *Client) Push(ctx context.Context, materialIDs []string, tags map[string]any) error {
	if !c.enabled {
		return nil
	}

	body, err := json.Marshal(pushRequest{MaterialIDs: materialIDs, Tags: tags})
	if err != nil {
		return fmt.Errorf("marshal index push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push to index service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push to index service: status %d", resp.StatusCode)
	}

	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode index service response: %w", err)
	}
	if out.Code != 10000 {
		return fmt.Errorf("index service rejected push: code=%d msg=%q", out.Code, out.Msg)
	}
	return nil
}

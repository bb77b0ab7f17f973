// Copyright 2025 James Ross

// Package modelprovider talks to the generative tagging model over a
// plain REST client, grounded on
// original_source/app/services/google_vision.py's upload_file /
// generate_tag / delete_google_file. No pack repo vendors a Go SDK for
// the provider, so requests are built by hand the way
// internal/event-hooks/webhook.go builds its outbound HTTP client
// (bounded Timeout, tuned Transport) — this is the stdlib-justified
// exception DESIGN.md records for this package.
package modelprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vtag/pipeline/internal/retry"
)

// File states mirror the provider's file.state.name values checked by
// upload_file's check_file_status.
const (
	FileStateProcessing = "PROCESSING"
	FileStateActive     = "ACTIVE"
	FileStateFailed     = "FAILED"
)

type File struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	State string `json:"state"`
}

// tokenLimiter is satisfied by internal/ratelimiter.Limiter. Kept as a
// narrow local interface so this package doesn't import ratelimiter
// directly; the limiter is optional and disabled by default.
type tokenLimiter interface {
	Acquire(ctx context.Context, tokens int) error
}

// estimatedTokensPerCall is the budget reserved per Generate call
// before the actual usage is known, sized to the fixed
// max_output_tokens decoding parameter below.
const estimatedTokensPerCall = 8192

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	policy     retry.Policy
	limiter    tokenLimiter

	uploadReadyWait    time.Duration
	uploadPollInterval time.Duration
}

// SetLimiter wires an optional distributed rate limiter that Generate
// consults before issuing each request.
func (c *Client) SetLimiter(l tokenLimiter) {
	c.limiter = l
}

func New(baseURL, apiKey string, requestTimeout, uploadReadyWait, uploadPollInterval time.Duration, policy retry.Policy) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		baseURL:            baseURL,
		apiKey:             apiKey,
		policy:             policy,
		uploadReadyWait:    uploadReadyWait,
		uploadPollInterval: uploadPollInterval,
	}
}

func (c *Client) do(ctx context.Context, op func(context.Context) error) error {
	return c.policy.Do(ctx, retry.ModelProviderClassifier, nil, op)
}

// Upload pushes the local video file to the provider and waits for it
// to leave PROCESSING state, mirroring upload_file's post-upload
// check_file_status retry loop.
func (c *Client) Upload(ctx context.Context, path string) (*File, error) {
	var file *File
	err := c.do(ctx, func(ctx context.Context) error {
		f, err := c.uploadOnce(ctx, path)
		if err != nil {
			return err
		}
		file = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.waitActive(ctx, file); err != nil {
		return nil, err
	}
	return file, nil
}

func (c *Client) uploadOnce(ctx context.Context, path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload file: status %d", resp.StatusCode)
	}

	var file File
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &file, nil
}

func (c *Client) waitActive(ctx context.Context, file *File) error {
	deadline := time.Now().Add(c.uploadReadyWait)
	for {
		current, err := c.getFile(ctx, file.Name)
		if err != nil {
			return err
		}
		switch current.State {
		case FileStateActive:
			file.State = current.State
			file.URI = current.URI
			return nil
		case FileStateFailed:
			return fmt.Errorf("uploaded file %s entered state %s", file.Name, current.State)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("uploaded file %s not active after %s", file.Name, c.uploadReadyWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.uploadPollInterval):
		}
	}
}

func (c *Client) getFile(ctx context.Context, name string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+name, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get file: status %d", resp.StatusCode)
	}
	var file File
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode file response: %w", err)
	}
	return &file, nil
}

type generateRequest struct {
	Model             string  `json:"model"`
	FileURI           string  `json:"file_uri"`
	SystemInstruction string  `json:"system_instruction"`
	TopP              float64 `json:"top_p"`
	Temperature       float64 `json:"temperature"`
	MaxOutputTokens   int     `json:"max_output_tokens"`
	ResponseMimeType  string  `json:"response_mime_type"`
}

type generateResponse struct {
	Text         string `json:"text"`
	UsageMetadata struct {
		TotalTokenCount int `json:"total_token_count"`
	} `json:"usage_metadata"`
}

// Generate produces the tagging response for one dimension's system
// prompt against an already-uploaded file. Decoding parameters are
// fixed to match generate_tag's GenerateContentConfig exactly.
func (c *Client) Generate(ctx context.Context, file *File, systemPrompt string) (string, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, estimatedTokensPerCall); err != nil {
			return "", 0, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var text string
	var tokens int
	err := c.do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(generateRequest{
			Model:             "gemini-2.0-flash",
			FileURI:           file.URI,
			SystemInstruction: systemPrompt,
			TopP:              0.95,
			Temperature:       1,
			MaxOutputTokens:   8192,
			ResponseMimeType:  "application/json",
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/models:generateContent", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("generate content: status %d", resp.StatusCode)
		}
		var out generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode generate response: %w", err)
		}
		text = out.Text
		tokens = out.UsageMetadata.TotalTokenCount
		return nil
	})
	return text, tokens, err
}

// Delete removes the uploaded file from the provider, mirroring
// delete_google_file's best-effort cleanup.
func (c *Client) Delete(ctx context.Context, file *File) error {
	if file == nil {
		return nil
	}
	return c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+file.Name, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("delete file: status %d", resp.StatusCode)
		}
		return nil
	})
}

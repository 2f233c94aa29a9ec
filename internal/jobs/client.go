// Package jobs talks to the remote long-running job service that executes
// tasks for agents with the "job" runtime.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/logging"
)

// ErrNotConfigured is returned when jobs.base_url is empty.
var ErrNotConfigured = errors.New("jobs.base_url is not configured")

// Normalized job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateUnknown   = "unknown"
)

// Job is a dispatch request.
type Job struct {
	TaskID      int64
	Title       string
	Description string
	Agent       map[string]any
	APIKey      string // forwarded model gateway key, optional
}

// Status is a job's reported state.
type Status struct {
	State  string         // normalized
	Result string         // result, output or message field
	Raw    map[string]any // full payload
}

// Client dispatches and polls remote jobs.
type Client struct {
	config     *config.JobsConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a job client. A nil config uses defaults.
func NewClient(cfg *config.JobsConfig) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig().Jobs
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent("jobs"),
	}
}

// Configured reports whether a job service is set up.
func (c *Client) Configured() bool {
	return c.config.BaseURL != ""
}

// Dispatch submits a job and returns the service's job ID.
func (c *Client) Dispatch(ctx context.Context, job Job) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	correlationID := uuid.New().String()
	payload := map[string]any{
		"task":     map[string]any{"title": job.Title, "description": job.Description},
		"agent":    orEmpty(job.Agent),
		"metadata": map[string]any{"task_id": job.TaskID, "correlation_id": correlationID},
	}
	if job.APIKey != "" {
		payload["openrouter_api_key"] = job.APIKey
	}

	var data map[string]any
	if err := c.do(ctx, http.MethodPost, "/jobs", payload, correlationID, &data); err != nil {
		return "", fmt.Errorf("dispatch failed: %w", err)
	}

	for _, key := range []string{"job_id", "id", "jobId"} {
		if v, ok := data[key]; ok && v != nil && fmt.Sprint(v) != "" {
			id := fmt.Sprint(v)
			c.logger.Info("Job dispatched",
				slog.Int64("task_id", job.TaskID),
				slog.String("job_id", id),
				slog.String("correlation_id", correlationID),
			)
			return id, nil
		}
	}
	return "", fmt.Errorf("dispatch returned no job id")
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*Status, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var data map[string]any
	if err := c.do(ctx, http.MethodGet, "/status/"+jobID, nil, "", &data); err != nil {
		return nil, fmt.Errorf("status failed: %w", err)
	}

	st := &Status{State: NormalizeState(data), Raw: data}
	for _, key := range []string{"result", "output", "message"} {
		if v, ok := data[key].(string); ok && v != "" {
			st.Result = v
			break
		}
	}
	return st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, deliveryID string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.config.Token; tok != "" {
		if !strings.HasPrefix(strings.ToLower(tok), "bearer ") {
			tok = "Bearer " + tok
		}
		req.Header.Set("Authorization", tok)
	}
	if deliveryID != "" {
		req.Header.Set("X-Warden-Delivery", deliveryID)
	}
	req.Header.Set("User-Agent", "warden-jobs/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("job service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// NormalizeState maps the service's status vocabulary onto the four states
// the scheduler understands.
func NormalizeState(payload map[string]any) string {
	raw, _ := payload["status"].(string)
	if raw == "" {
		raw, _ = payload["state"].(string)
	}
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "queued", "pending":
		return StateQueued
	case "running", "in_progress", "inprogress":
		return StateRunning
	case "completed", "complete", "succeeded", "success", "done":
		return StateCompleted
	case "failed", "error", "cancelled", "canceled":
		return StateFailed
	case "":
		return StateUnknown
	default:
		return s
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/store"
)

// BackendTypeRemote is the OpenAI-compatible model gateway backend.
const BackendTypeRemote = "remote"

// RemoteBackend calls an OpenAI-compatible chat completions endpoint.
type RemoteBackend struct {
	config  *config.RemoteConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewRemoteBackend creates a remote gateway backend. A nil config uses defaults.
func NewRemoteBackend(cfg *config.RemoteConfig) *RemoteBackend {
	if cfg == nil {
		cfg = config.DefaultConfig().Remote
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &RemoteBackend{
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     logging.WithComponent("remote"),
	}
}

// Name implements Backend.
func (b *RemoteBackend) Name() string {
	return BackendTypeRemote
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Execute implements Backend.
func (b *RemoteBackend) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	if b.config.APIKey == "" {
		return failed(health.FailureConfig, ErrMissingCredential.Error()+": remote.api_key", 0)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return failed(health.FailureTimeout, fmt.Sprintf("rate limiter: %v", err), time.Since(start))
	}

	model := req.Model
	if model == "" {
		model = b.config.DefaultModel
	}

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return failed(health.FailureError, fmt.Sprintf("failed to encode request: %v", err), time.Since(start))
	}

	url := strings.TrimRight(b.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed(health.FailureConfig, fmt.Sprintf("invalid remote.base_url: %v", err), time.Since(start))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	if b.config.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", b.config.Referer)
	}
	if b.config.AppName != "" {
		httpReq.Header.Set("X-Title", b.config.AppName)
	}

	b.log.Debug("Calling remote gateway", slog.String("model", model), slog.Int("prompt_len", len(req.Prompt)))

	resp, err := b.client.Do(httpReq)
	if err != nil {
		kind := health.FailureError
		if ctx.Err() != nil || isTimeout(err) {
			kind = health.FailureTimeout
		}
		return failed(kind, fmt.Sprintf("request failed: %v", err), time.Since(start))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return failed(health.FailureError, fmt.Sprintf("failed to read response: %v", err), time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(classifyStatus(resp.StatusCode),
			fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, store.Truncate(string(raw), 300)), time.Since(start))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return failed(health.FailureError, fmt.Sprintf("failed to decode response: %v", err), time.Since(start))
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return failed(health.FailureError, parsed.Error.Message, time.Since(start))
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return failed(health.FailureError, "empty completion", time.Since(start))
	}

	return Result{
		Success:  true,
		Output:   parsed.Choices[0].Message.Content,
		Duration: time.Since(start),
	}
}

// classifyStatus maps a non-2xx gateway status to a failure kind.
func classifyStatus(code int) health.FailureKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return health.FailureAuth
	case http.StatusTooManyRequests:
		return health.FailureRateLimit
	case http.StatusPaymentRequired:
		return health.FailureQuota
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return health.FailureTimeout
	default:
		return health.FailureError
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

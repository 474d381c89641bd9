// Package upstream is the HTTP client the queue manager forwards chat
// completion jobs to. It implements queue.UpstreamClient.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaylabs/async-sidecar/internal/classifier"
)

// Config holds the upstream chat-completion endpoint configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a thin HTTP client over an OpenAI-shaped chat-completions
// endpoint. It never retries -- retry policy belongs to the queue manager.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a new upstream chat-completion client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// ChatCompletions forwards payload to the upstream chat-completions endpoint
// and returns the decoded JSON body. ctx carries both the per-request
// transport deadline and the queue manager's abort handle.
func (c *Client) ChatCompletions(ctx context.Context, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("upstream chat completion request failed",
			slog.Any("error", err),
		)
		return nil, &classifier.UpstreamError{Name: "transport_error", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &classifier.UpstreamError{Name: "read_error", StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, upstreamErrorFromBody(resp.StatusCode, raw)
	}

	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &classifier.UpstreamError{Name: "bad_response", StatusCode: resp.StatusCode, Message: "upstream returned a non-JSON body"}
	}
	return out, nil
}

// Health probes the upstream endpoint's liveness.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &classifier.UpstreamError{Name: "transport_error", Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &classifier.UpstreamError{Name: "unhealthy", StatusCode: resp.StatusCode, Message: fmt.Sprintf("upstream health check returned %d", resp.StatusCode)}
	}
	return nil
}

// upstreamErrorFromBody extracts {error:{message,code}} from an upstream
// error body when present, falling back to the raw body text.
func upstreamErrorFromBody(status int, raw []byte) *classifier.UpstreamError {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return &classifier.UpstreamError{StatusCode: status, Code: body.Error.Code, Message: body.Error.Message, Details: body}
	}
	return &classifier.UpstreamError{StatusCode: status, Message: string(raw)}
}

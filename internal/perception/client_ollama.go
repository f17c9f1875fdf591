// Package perception talks to the inference backends. The only transport is
// the Ollama HTTP API; ports select the device on multi-GPU hosts.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// ClientConfig tunes the backend client.
type ClientConfig struct {
	// BaseURL is the scheme+host without port, e.g. "http://localhost".
	BaseURL string
	// IdleTimeout fails a generate call when no chunk arrives for this long.
	IdleTimeout time.Duration
	// OverallTimeout caps one generate call end to end.
	OverallTimeout time.Duration
	// MaxRetries is how many times a transient failure is retried. The
	// orchestrator policy is one retry.
	MaxRetries int
	// NumCtx is the context window requested when the caller does not set one.
	NumCtx int
}

// DefaultClientConfig returns the production settings: 60 s idle window,
// 20 min overall, one retry.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:        baseURL,
		IdleTimeout:    60 * time.Second,
		OverallTimeout: 20 * time.Minute,
		MaxRetries:     1,
		NumCtx:         8192,
	}
}

// Client is the Ollama-shaped InferenceBackend implementation.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

var _ types.InferenceBackend = (*Client)(nil)

// NewClient builds a backend client. The http.Client carries no global
// timeout; per-call deadlines come from contexts so the idle watchdog stays
// in charge.
func NewClient(config ClientConfig, logger *zap.Logger) *Client {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	if config.OverallTimeout <= 0 {
		config.OverallTimeout = 20 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger.Named("perception"),
	}
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("%s:%d%s", strings.TrimRight(c.config.BaseURL, "/"), port, path)
}

// ListModels queries the installed-model listing at the port.
func (c *Client) ListModels(ctx context.Context, port int) ([]types.InstalledModel, error) {
	var payload struct {
		Models []types.InstalledModel `json:"models"`
	}
	if err := c.getJSON(ctx, c.url(port, "/api/tags"), &payload); err != nil {
		return nil, fmt.Errorf("list models on port %d: %w", port, err)
	}
	return payload.Models, nil
}

// ListRunning queries the resident-model listing at the port.
func (c *Client) ListRunning(ctx context.Context, port int) ([]types.ResidentModel, error) {
	var payload struct {
		Models []types.ResidentModel `json:"models"`
	}
	if err := c.getJSON(ctx, c.url(port, "/api/ps"), &payload); err != nil {
		return nil, fmt.Errorf("list running on port %d: %w", port, err)
	}
	return payload.Models, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.E(types.KindBackendMalformed, "perception.get", err)
	}
	return nil
}

// generatePayload is the wire request for /api/generate. KeepAlive -1 keeps
// the model resident after the call.
type generatePayload struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt"`
	System    string           `json:"system,omitempty"`
	Stream    bool             `json:"stream"`
	KeepAlive int              `json:"keep_alive"`
	Options   *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	NumCtx int `json:"num_ctx,omitempty"`
}

// generateChunk is one line of the streamed response. The terminal chunk
// (done=true) carries the counters.
type generateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate performs one completion. The request streams so the idle watchdog
// can reset on every chunk; the aggregate matches the non-streaming response
// shape. Transient failures (connect errors, 5xx, idle timeout) are retried
// once; cancellation is never retried.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	const op = "perception.generate"
	if req.Model == "" {
		return nil, types.Ef(types.KindConfiguration, op, "empty model name")
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff before the retry, abandoned on cancel.
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.logger.Warn("retrying generate",
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, types.E(types.KindCancelled, op, ctx.Err())
			}
		}

		resp, err := c.generateOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, types.E(types.KindCancelled, op, ctx.Err())
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) generateOnce(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	const op = "perception.generate"

	numCtx := req.NumCtx
	if numCtx == 0 {
		numCtx = c.config.NumCtx
	}
	payload := generatePayload{
		Model:     req.Model,
		Prompt:    req.Prompt,
		System:    req.System,
		Stream:    true,
		KeepAlive: -1,
	}
	if numCtx > 0 {
		payload.Options = &generateOptions{NumCtx: numCtx}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.OverallTimeout)
	defer cancel()

	// The watchdog cancels the request when no chunk arrives inside the idle
	// window. idleFired distinguishes that from caller cancellation.
	var idleFired atomic.Bool
	watchdog := time.AfterFunc(c.config.IdleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url(req.Port, "/api/generate"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if idleFired.Load() {
			return nil, types.Ef(types.KindBackendTimeout, op, "no response for %s", c.config.IdleTimeout)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			return nil, err // transient, retried by the caller loop
		}
		return nil, types.E(types.KindBackendMalformed, op, err)
	}

	var sb strings.Builder
	out := &types.GenerateResponse{}
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk generateChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if idleFired.Load() {
				return nil, types.Ef(types.KindBackendTimeout, op, "no chunk for %s after %s", c.config.IdleTimeout, time.Since(started))
			}
			if callCtx.Err() != nil {
				if ctx.Err() != nil {
					return nil, types.E(types.KindCancelled, op, ctx.Err())
				}
				return nil, types.Ef(types.KindBackendTimeout, op, "call exceeded %s", c.config.OverallTimeout)
			}
			return nil, types.E(types.KindBackendMalformed, op, err)
		}
		watchdog.Reset(c.config.IdleTimeout)
		sb.WriteString(chunk.Response)
		if chunk.Done {
			out.TotalDuration = time.Duration(chunk.TotalDuration)
			out.PromptEvalCount = chunk.PromptEvalCount
			out.EvalCount = chunk.EvalCount
			break
		}
	}

	out.Response = sb.String()
	if out.Response == "" {
		return nil, types.Ef(types.KindBackendMalformed, op, "empty response from %s", req.Model)
	}
	c.logger.Debug("generate complete",
		zap.String("model", req.Model),
		zap.Int("port", req.Port),
		zap.Int("evalCount", out.EvalCount),
		zap.Duration("elapsed", time.Since(started)))
	return out, nil
}

// retryable reports whether the error is worth one more attempt: connect
// failures, 5xx, idle timeouts, and malformed payloads. Taxonomy-terminal
// and caller-cancelled errors are not.
func retryable(err error) bool {
	switch types.KindOf(err) {
	case types.KindCancelled, types.KindConfiguration:
		return false
	case types.KindBackendTimeout, types.KindBackendMalformed:
		return true
	}
	// Untyped errors here are transport-level (dial refused, reset, 5xx).
	return true
}

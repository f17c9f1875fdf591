package memory

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"codesmith/internal/metrics"
	"codesmith/internal/types"
)

// Client talks JSON-RPC 2.0 to the memory service. A circuit breaker shields
// jobs from a down service: once open, calls fail immediately as
// MemoryServiceUnavailable until the cool-off expires.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	reqID      atomic.Int64
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

var _ Service = (*Client)(nil)

// NewClient builds a live memory-service client. baseURL is the service
// root; the RPC endpoint is baseURL + "/call".
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("memory"),
		metrics:    m,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "memory-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolResult is the tools/call result envelope: the actual payload is JSON
// embedded in the first text content element.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

// callTool invokes one tool and returns the raw result envelope.
func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	const op = "memory.call"

	raw, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, name, args)
	})
	if err != nil {
		c.metrics.MemoryCallsTotal.WithLabelValues(name, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.Ef(types.KindMemoryServiceUnavailable, op, "breaker open for %s", name)
		}
		return nil, types.E(types.KindMemoryServiceUnavailable, op, fmt.Errorf("%s: %w", name, err))
	}
	c.metrics.MemoryCallsTotal.WithLabelValues(name, "ok").Inc()
	return raw.(json.RawMessage), nil
}

func (c *Client) post(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  "tools/call",
		Params: map[string]any{
			"name":      name,
			"arguments": args,
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// callInto invokes a tool and unwraps the embedded payload into out. Tools
// that return nothing can pass a nil out.
func (c *Client) callInto(ctx context.Context, name string, args map[string]any, out any) error {
	raw, err := c.callTool(ctx, name, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	var envelope toolResult
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Content) > 0 {
		if envelope.IsError {
			return types.Ef(types.KindMemoryServiceUnavailable, "memory.call", "%s reported error: %s", name, envelope.Content[0].Text)
		}
		if err := json.Unmarshal([]byte(envelope.Content[0].Text), out); err != nil {
			return types.E(types.KindMemoryServiceUnavailable, "memory.call", fmt.Errorf("%s payload: %w", name, err))
		}
		return nil
	}
	// Some deployments skip the content envelope and return the payload raw.
	if err := json.Unmarshal(raw, out); err != nil {
		return types.E(types.KindMemoryServiceUnavailable, "memory.call", fmt.Errorf("%s result: %w", name, err))
	}
	return nil
}

// ============================================================================
// CONTEXT GATHERING
// ============================================================================

func (c *Client) GetContext(ctx context.Context, task, language string) (*types.TaskContext, error) {
	var out types.TaskContext
	err := c.callInto(ctx, "get_context", map[string]any{
		"task":     task,
		"language": language,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QuerySimilarTasks(ctx context.Context, task string, limit int) ([]types.SimilarTask, error) {
	if limit <= 0 {
		limit = 5
	}
	var out struct {
		Tasks []types.SimilarTask `json:"tasks"`
	}
	err := c.callInto(ctx, "query_similar_tasks", map[string]any{
		"task":  task,
		"limit": limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) QueryTaskLessons(ctx context.Context, keywords []string, language string) ([]string, error) {
	var out struct {
		Lessons []string `json:"lessons"`
	}
	err := c.callInto(ctx, "query_task_lessons", map[string]any{
		"keywords": keywords,
		"language": language,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Lessons, nil
}

func (c *Client) GetProjectSymbols(ctx context.Context, workspace string) ([]string, error) {
	var out struct {
		Symbols []string `json:"symbols"`
	}
	err := c.callInto(ctx, "get_project_symbols", map[string]any{
		"workspace": workspace,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

func (c *Client) GetDesignBrand(ctx context.Context) (string, error) {
	var out struct {
		Brand string `json:"brand"`
	}
	if err := c.callInto(ctx, "design_get_brand", map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.Brand, nil
}

// ============================================================================
// PLANNING
// ============================================================================

func (c *Client) GenerateTaskPlan(ctx context.Context, task, language string) (*types.TaskPlan, error) {
	var out types.TaskPlan
	err := c.callInto(ctx, "generate_task_plan", map[string]any{
		"task":     task,
		"language": language,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Steps) == 0 {
		return nil, types.Ef(types.KindTaskPlanMissing, "memory.plan", "empty plan for task")
	}
	return &out, nil
}

func (c *Client) UpdatePlanStatus(ctx context.Context, taskID string, step int, status string) error {
	return c.callInto(ctx, "update_plan_status", map[string]any{
		"taskId": taskID,
		"step":   step,
		"status": status,
	}, nil)
}

// ============================================================================
// GENERATION SUPPORT
// ============================================================================

func (c *Client) ValidateImports(ctx context.Context, files []types.GeneratedFile, workspace string) ([]types.ValidationIssue, error) {
	var out struct {
		Issues []types.ValidationIssue `json:"issues"`
	}
	err := c.callInto(ctx, "validate_imports", map[string]any{
		"files":     filePayload(files),
		"workspace": workspace,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Issues, nil
}

func (c *Client) ValidateDesign(ctx context.Context, files []types.GeneratedFile) ([]types.ValidationIssue, error) {
	var out struct {
		Issues []types.ValidationIssue `json:"issues"`
	}
	err := c.callInto(ctx, "design_validate", map[string]any{
		"files": filePayload(files),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Issues, nil
}

func (c *Client) IndexFile(ctx context.Context, file types.GeneratedFile, workspace string) error {
	return c.callInto(ctx, "index", map[string]any{
		"path":      file.Path,
		"content":   file.Content,
		"language":  file.Language,
		"workspace": workspace,
	}, nil)
}

// ============================================================================
// PROMPTS
// ============================================================================

func (c *Client) GetPrompt(ctx context.Context, name string) (string, error) {
	var out struct {
		Prompt string `json:"prompt"`
	}
	err := c.callInto(ctx, "manage_prompts", map[string]any{
		"action": "get",
		"name":   name,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Prompt == "" {
		return "", types.Ef(types.KindMemoryServiceUnavailable, "memory.prompt", "prompt %q not found", name)
	}
	return out.Prompt, nil
}

// ============================================================================
// LEARNING
// ============================================================================

func (c *Client) GetModelStats(ctx context.Context, language, taskType string) ([]types.ModelStat, error) {
	var out struct {
		Stats []types.ModelStat `json:"stats"`
	}
	err := c.callInto(ctx, "get_model_stats", map[string]any{
		"language": language,
		"taskType": taskType,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Stats, nil
}

func (c *Client) StoreModelPerformance(ctx context.Context, perf ModelPerformance) error {
	return c.callInto(ctx, "store_model_performance", toArgs(perf), nil)
}

func (c *Client) StoreSuccessfulTask(ctx context.Context, pattern SuccessPattern) error {
	return c.callInto(ctx, "store_successful_task", toArgs(pattern), nil)
}

func (c *Client) StoreTaskFailure(ctx context.Context, failure TaskFailure) error {
	return c.callInto(ctx, "store_task_failure", toArgs(failure), nil)
}

func (c *Client) StoreQA(ctx context.Context, question, answer string) error {
	return c.callInto(ctx, "store_qa", map[string]any{
		"question": question,
		"answer":   answer,
	}, nil)
}

func (c *Client) StoreFeedback(ctx context.Context, fb Feedback) error {
	return c.callInto(ctx, "feedback", toArgs(fb), nil)
}

// toArgs flattens a payload struct into the arguments map via its json tags.
func toArgs(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func filePayload(files []types.GeneratedFile) []map[string]any {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"path":     f.Path,
			"content":  f.Content,
			"language": f.Language,
		})
	}
	return out
}

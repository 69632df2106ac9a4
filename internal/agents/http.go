package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 2 * time.Minute
)

// HTTPConfig configures an agent reached over HTTP.
type HTTPConfig struct {
	Endpoint        string
	Model           string
	APIKey          string // sent as a bearer token when set
	MaxTokens       int
	Temperature     float64
	Headers         map[string]string
	Timeout         time.Duration
	MaxResponseBody int64
}

// HTTPAgent POSTs the prompt to a completion endpoint.
type HTTPAgent struct {
	id     string
	cfg    HTTPConfig
	client *http.Client
}

type completionRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	ExecutionID string  `json:"execution_id,omitempty"`
	StepID      string  `json:"step_id,omitempty"`
}

type completionResponse struct {
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
	Error        string `json:"error,omitempty"`
}

// NewHTTPAgent creates an HTTPAgent with its own cloned transport.
func NewHTTPAgent(id string, cfg HTTPConfig) *HTTPAgent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPAgent{
		id:     id,
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}
}

func (a *HTTPAgent) ID() string { return a.id }

func (a *HTTPAgent) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		ExecutionID: opts.ExecutionID,
		StepID:      opts.StepID,
	})
	if err != nil {
		return nil, NewExecutionError(a.id, "encode request: %v", err).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewExecutionError(a.id, "build request: %v", err).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewExecutionError(a.id, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, NewExecutionError(a.id, "read response: %v", err).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewExecutionError(a.id, "endpoint returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        truncate(string(raw), 2048),
			})
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewExecutionError(a.id, "decode response: %v", err).WithCause(err)
	}
	if out.Error != "" {
		return nil, NewExecutionError(a.id, "%s", out.Error)
	}
	return &Result{
		Content:      out.Content,
		TokensUsed:   out.TokensUsed,
		FinishReason: out.FinishReason,
	}, nil
}

func (a *HTTPAgent) String() string {
	return fmt.Sprintf("http agent %s (%s)", a.id, a.cfg.Endpoint)
}

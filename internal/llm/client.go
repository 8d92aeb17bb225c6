// Package llm wraps the chat-completions capability the classifier and
// the preference learner depend on: one request with a forced tool choice,
// one structured tool call back.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	defaultEndpoint  = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024

	maxTransportRetries = 3
	baseRetryDelay      = time.Second
	retryJitter         = 0.2
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ChatMessage is one turn of the conversation sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat request with a forced tool choice.
type Request struct {
	Model     string
	System    string
	Messages  []ChatMessage
	Tool      ToolSpec
	MaxTokens int
}

// ToolCall is the structured output of a forced tool invocation.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// Client is the chat capability: send a request with a forced tool choice,
// receive the tool call or an error.
type Client interface {
	CallTool(ctx context.Context, req *Request) (*ToolCall, error)
}

// ErrNoToolUse signals the model replied without the forced tool call.
// Callers treat this as a logical classification failure, not a transport
// failure.
var ErrNoToolUse = errors.New("llm: response carries no tool use block")

// APIError is a transport-level failure after the client's own retries.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %v", e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRateLimited reports whether the failure was provider throttling.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// HTTPClient talks to a messages-style chat API. Transient failures (429
// and 5xx) are retried with exponential backoff and jitter; anything else
// surfaces immediately.
type HTTPClient struct {
	endpoint string
	apiKey   string
	http     *http.Client

	sleep func(time.Duration)
}

// ClientConfig configures the HTTP LLM client.
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NewHTTPClient creates an LLM client.
func NewHTTPClient(cfg *ClientConfig) (*HTTPClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		sleep:    time.Sleep,
	}, nil
}

type wireRequest struct {
	Model      string        `json:"model"`
	MaxTokens  int           `json:"max_tokens"`
	System     string        `json:"system,omitempty"`
	Messages   []ChatMessage `json:"messages"`
	Tools      []ToolSpec    `json:"tools"`
	ToolChoice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"tool_choice"`
}

type wireResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

// CallTool sends the request and returns the forced tool call.
func (c *HTTPClient) CallTool(ctx context.Context, req *Request) (*ToolCall, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	wire := wireRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     []ToolSpec{req.Tool},
	}
	wire.ToolChoice.Type = "tool"
	wire.ToolChoice.Name = req.Tool.Name

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, &APIError{Err: err}
	}

	body, err := c.doWithRetry(ctx, payload)
	if err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Err: fmt.Errorf("decode response: %w", err)}
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == req.Tool.Name {
			return &ToolCall{Name: block.Name, Input: block.Input}, nil
		}
	}
	return nil, ErrNoToolUse
}

func (c *HTTPClient) doWithRetry(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		body, status, err := c.doOnce(ctx, payload)
		if err == nil && status < 300 {
			return body, nil
		}

		if err != nil {
			lastErr = &APIError{Err: err}
		} else {
			lastErr = &APIError{
				StatusCode: status,
				Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
			}
		}

		retryable := err == nil && (status == http.StatusTooManyRequests || status >= 500)
		if !retryable || attempt >= maxTransportRetries-1 {
			return nil, lastErr
		}
		c.sleep(backoffDelay(attempt))
	}
}

func (c *HTTPClient) doOnce(ctx context.Context, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// backoffDelay returns the wait before retry attempt+1: base delays of
// 1s, 2s, 4s with ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	base := baseRetryDelay << attempt
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * jitter)
}

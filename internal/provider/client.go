// Package provider calls OpenAI-compatible chat completion endpoints
// (/v1/chat/completions) and records every request/response pair in the
// model audit log.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"papertrade/internal/logger"
)

// Request is one scoring call. PromptHash is carried through so artifacts
// written for this call can prove which prompt text produced it.
type Request struct {
	EventID       string
	Model         string
	PromptID      string
	PromptVersion string
	PromptHash    string
	SystemPrompt  string
	UserPrompt    string
	Temperature   float64
	MaxTokens     int
	JSONMode      bool
}

// Usage is the token accounting reported by the endpoint.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the raw model output plus call metadata. RawText goes to the
// recovery parser untouched.
type Response struct {
	RawText   string `json:"raw_text"`
	Usage     Usage  `json:"usage"`
	LatencyMS int64  `json:"latency_ms"`
}

// Client is anything that can execute a scoring request.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ChatClient talks to an OpenAI / DeepSeek / Qwen style endpoint.
type ChatClient struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int // 429/5xx only; 0 means default of 2
	ExtraHeaders map[string]string

	httpc *http.Client
}

var _ Client = (*ChatClient)(nil)

func NewChatClient(baseURL, apiKey string, timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ChatClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// endpointURL normalizes BaseURL so a configured value with or without
// /chat/completions works the same.
func (c *ChatClient) endpointURL() string {
	url := c.BaseURL
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

func (c *ChatClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("provider: request has no model")
	}
	if c.httpc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		c.httpc = &http.Client{Timeout: timeout}
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	url := c.endpointURL()

	messages := []map[string]string{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.UserPrompt})

	body := map[string]any{"model": req.Model, "messages": messages, "temperature": req.Temperature}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	logger.Debugf("[model] POST %s model=%s event=%s auth=%s", url, req.Model, req.EventID, maskSecret(c.APIKey))
	logger.LogLLMRequest(req.Model, req.EventID, req.SystemPrompt, req.UserPrompt, string(payload))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		for k, v := range c.ExtraHeaders {
			httpReq.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 == 2 {
			out, err := decodeSuccess(resp)
			if err != nil {
				return nil, err
			}
			out.LatencyMS = time.Since(start).Milliseconds()
			logger.LogLLMResponse(req.Model, req.EventID, out.RawText)
			return out, nil
		}

		status, msg := decodeError(resp)
		lastErr = fmt.Errorf("provider: status=%d: %s", status, msg)
		if !retryable(status) || attempt == maxRetries {
			return nil, lastErr
		}
		wait := retryAfter(resp, attempt)
		logger.Warnf("[model] status=%d event=%s, retrying in %s", status, req.EventID, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func decodeSuccess(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	if len(r.Choices) == 0 {
		return nil, fmt.Errorf("provider: empty choices")
	}
	return &Response{
		RawText: r.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
			TotalTokens:  r.Usage.TotalTokens,
		},
	}, nil
}

func decodeError(resp *http.Response) (int, string) {
	defer resp.Body.Close()
	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eresp)
	msg := strings.TrimSpace(eresp.Error.Message)
	if msg == "" {
		msg = resp.Status
	}
	return resp.StatusCode, msg
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter honors Retry-After when present, otherwise backs off
// exponentially from 800ms with an 8s cap.
func retryAfter(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	wait := 800 * time.Millisecond << attempt
	if wait > 8*time.Second {
		wait = 8 * time.Second
	}
	return wait
}

// maskSecret keeps only the last 4 characters visible.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

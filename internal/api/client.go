package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultHTTPTimeout is the default timeout for a single completion call
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3

	anthropicVersion = "2023-06-01"
)

// Client sends completion requests to model endpoints, translating the
// neutral Request into the endpoint's wire dialect.
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	maxRetries      int
	baseRetryDelay  time.Duration
}

// NewClient creates a new API client. Timeout bounds each individual HTTP
// request; retries run inside the caller's context.
func NewClient(logger *slog.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Client{
		httpClient:      &http.Client{Timeout: timeout},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger,
		maxRetries:      DefaultMaxRetries,
		baseRetryDelay:  DefaultBaseRetryDelay,
	}
}

// Complete sends a completion request to the endpoint, retrying transient
// failures with exponential backoff.
func (c *Client) Complete(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	if err := c.rateLimiterPool.Wait(ctx, ep.ID(), ep.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay

			// Rate limit errors back off harder (3^n: 6s, 18s, 54s)
			if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
				backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
			}

			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleepDuration := backoff + jitter

			c.logger.Warn("Retrying model request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", sleepDuration,
				"provider", ep.Provider,
				"model", ep.Model)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	endpoint, body, headers, err := encodeRequest(ep, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{
			Message:    fmt.Sprintf("request failed: %v", err),
			StatusCode: 0,
			Retryable:  true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := isStatusCodeRetryable(httpResp.StatusCode)

		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}

		return nil, &APIError{
			Message:    fmt.Sprintf("request failed with status %d: %s", httpResp.StatusCode, string(respBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	return decodeResponse(ep.Kind, respBody)
}

// encodeRequest builds the dialect-specific URL, body, and auth headers.
func encodeRequest(ep Endpoint, req Request) (string, []byte, map[string]string, error) {
	base := strings.TrimSuffix(ep.BaseURL, "/")
	headers := make(map[string]string)

	var (
		endpoint string
		payload  any
	)

	switch ep.Kind {
	case "anthropic":
		endpoint = base + "/v1/messages"
		headers["x-api-key"] = ep.APIKey
		headers["anthropic-version"] = anthropicVersion
		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = 4096 // the messages API requires max_tokens
		}
		payload = anthropicRequest{
			Model:       ep.Model,
			System:      req.System,
			Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
			Temperature: req.Temperature,
			MaxTokens:   maxTokens,
		}

	case "google":
		endpoint = fmt.Sprintf("%s/models/%s:generateContent?key=%s",
			base, url.PathEscape(ep.Model), url.QueryEscape(ep.APIKey))
		greq := googleRequest{
			Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: req.Prompt}}}},
		}
		if req.System != "" {
			greq.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.System}}}
		}
		greq.GenerationConfig.Temperature = req.Temperature
		greq.GenerationConfig.MaxOutputTokens = req.MaxTokens
		payload = greq

	case "ollama":
		endpoint = base + "/api/generate"
		oreq := ollamaRequest{
			Model:  ep.Model,
			System: req.System,
			Prompt: req.Prompt,
			Stream: false,
		}
		oreq.Options.Temperature = req.Temperature
		oreq.Options.NumPredict = req.MaxTokens
		payload = oreq

	default: // openai-compatible
		endpoint = base + "/chat/completions"
		if ep.APIKey != "" {
			headers["Authorization"] = "Bearer " + ep.APIKey
		}
		messages := make([]openAIMessage, 0, 2)
		if req.System != "" {
			messages = append(messages, openAIMessage{Role: "system", Content: req.System})
		}
		messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
		payload = openAIRequest{
			Model:       ep.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			N:           1,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return endpoint, body, headers, nil
}

func decodeResponse(kind string, body []byte) (*Response, error) {
	switch kind {
	case "anthropic":
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return nil, fmt.Errorf("no text content in response")
		}
		return &Response{
			Text:         text.String(),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}, nil

	case "google":
		var resp googleResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
			return nil, fmt.Errorf("no candidates returned in response")
		}
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
		return &Response{
			Text:         text.String(),
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}, nil

	case "ollama":
		var resp ollamaResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if resp.Response == "" {
			return nil, fmt.Errorf("empty response from model")
		}
		return &Response{
			Text:         resp.Response,
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		}, nil

	default:
		var resp openAIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("no choices returned in response")
		}
		return &Response{
			Text:         resp.Choices[0].Message.Content,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}, nil
	}
}

func isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by a model endpoint
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

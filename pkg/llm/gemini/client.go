// Package gemini provides a Gemini generateContent client with JSON-mode
// responses, retry with exponential backoff, and usage-based cost accounting.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultModel is the default generation model
	DefaultModel = "gemini-2.5-flash"

	// DefaultEndpoint is the Gemini API base URL
	DefaultEndpoint = "https://generativelanguage.googleapis.com"

	// DefaultMaxRetries is the default number of retries
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base delay for exponential backoff
	DefaultBaseDelay = 15 * time.Second

	// DefaultMaxDelay is the maximum delay for exponential backoff
	DefaultMaxDelay = 120 * time.Second

	// DefaultAttemptTimeout is the per-attempt HTTP timeout
	DefaultAttemptTimeout = 120 * time.Second

	// DefaultTemperature is the default temperature for generation
	DefaultTemperature = 0.2

	// DefaultMaxOutputTokens is the default max output tokens (65536 for thinking models)
	DefaultMaxOutputTokens = 65536
)

// Config holds the configuration for the Gemini client
type Config struct {
	APIKey          string
	Endpoint        string
	Model           string
	AttemptTimeout  time.Duration
	Temperature     float64
	MaxOutputTokens int

	// Cost rates in dollars per million tokens
	PromptTokenRate     float64
	CompletionTokenRate float64
}

// Client is a Gemini generateContent client
type Client struct {
	apiKey          string
	endpoint        string
	model           string
	httpClient      *http.Client
	log             *slog.Logger
	temperature     float64
	maxOutputTokens int
	attemptTimeout  time.Duration

	promptTokenRate     float64
	completionTokenRate float64

	// Retry configuration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithMaxDelay sets the maximum delay for exponential backoff
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a new Gemini client
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}

	c := &Client{
		apiKey:              cfg.APIKey,
		endpoint:            strings.TrimRight(cfg.Endpoint, "/"),
		model:               cfg.Model,
		httpClient:          &http.Client{},
		log:                 slog.Default(),
		temperature:         cfg.Temperature,
		maxOutputTokens:     cfg.MaxOutputTokens,
		attemptTimeout:      cfg.AttemptTimeout,
		promptTokenRate:     cfg.PromptTokenRate,
		completionTokenRate: cfg.CompletionTokenRate,
		maxRetries:          DefaultMaxRetries,
		baseDelay:           DefaultBaseDelay,
		maxDelay:            DefaultMaxDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// generateRequest is the API request body for generateContent
type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

// generateResponse is the API response body
type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content      candidateContent `json:"content"`
	FinishReason string           `json:"finishReason,omitempty"`
}

type candidateContent struct {
	Parts []candidatePart `json:"parts"`
	Role  string          `json:"role"`
}

type candidatePart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Result contains a completed generation with usage and cost
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Call sends a single-turn prompt and returns the model's JSON response.
// Transient failures (429, 5xx, network errors, attempt timeouts) are retried
// with exponential backoff; other API errors fail immediately.
func (c *Client) Call(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.endpoint, c.model)

	apiReq := generateRequest{
		Contents: []content{
			{
				Role:  "user",
				Parts: []part{{Text: userPrompt}},
			},
		},
		GenerationConfig: generationConfig{
			Temperature:      c.temperature,
			MaxOutputTokens:  c.maxOutputTokens,
			ResponseMimeType: "application/json",
		},
	}
	if systemPrompt != "" {
		apiReq.SystemInstruction = &content{
			Parts: []part{{Text: systemPrompt}},
		}
	}

	reqBytes, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.log.Warn("retrying generation request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var result *Result
		result, lastErr = c.doRequest(ctx, url, reqBytes)
		if lastErr == nil {
			return result, nil
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var retryable *retryableError
		if !errors.As(lastErr, &retryable) {
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

// doRequest executes a single generateContent request with a per-attempt timeout
func (c *Client) doRequest(ctx context.Context, url string, body []byte) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Attempt timeouts and network failures are transient, but a cancelled
		// parent context is handled by the retry loop.
		return nil, &retryableError{cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{
				statusCode: resp.StatusCode,
				body:       string(respBody),
			}
		}
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return c.buildResult(&apiResp)
}

// buildResult extracts text and usage from the first candidate, skipping
// thought parts emitted by thinking models.
func (c *Client) buildResult(resp *generateResponse) (*Result, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("response contains no candidates")
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return nil, fmt.Errorf("response blocked due to safety filters")
	}
	if cand.FinishReason == "RECITATION" {
		return nil, fmt.Errorf("response blocked due to recitation detection")
	}

	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}

	result := &Result{Content: sb.String()}
	if u := resp.UsageMetadata; u != nil {
		result.PromptTokens = u.PromptTokenCount
		result.CompletionTokens = u.CandidatesTokenCount
		result.TotalTokens = u.TotalTokenCount
		result.Cost = float64(u.PromptTokenCount)/1e6*c.promptTokenRate +
			float64(u.CandidatesTokenCount)/1e6*c.completionTokenRate
	}

	return result, nil
}

// calculateBackoff calculates the backoff delay for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}

// retryableError is an error that can be retried
type retryableError struct {
	statusCode int
	body       string
	cause      error
}

func (e *retryableError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("retryable request error: %v", e.cause)
	}
	return fmt.Sprintf("retryable API error %d: %s", e.statusCode, e.body)
}

func (e *retryableError) Unwrap() error {
	return e.cause
}

// IsConfigured reports whether the client has credentials to make calls
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"forgeline/internal/logging"
)

const (
	DefaultBaseURL = "https://nano-gpt.com/api/v1"
	DefaultModel   = "moonshotai/Kimi-K2-Instruct-0905"

	defaultTimeout        = 300 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIClient calls an OpenAI compatible chat completions endpoint without streaming.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     *slog.Logger

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	sleeper        func(time.Duration)
}

type Option func(*OpenAIClient)

func WithHTTPClient(client *http.Client) Option {
	return func(c *OpenAIClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithRetry(attempts int, base, max time.Duration) Option {
	return func(c *OpenAIClient) {
		c.retryAttempts = attempts
		c.retryBaseDelay = base
		c.retryMaxDelay = max
	}
}

// WithSleeper replaces the retry sleep, mostly for tests.
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *OpenAIClient) { c.sleeper = sleeper }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *OpenAIClient) { c.logger = logger }
}

func NewOpenAIClient(cfg OpenAIConfig, opts ...Option) *OpenAIClient {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &OpenAIClient{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "provider")
	return c
}

func (c *OpenAIClient) Name() string { return "openai:" + c.cfg.Model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("provider: prompt required")
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return Result{}, fmt.Errorf("provider: api key not configured: %w", ErrUnauthorized)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	payload := chatRequest{Model: c.cfg.Model, Temperature: c.cfg.Temperature, MaxTokens: maxTokens}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	resp, err := c.completeWithRetry(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return Result{}, fmt.Errorf("%w (finish_reason=%q)", ErrEmptyResponse, resp.Choices[0].FinishReason)
	}
	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	return Result{Content: content, Model: model}, nil
}

// Health sends a one-token completion to verify key, model and connectivity.
func (c *OpenAIClient) Health(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return fmt.Errorf("provider: api key not configured: %w", ErrUnauthorized)
	}
	_, err := c.sendOnce(ctx, chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func (c *OpenAIClient) completeWithRetry(ctx context.Context, payload chatRequest) (chatResponse, error) {
	attempts := c.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.sendOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts || !retryable(ctx, err) {
			break
		}
		delay := c.backoff(attempt)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			delay = statusErr.RetryAfter
			if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
				delay = c.retryMaxDelay
			}
		}
		c.logger.Warn("provider call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return chatResponse{}, err
		}
	}
	return chatResponse{}, lastErr
}

func (c *OpenAIClient) sendOnce(ctx context.Context, payload chatRequest) (chatResponse, error) {
	var out chatResponse
	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("provider: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("provider: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("provider: request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("provider: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return out, &StatusError{StatusCode: resp.StatusCode, Body: string(raw), RetryAfter: retryAfter}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("provider: decode response: %w", err)
	}
	if out.Error != nil {
		return out, fmt.Errorf("provider: api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return out, fmt.Errorf("%w: no choices (body: %s)", ErrEmptyResponse, snippet(string(raw)))
	}
	return out, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// backoff doubles from the base delay: attempt 1 waits base, attempt 2 twice that.
func (c *OpenAIClient) backoff(attempt int) time.Duration {
	delay := c.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.retryMaxDelay > 0 && delay >= c.retryMaxDelay {
			return c.retryMaxDelay
		}
	}
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return delay
}

func (c *OpenAIClient) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Package provider talks to the AI service that generates stage artifacts.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"forgeline/internal/domain"
)

var (
	// ErrUnauthorized means the provider rejected the API key.
	ErrUnauthorized = errors.New("provider: unauthorized")
	// ErrRateLimited means the provider kept answering 429 after all retries.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrEmptyResponse means the completion carried no usable choice.
	ErrEmptyResponse = errors.New("provider: empty response")
)

// Request is one generation call.
type Request struct {
	Stage       domain.StageID
	ProjectName string
	System      string
	Prompt      string
	MaxTokens   int
}

type Result struct {
	Content string
	Model   string
}

// Generator produces stage artifacts.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Health(ctx context.Context) error
	Name() string
}

// StatusError is a non-2xx provider reply.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: http %d: %s", e.StatusCode, snippet(e.Body))
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case 401, 403:
		return ErrUnauthorized
	case 429:
		return ErrRateLimited
	}
	return nil
}

// Status describes provider reachability for the status endpoint.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func snippet(s string) string {
	clean := strings.Join(strings.Fields(s), " ")
	const limit = 160
	if r := []rune(clean); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	if clean == "" {
		return "<empty>"
	}
	return clean
}

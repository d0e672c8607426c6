package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func completion(content string) map[string]any {
	return map[string]any{
		"model": "kimi",
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
}

func TestGenerateSendsChatRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.False(t, body.Stream)
		assert.Equal(t, "demo-model", body.Model)
		assert.Equal(t, 500, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		_ = json.NewEncoder(w).Encode(completion("  the analysis  "))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "key", Model: "demo-model", MaxTokens: 500})
	res, err := client.Generate(context.Background(), Request{Stage: domain.StageRequirements, System: "be brief", Prompt: "analyse"})
	require.NoError(t, err)
	assert.Equal(t, "the analysis", res.Content)
	assert.Equal(t, "kimi", res.Model)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if n == 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(completion("ok"))
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key"},
		WithRetry(3, 100*time.Millisecond, 5*time.Second),
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }),
	)
	res, err := client.Generate(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 2 * time.Second}, slept)
}

func TestGenerateMapsUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "bad"}, WithSleeper(func(time.Duration) {}))
	_, err := client.Generate(context.Background(), Request{Prompt: "go"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "401 is not retried")
}

func TestGenerateRateLimitedAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key"}, WithRetry(2, time.Millisecond, time.Millisecond), WithSleeper(func(time.Duration) {}))
	_, err := client.Generate(context.Background(), Request{Prompt: "go"})
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestGenerateRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key"}, WithRetry(1, 0, 0))
	_, err := client.Generate(context.Background(), Request{Prompt: "go"})
	assert.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestHealthUsesSingleToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 1, body.MaxTokens)
		_ = json.NewEncoder(w).Encode(completion("p"))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "key"})
	require.NoError(t, client.Health(context.Background()))

	noKey := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL})
	assert.True(t, errors.Is(noKey.Health(context.Background()), ErrUnauthorized))
}

func TestStaticStoriesDecompose(t *testing.T) {
	res, err := Static{Stories: 4}.Generate(context.Background(), Request{Stage: domain.StageStories, ProjectName: "Shop"})
	require.NoError(t, err)
	drafts := ParseStories(res.Content)
	require.Len(t, drafts, 4)
	assert.Equal(t, "Story 1 for Shop", drafts[0].Title)
	assert.NotEmpty(t, drafts[0].Body)

	_, err = Static{Err: errors.New("down")}.Generate(context.Background(), Request{})
	assert.Error(t, err)
}

func TestParseStoriesMarkdown(t *testing.T) {
	content := "Here are the stories:\n\n1. Login - As a user I sign in\n   with email\n2. **Checkout**: pay by card\n## Search\nfind products"
	drafts := ParseStories(content)
	require.Len(t, drafts, 3)
	assert.Equal(t, StoryDraft{Title: "Login", Body: "As a user I sign in\nwith email"}, drafts[0])
	assert.Equal(t, StoryDraft{Title: "Checkout", Body: "pay by card"}, drafts[1])
	assert.Equal(t, StoryDraft{Title: "Search", Body: "find products"}, drafts[2])
}

func TestParseStoriesFencedJSON(t *testing.T) {
	drafts := ParseStories("```json\n[{\"title\":\" A \",\"body\":\"b\"},{\"title\":\"\"}]\n```")
	assert.Equal(t, []StoryDraft{{Title: "A", Body: "b"}}, drafts)
}

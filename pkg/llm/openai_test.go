package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewOpenAI_Defaults(t *testing.T) {
	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Dimensions() != 3072 {
		t.Errorf("expected 3072 dims for default embed model, got %d", c.Dimensions())
	}
	if c.Name() != "openai" {
		t.Errorf("unexpected name %q", c.Name())
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("system prompt not prepended: %+v", req.Messages)
		}
		if req.Temperature == nil || *req.Temperature != 0.2 {
			t.Errorf("temperature not forwarded: %v", req.Temperature)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "42"}, "finish_reason": "stop"},
			},
			"model": "gpt-4o-mini",
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	temp := 0.2
	resp, err := c.Complete(context.Background(), &Prompt{
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: RoleUser, Content: "meaning of life?"}},
	}, &RequestOptions{Temperature: &temp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "42" {
		t.Errorf("expected 42, got %q", resp.Content)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 1 {
		t.Errorf("token usage not mapped: %+v", resp)
	}
}

func TestOpenAI_Embed_ReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{0, 1}, "index": 1},
				{"embedding": []float64{1, 0}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 2})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not reassembled by index: %v", vecs)
	}
}

func TestOpenAI_Embed_MissingVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{1, 0}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for missing vector")
	}
}

func TestOpenAI_Embed_EmptyInput(t *testing.T) {
	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("expected nil, nil for empty input, got %v, %v", vecs, err)
	}
}

func TestOpenAI_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limit exceeded"},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Embed(context.Background(), []string{"x"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", apiErr.Status)
	}
	if apiErr.Message != "rate limit exceeded" {
		t.Errorf("error envelope not extracted: %q", apiErr.Message)
	}
}

func TestOpenAI_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

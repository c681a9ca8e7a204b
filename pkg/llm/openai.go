package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the hosted OpenAI endpoint. Any API speaking the
// same protocol (Azure, vLLM, Ollama, Groq) works via OpenAIConfig.BaseURL.
const DefaultBaseURL = "https://api.openai.com/v1"

const (
	defaultChatModel  = "gpt-4o-mini"
	defaultEmbedModel = "text-embedding-3-large"
	defaultTimeout    = 120 * time.Second
)

// modelDimensions maps OpenAI embedding models to their native vector size.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string

	// Dimensions overrides the model's native vector size. Only the
	// text-embedding-3-* models accept an override.
	Dimensions int

	Timeout time.Duration
}

// OpenAI implements Provider against OpenAI-compatible chat and
// embeddings endpoints.
type OpenAI struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	dimensions int
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultEmbedModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	dims := cfg.Dimensions
	if dims == 0 {
		var ok bool
		dims, ok = modelDimensions[cfg.EmbedModel]
		if !ok {
			dims = 1536
		}
	}

	return &OpenAI{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		dimensions: dims,
	}, nil
}

func (c *OpenAI) Name() string { return "openai" }

// Dimensions returns the embedding vector size this client produces.
func (c *OpenAI) Dimensions() int { return c.dimensions }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Provider.
func (c *OpenAI) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	var msgs []chatMessage
	if prompt.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: string(RoleSystem), Content: prompt.SystemPrompt})
	}
	for _, m := range prompt.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody := chatRequest{
		Model:     c.chatModel,
		Messages:  msgs,
		MaxTokens: 4096,
	}
	if opts != nil {
		if opts.MaxTokens != nil {
			reqBody.MaxTokens = *opts.MaxTokens
		}
		reqBody.Temperature = opts.Temperature
		reqBody.TopP = opts.TopP
		if len(opts.StopSeqs) > 0 {
			reqBody.Stop = opts.StopSeqs
		}
	}

	body, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openai chat decode: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: no choices returned")
	}

	return &Response{
		Content:      result.Choices[0].Message.Content,
		Model:        result.Model,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		StopReason:   result.Choices[0].FinishReason,
	}, nil
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed implements Provider. The response items carry an index and may
// arrive in any order; the result is reassembled into input order.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := embedRequest{Model: c.embedModel, Input: texts}
	if c.embedModel == "text-embedding-3-small" || c.embedModel == "text-embedding-3-large" {
		reqBody.Dimensions = c.dimensions
	}

	body, err := c.post(ctx, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openai embed decode: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("openai embed: index %d out of range for %d inputs", d.Index, len(texts))
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("openai embed: missing vector for input %d", i)
		}
	}
	return out, nil
}

// Ping checks the API is reachable and the key is valid without
// running inference.
func (c *OpenAI) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, mustRead(resp.Body))
	}
	return nil
}

func (c *OpenAI) post(ctx context.Context, path string, reqBody any) ([]byte, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

// apiError extracts the error message envelope when present, falling
// back to the raw body.
func apiError(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return &APIError{Status: status, Message: msg}
}

func mustRead(r io.Reader) []byte {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return b
}

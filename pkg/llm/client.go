// Package llm provides the LLM provider client used by every pipeline
// stage: chat completion (batch and streaming), embeddings, a shared
// retry policy, and process-wide caches for embeddings and retry
// telemetry. The client is backed by an OpenAI-compatible API.
package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/henryperkins/veritas/pkg/models"
)

// CompleteRequest is a single chat completion call.
type CompleteRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	MaxTokens int
}

// CompleteResponse is the result of a completion call.
type CompleteResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one incremental piece of a streaming completion.
type StreamChunk struct {
	Content string
}

// Completer is the chat completion surface consumed by pipeline stages.
// Implemented by Client; tests substitute stubs.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error)
	CompleteStream(ctx context.Context, req CompleteRequest) (<-chan StreamChunk, <-chan error)
}

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client implements Completer and Embedder against an OpenAI-compatible
// endpoint. Safe for concurrent use by multiple sessions.
type Client struct {
	api            openai.Client
	retry          Policy
	embedModel     string
	embedCache     *EmbedCache
	retryTelemetry *RetryLog
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string // empty for the default endpoint
	EmbedModel string
	Retry      Policy
}

// LoadClientConfigFromEnv reads provider settings from the environment.
func LoadClientConfigFromEnv(retry Policy) ClientConfig {
	embedModel := os.Getenv("EMBEDDING_MODEL")
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	return ClientConfig{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		BaseURL:    os.Getenv("OPENAI_BASE_URL"),
		EmbedModel: embedModel,
		Retry:      retry,
	}
}

// NewClient creates a provider client. The API key may be empty when a
// local OpenAI-compatible endpoint is configured via BaseURL.
func NewClient(cfg ClientConfig) *Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		api:            openai.NewClient(opts...),
		retry:          cfg.Retry,
		embedModel:     cfg.EmbedModel,
		embedCache:     sharedEmbedCache,
		retryTelemetry: sharedRetryLog,
	}
}

// Complete performs a single chat completion with the shared retry policy.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	params := c.buildParams(req)

	var resp *openai.ChatCompletion
	err := c.retry.Do(ctx, c.retryTelemetry, "chat.complete", func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.api.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &CompleteResponse{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// CompleteStream performs a streaming chat completion. Chunks arrive in
// produced order on the first channel; at most one error arrives on the
// second. Both channels close when the stream ends.
//
// Streaming calls are not retried mid-stream: a failure after partial
// output surfaces as an error and the caller decides how to recover.
func (c *Client) CompleteStream(ctx context.Context, req CompleteRequest) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk)
	errs := make(chan error, 1)

	params := c.buildParams(req)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := c.api.Chat.Completions.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- StreamChunk{Content: delta}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("chat stream failed: %w", err)
		}
	}()

	return chunks, errs
}

// Embed returns embedding vectors for texts, serving repeats from the
// process-wide cache. Results are positionally aligned with the input.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Collect cache misses, preserving input positions.
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := c.embedCache.Get(c.embedModel, text); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	var resp *openai.CreateEmbeddingResponse
	err := c.retry.Do(ctx, c.retryTelemetry, "embeddings", func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: c.embedModel,
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: missTexts},
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	if len(resp.Data) != len(missTexts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(missTexts), len(resp.Data))
	}

	for j, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for k, v := range d.Embedding {
			vec[k] = float32(v)
		}
		out[missIdx[j]] = vec
		c.embedCache.Put(c.embedModel, missTexts[j], vec)
	}
	return out, nil
}

func (c *Client) buildParams(req CompleteRequest) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

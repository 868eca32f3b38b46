// Copyright 2024 The George QA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openai wraps the go-openai client with retries, error classification,
// streaming chat completions and embeddings.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/your-org/george-qa/internal/resilience"
	"go.uber.org/zap"
)

const (
	// DefaultChatModel is used when no chat model is configured
	DefaultChatModel = openai.GPT4o
	// DefaultEmbeddingModel is used when no embedding model is configured
	DefaultEmbeddingModel = openai.SmallEmbedding3
	// DefaultTimeout bounds a single HTTP exchange with the API
	DefaultTimeout = 60 * time.Second
)

// Config holds the client settings
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	// EmbeddingDimensions, when non-zero, is checked against every returned vector
	EmbeddingDimensions int
	Timeout             time.Duration
	Backoff             resilience.BackoffConfig
}

// Client wraps the go-openai client
type Client struct {
	client         *openai.Client
	streamClient   *openai.Client
	logger         *zap.Logger
	chatModel      string
	embeddingModel openai.EmbeddingModel
	dimensions     int
	backoff        resilience.BackoffConfig
}

// EmbeddingUsage tracks embedding API usage
type EmbeddingUsage struct {
	TokensUsed     int
	ProcessingTime time.Duration
}

// EmbeddingResponse represents the response from embedding operations
type EmbeddingResponse struct {
	Embeddings [][]float32
	Usage      EmbeddingUsage
}

// APIError is a classified error returned by the API
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("OpenAI API error (status %d): %s", e.StatusCode, e.Message)
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float32
	Model       string
}

// ChatCompletionResponse represents the response from a chat completion
type ChatCompletionResponse struct {
	Content      string
	FinishReason string
	Usage        openai.Usage
}

// StreamDelta is one piece of a streamed completion. A delta with Err set is the last
// value sent before the channel closes.
type StreamDelta struct {
	Content string
	Err     error
}

// NewClient creates a new OpenAI client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	// streamed bodies outlive the request timeout; only the wait for headers is bounded
	// here, the rest is bounded by the caller's context
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	sc := oc
	sc.HTTPClient = &http.Client{Transport: transport}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	embeddingModel := openai.EmbeddingModel(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	backoff := cfg.Backoff
	if backoff.RetryOnFunc == nil {
		backoff.RetryOnFunc = resilience.DefaultRetryOnFunc
	}

	logger.Info("OpenAI client initialized",
		zap.String("chat_model", chatModel),
		zap.String("embedding_model", string(embeddingModel)),
		zap.Int("max_retries", backoff.MaxRetries),
		zap.Duration("timeout", timeout))

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		streamClient:   openai.NewClientWithConfig(sc),
		logger:         logger,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		dimensions:     cfg.EmbeddingDimensions,
		backoff:        backoff,
	}, nil
}

// EmbedTexts generates embeddings for a batch of texts in one request
func (c *Client) EmbedTexts(ctx context.Context, texts []string) (*EmbeddingResponse, error) {
	if len(texts) == 0 {
		return &EmbeddingResponse{Embeddings: [][]float32{}}, nil
	}

	start := time.Now()
	var resp openai.EmbeddingResponse
	err := resilience.WithExponentialBackoff(ctx, c.logger, "embeddings", c.backoff, func(ctx context.Context) error {
		var err error
		resp, err = c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: c.embeddingModel,
		})
		return c.handleAPIError(err)
	})
	if err != nil {
		c.logger.Error("Failed to create embeddings",
			zap.Error(err),
			zap.Int("text_count", len(texts)))
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected response: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", d.Index, len(d.Embedding), c.dimensions)
		}
		embeddings[d.Index] = d.Embedding
	}

	c.logger.Debug("Embedding request completed",
		zap.Int("text_count", len(texts)),
		zap.Int("tokens_used", resp.Usage.PromptTokens),
		zap.Duration("processing_time", time.Since(start)))

	return &EmbeddingResponse{
		Embeddings: embeddings,
		Usage: EmbeddingUsage{
			TokensUsed:     resp.Usage.PromptTokens,
			ProcessingTime: time.Since(start),
		},
	}, nil
}

// EmbedQuery generates an embedding for a single text
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if query == "" {
		return nil, fmt.Errorf("query text cannot be empty")
	}
	resp, err := c.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// CreateChatCompletion creates a chat completion with retry logic
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	oreq := c.buildRequest(req)

	c.logger.Debug("Creating chat completion",
		zap.String("model", oreq.Model),
		zap.Int("max_tokens", oreq.MaxTokens),
		zap.Float64("temperature", float64(oreq.Temperature)),
		zap.Int("message_count", len(oreq.Messages)))

	var resp openai.ChatCompletionResponse
	err := resilience.WithExponentialBackoff(ctx, c.logger, "chat completion", c.backoff, func(ctx context.Context) error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, oreq)
		return c.handleAPIError(err)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from OpenAI")
	}

	c.logger.Debug("Chat completion successful",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &ChatCompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        resp.Usage,
	}, nil
}

// StreamChatCompletion opens a streaming completion. Opening the stream is retried;
// once tokens start flowing a failure is delivered as the final StreamDelta. The
// channel is closed when the stream ends or ctx is cancelled.
func (c *Client) StreamChatCompletion(ctx context.Context, req ChatCompletionRequest) (<-chan StreamDelta, error) {
	oreq := c.buildRequest(req)

	var stream *openai.ChatCompletionStream
	err := resilience.WithExponentialBackoff(ctx, c.logger, "chat completion stream", c.backoff, func(ctx context.Context) error {
		var err error
		stream, err = c.streamClient.CreateChatCompletionStream(ctx, oreq)
		return c.handleAPIError(err)
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		defer stream.Close()

		deltas := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				c.logger.Debug("Chat completion stream finished", zap.Int("delta_count", deltas))
				return
			}
			if err != nil {
				select {
				case out <- StreamDelta{Err: c.handleAPIError(err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}

			deltas++
			select {
			case out <- StreamDelta{Content: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Ping checks that the API accepts the configured credentials
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.ListModels(ctx)
	if err != nil {
		return c.handleAPIError(err)
	}
	return nil
}

func (c *Client) buildRequest(req ChatCompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.chatModel
	}
	// go-openai drops a zero temperature from the payload and the API then applies 1.0
	temperature := req.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
	}
}

// handleAPIError classifies API errors. Rate limits and server errors are retryable;
// everything else is marked permanent so the retry loop stops.
func (c *Client) handleAPIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}

	// transport failures are worth another attempt
	return fmt.Errorf("OpenAI client error: %w", err)
}

func classifyStatus(status int, message string) error {
	apiErr := &APIError{StatusCode: status, Message: message}
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		apiErr.Retryable = true
		return apiErr
	default:
		return resilience.Permanent(apiErr)
	}
}

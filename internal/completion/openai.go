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

package completion

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/sashabaranov/go-openai"
	qaopenai "github.com/your-org/george-qa/internal/openai"
	"github.com/your-org/george-qa/internal/qaerr"
	"go.uber.org/zap"
)

// ChatClient is the part of the OpenAI client the capability needs
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req qaopenai.ChatCompletionRequest) (*qaopenai.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req qaopenai.ChatCompletionRequest) (<-chan qaopenai.StreamDelta, error)
}

// Settings tune the QA operation
type Settings struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

type operation struct {
	def      promptDef
	template *template.Template
}

// OpenAICapability renders operation prompts and sends them to the chat API
type OpenAICapability struct {
	client     ChatClient
	settings   Settings
	operations map[Operation]operation
	logger     *zap.Logger
}

// NewOpenAICapability parses the operation prompts and binds them to client
func NewOpenAICapability(client ChatClient, settings Settings, logger *zap.Logger) (*OpenAICapability, error) {
	if client == nil {
		return nil, fmt.Errorf("chat client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ops := make(map[Operation]operation, len(prompts))
	for op, def := range prompts {
		tmpl, err := template.New(string(op)).Option("missingkey=error").Parse(def.user)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s prompt: %w", op, err)
		}
		ops[op] = operation{def: def, template: tmpl}
	}

	return &OpenAICapability{
		client:     client,
		settings:   settings,
		operations: ops,
		logger:     logger,
	}, nil
}

// Invoke runs op and returns the whole completion
func (c *OpenAICapability) Invoke(ctx context.Context, op Operation, args Arguments) (string, error) {
	req, err := c.buildRequest(op, args)
	if err != nil {
		return "", &qaerr.GenerationError{Operation: string(op), Err: err}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Error("Completion operation failed",
			zap.String("operation", string(op)),
			zap.Error(err))
		return "", &qaerr.GenerationError{Operation: string(op), Err: err}
	}

	c.logger.Debug("Completion operation finished",
		zap.String("operation", string(op)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)))

	return resp.Content, nil
}

// InvokeStream runs op and forwards the completion as it is produced
func (c *OpenAICapability) InvokeStream(ctx context.Context, op Operation, args Arguments) (<-chan Chunk, error) {
	req, err := c.buildRequest(op, args)
	if err != nil {
		return nil, &qaerr.GenerationError{Operation: string(op), Err: err}
	}

	deltas, err := c.client.StreamChatCompletion(ctx, req)
	if err != nil {
		c.logger.Error("Failed to open completion stream",
			zap.String("operation", string(op)),
			zap.Error(err))
		return nil, &qaerr.GenerationError{Operation: string(op), Err: err}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for d := range deltas {
			chunk := Chunk{Text: d.Content}
			if d.Err != nil {
				chunk = Chunk{Err: &qaerr.GenerationError{Operation: string(op), Err: d.Err}}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *OpenAICapability) buildRequest(op Operation, args Arguments) (qaopenai.ChatCompletionRequest, error) {
	o, ok := c.operations[op]
	if !ok {
		return qaopenai.ChatCompletionRequest{}, fmt.Errorf("unknown operation %q", op)
	}

	var sb strings.Builder
	if err := o.template.Execute(&sb, map[string]string(args)); err != nil {
		return qaopenai.ChatCompletionRequest{}, fmt.Errorf("failed to render %s prompt: %w", op, err)
	}

	req := qaopenai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.def.system},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		Model:       c.settings.Model,
		Temperature: o.def.temperature,
		MaxTokens:   o.def.maxTokens,
	}
	if o.def.useAnswerSettings {
		req.Temperature = c.settings.Temperature
		req.MaxTokens = c.settings.MaxTokens
	}
	return req, nil
}

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

// Package orchestrator answers one question per request. It checks the conversation
// history, falls back to knowledge base retrieval plus web search, generates the answer
// and reports the post-turn history in a final envelope.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/your-org/george-qa/internal/chathistory"
	"github.com/your-org/george-qa/internal/completion"
	"github.com/your-org/george-qa/internal/knowledge"
	"github.com/your-org/george-qa/internal/qaerr"
	"github.com/your-org/george-qa/internal/websearch"
	"go.uber.org/zap"
)

const (
	// DefaultName is the assistant name reported in envelopes
	DefaultName = "George"
	// NoAnswerVerdict is the history check result meaning "keep going"
	NoAnswerVerdict = "no answer"
	// DefaultFallbackMessage is streamed when the knowledge base has nothing relevant
	DefaultFallbackMessage = "I'm sorry, I couldn't find enough information in the knowledge base to answer that question."
)

// Path is the route a request took through the pipeline
type Path string

const (
	// PathShortCircuit means the answer came from the conversation history
	PathShortCircuit Path = "short_circuit"
	// PathFallback means nothing relevant was found in the knowledge base
	PathFallback Path = "fallback"
	// PathGenerate means the answer was generated from retrieved context
	PathGenerate Path = "generate"
)

// Decomposer produces knowledge base sub-queries and the web search query
type Decomposer interface {
	Decompose(ctx context.Context, query string, history chathistory.History) ([]string, error)
	RewriteForWebSearch(ctx context.Context, query string, history chathistory.History) (string, error)
}

// Retriever looks up one knowledge base record per sub-query
type Retriever interface {
	Retrieve(ctx context.Context, subQueries []string) ([]*knowledge.Record, error)
}

// Config tunes the orchestrator
type Config struct {
	Name             string
	FallbackMessage  string
	WebSearchResults int
}

// Request is one question
type Request struct {
	Query   string
	History chathistory.History
}

// Envelope is the final structured block of a response
type Envelope struct {
	Name             string             `json:"name"`
	Message          string             `json:"message"`
	KBResults        []knowledge.Record `json:"kb_results"`
	WebSearchResults websearch.Result   `json:"web_search_results"`
	ChatHistory      string             `json:"chat_history"`
}

// Result is the outcome of a request
type Result struct {
	Envelope Envelope
	Path     Path
	History  chathistory.History
}

// Event is one item of a streamed response: a prose token, or the final result or error
type Event struct {
	Token  string
	Result *Result
	Err    error
}

// Orchestrator runs the question answering pipeline
type Orchestrator struct {
	completion completion.Capability
	decomposer Decomposer
	retriever  Retriever
	search     websearch.Provider
	config     Config
	logger     *zap.Logger
}

// New creates an orchestrator
func New(capability completion.Capability, decomposer Decomposer, retriever Retriever,
	search websearch.Provider, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.FallbackMessage == "" {
		config.FallbackMessage = DefaultFallbackMessage
	}
	if config.WebSearchResults <= 0 {
		config.WebSearchResults = websearch.DefaultResults
	}

	return &Orchestrator{
		completion: capability,
		decomposer: decomposer,
		retriever:  retriever,
		search:     search,
		config:     config,
		logger:     logger,
	}
}

// Name returns the assistant name used in envelopes
func (o *Orchestrator) Name() string {
	return o.config.Name
}

// Ask answers req in one piece
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, nil)
}

// Stream answers req as a sequence of events: zero or more tokens, then exactly one
// event carrying either the Result or the error. The channel is closed afterwards.
// Cancelling ctx stops the pipeline; the final event may then be dropped.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		emit := func(token string) error {
			select {
			case events <- Event{Token: token}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		result, err := o.run(ctx, req, emit)
		select {
		case events <- Event{Result: result, Err: err}:
		case <-ctx.Done():
		}
	}()

	return events
}

type tokenSink func(token string) error

func (o *Orchestrator) run(ctx context.Context, req Request, emit tokenSink) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, qaerr.NewEmptyQueryError("query")
	}
	history := req.History
	if history == nil {
		history = chathistory.New()
	}

	start := time.Now()
	logger := o.logger.With(zap.String("query", query), zap.Bool("streaming", emit != nil))

	// CHECK_HISTORY
	verdict, err := o.completion.Invoke(ctx, completion.OpCheckHistory, completion.Arguments{
		completion.ArgQuery:   query,
		completion.ArgHistory: chathistory.Encode(history),
	})
	if err != nil {
		return nil, err
	}
	verdict = strings.TrimSpace(verdict)
	if verdict == "" {
		return nil, &qaerr.GenerationError{Operation: string(completion.OpCheckHistory), Err: fmt.Errorf("empty verdict")}
	}
	if !strings.EqualFold(verdict, NoAnswerVerdict) {
		logger.Info("Answered from conversation history", zap.Duration("duration", time.Since(start)))
		return o.finishWithText(PathShortCircuit, query, history, verdict, emit)
	}

	// RETRIEVE
	subQueries, err := o.decomposer.Decompose(ctx, query, history)
	if err != nil {
		return nil, err
	}
	retrieved, err := o.retriever.Retrieve(ctx, subQueries)
	if err != nil {
		return nil, err
	}
	records := knowledge.Dedupe(retrieved)
	logger.Debug("Knowledge base context assembled",
		zap.Int("sub_query_count", len(subQueries)),
		zap.Int("kb_result_count", len(records)))

	if len(records) == 0 {
		logger.Info("No knowledge base context, sending fallback", zap.Duration("duration", time.Since(start)))
		return o.finishWithText(PathFallback, query, history, o.config.FallbackMessage, emit)
	}

	webQuery, err := o.decomposer.RewriteForWebSearch(ctx, query, history)
	if err != nil {
		return nil, err
	}
	web, err := o.search.Search(ctx, webQuery, o.config.WebSearchResults)
	if err != nil {
		if qaerr.IsInvalidInput(err) {
			return nil, err
		}
		return nil, &qaerr.RetrievalError{Source: "web_search", Query: webQuery, Err: err}
	}
	if web == nil {
		empty := websearch.EmptyResult()
		web = &empty
	}
	if web.OrganicResult.References == nil {
		web.OrganicResult.References = []websearch.Reference{}
	}

	// GENERATE
	message, err := o.generate(ctx, query, records, *web, emit)
	if err != nil {
		return nil, err
	}

	logger.Info("Answer generated",
		zap.Int("kb_result_count", len(records)),
		zap.Int("web_reference_count", len(web.OrganicResult.References)),
		zap.Duration("duration", time.Since(start)))

	return o.finish(PathGenerate, query, history, message, records, *web), nil
}

func (o *Orchestrator) generate(ctx context.Context, query string, records []knowledge.Record,
	web websearch.Result, emit tokenSink) (string, error) {
	kbJSON, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode knowledge base context: %w", err)
	}
	webJSON, err := json.Marshal(web)
	if err != nil {
		return "", fmt.Errorf("failed to encode web search context: %w", err)
	}
	args := completion.Arguments{
		completion.ArgQuery:         query,
		completion.ArgKnowledgeBase: string(kbJSON),
		completion.ArgWebSearch:     string(webJSON),
	}

	if emit == nil {
		return o.completion.Invoke(ctx, completion.OpQA, args)
	}

	chunks, err := o.completion.InvokeStream(ctx, completion.OpQA, args)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Err != nil {
				return "", chunk.Err
			}
			if chunk.Text == "" {
				continue
			}
			sb.WriteString(chunk.Text)
			if err := emit(chunk.Text); err != nil {
				return "", err
			}
		}
	}
}

// finishWithText emits a fixed text word by word and completes the request
func (o *Orchestrator) finishWithText(path Path, query string, history chathistory.History,
	text string, emit tokenSink) (*Result, error) {
	if emit != nil {
		for _, word := range SplitWords(text) {
			if err := emit(word); err != nil {
				return nil, err
			}
		}
	}
	return o.finish(path, query, history, text, []knowledge.Record{}, websearch.EmptyResult()), nil
}

func (o *Orchestrator) finish(path Path, query string, history chathistory.History, message string,
	records []knowledge.Record, web websearch.Result) *Result {
	updated := history.AppendTurn(query, message)
	return &Result{
		Path:    path,
		History: updated,
		Envelope: Envelope{
			Name:             o.config.Name,
			Message:          message,
			KBResults:        records,
			WebSearchResults: web,
			ChatHistory:      chathistory.Encode(updated),
		},
	}
}

// SplitWords splits text into word tokens. Each token after the first carries the
// whitespace that preceded it, so concatenating the tokens gives back text exactly.
func SplitWords(text string) []string {
	var tokens []string
	start := 0
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if space && inWord {
			tokens = append(tokens, text[start:i])
			start = i
		}
		inWord = !space
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

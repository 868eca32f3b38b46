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

// Package decompose turns a user question into knowledge base sub-queries and a
// standalone web search query using the completion capability.
package decompose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/your-org/george-qa/internal/chathistory"
	"github.com/your-org/george-qa/internal/completion"
	"github.com/your-org/george-qa/internal/qaerr"
	"go.uber.org/zap"
)

// Decomposer wraps the BreakDownQuery and RegenerateQuery operations
type Decomposer struct {
	capability completion.Capability
	logger     *zap.Logger
}

// New creates a decomposer
func New(capability completion.Capability, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{capability: capability, logger: logger}
}

// Decompose returns the sub-queries for query. Sub-queries are trimmed and blanks are
// dropped; duplicates are kept. An empty list is a valid result.
func (d *Decomposer) Decompose(ctx context.Context, query string, history chathistory.History) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, qaerr.NewEmptyQueryError("query")
	}

	out, err := d.capability.Invoke(ctx, completion.OpBreakDownQuery, completion.Arguments{
		completion.ArgQuery:   query,
		completion.ArgHistory: chathistory.Encode(history),
	})
	if err != nil {
		return nil, err
	}

	subQueries, err := ParseSubQueries(out)
	if err != nil {
		d.logger.Warn("Query decomposition returned malformed output",
			zap.String("output", truncate(out, 200)),
			zap.Error(err))
		return nil, err
	}

	d.logger.Debug("Query decomposed",
		zap.String("query", query),
		zap.Int("sub_query_count", len(subQueries)))
	return subQueries, nil
}

// RewriteForWebSearch returns a standalone search query for query
func (d *Decomposer) RewriteForWebSearch(ctx context.Context, query string, history chathistory.History) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", qaerr.NewEmptyQueryError("query")
	}

	out, err := d.capability.Invoke(ctx, completion.OpRegenerateQuery, completion.Arguments{
		completion.ArgQuery:   query,
		completion.ArgHistory: chathistory.Encode(history),
	})
	if err != nil {
		return "", err
	}

	rewritten, err := ParseRewrittenQuery(out)
	if err != nil {
		return "", err
	}

	d.logger.Debug("Query rewritten for web search",
		zap.String("query", query),
		zap.String("web_query", rewritten))
	return rewritten, nil
}

// ParseSubQueries reads {"recomposed_queries": [...]} from raw completion output. A
// surrounding markdown code fence is tolerated.
func ParseSubQueries(raw string) ([]string, error) {
	body := stripCodeFence(raw)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, &qaerr.MalformedDecompositionError{Operation: string(completion.OpBreakDownQuery), Output: raw, Err: err}
	}

	field, ok := doc["recomposed_queries"]
	if !ok || bytes.Equal(bytes.TrimSpace(field), []byte("null")) {
		return nil, &qaerr.MalformedDecompositionError{
			Operation: string(completion.OpBreakDownQuery),
			Output:    raw,
			Err:       fmt.Errorf("missing recomposed_queries field"),
		}
	}

	var queries []string
	if err := json.Unmarshal(field, &queries); err != nil {
		return nil, &qaerr.MalformedDecompositionError{Operation: string(completion.OpBreakDownQuery), Output: raw, Err: err}
	}

	subQueries := make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			subQueries = append(subQueries, q)
		}
	}
	return subQueries, nil
}

// ParseRewrittenQuery accepts either plain text or {"query": "..."}
func ParseRewrittenQuery(raw string) (string, error) {
	body := stripCodeFence(raw)

	if strings.HasPrefix(body, "{") {
		var doc struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return "", &qaerr.MalformedDecompositionError{Operation: string(completion.OpRegenerateQuery), Output: raw, Err: err}
		}
		body = doc.Query
	}

	query := strings.TrimSpace(strings.Trim(strings.TrimSpace(body), `"`))
	if query == "" {
		return "", &qaerr.MalformedDecompositionError{
			Operation: string(completion.OpRegenerateQuery),
			Output:    raw,
			Err:       fmt.Errorf("empty rewritten query"),
		}
	}
	return query, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// drop the opening fence line, which may carry a language tag
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

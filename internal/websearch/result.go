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

// Package websearch defines the normalized web search result, the provider contract
// and a SerpApi-backed Bing provider.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/your-org/george-qa/internal/qaerr"
)

const (
	// MinResults is the smallest result count a provider accepts
	MinResults = 1
	// MaxResults is the largest result count a provider accepts
	MaxResults = 49
	// DefaultResults is the number of references requested per question
	DefaultResults = 3
)

// Reference is one cited web page. No is 1-based and matches the [n] markers in the answer.
type Reference struct {
	No      int    `json:"no"`
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// OrganicResult is the synthesized answer and its references
type OrganicResult struct {
	Answer     string      `json:"answer"`
	References []Reference `json:"references"`
}

// Result is the normalized web search result
type Result struct {
	OrganicResult OrganicResult `json:"organic_result"`
}

// EmptyResult is the result used when no web search was performed
func EmptyResult() Result {
	return Result{OrganicResult: OrganicResult{Answer: "", References: []Reference{}}}
}

// Provider performs web searches
type Provider interface {
	Search(ctx context.Context, query string, numResults int) (*Result, error)
}

// ValidateRequest checks a search request before any provider call
func ValidateRequest(query string, numResults int) error {
	if strings.TrimSpace(query) == "" {
		return qaerr.NewEmptyQueryError("web_search.query")
	}
	if numResults < MinResults || numResults > MaxResults {
		return &qaerr.InvalidInputError{
			Field:  "web_search.num_results",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinResults, MaxResults, numResults),
			Err:    qaerr.ErrResultCountOutOfRange,
		}
	}
	return nil
}

// ParseResult decodes a provider's raw JSON text into a Result
func ParseResult(text string) (*Result, error) {
	var doc struct {
		OrganicResult *OrganicResult `json:"organic_result"`
	}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse web search result: %w", err)
	}
	if doc.OrganicResult == nil {
		return nil, fmt.Errorf("web search result is missing organic_result")
	}
	if doc.OrganicResult.References == nil {
		doc.OrganicResult.References = []Reference{}
	}
	for i, ref := range doc.OrganicResult.References {
		if ref.No < 1 {
			return nil, fmt.Errorf("web search reference %d has invalid number %d", i, ref.No)
		}
	}
	return &Result{OrganicResult: *doc.OrganicResult}, nil
}

// TextProvider is a provider that returns its result as raw JSON text
type TextProvider interface {
	SearchText(ctx context.Context, query string, numResults int) (string, error)
}

type textAdapter struct {
	p TextProvider
}

// FromText adapts a TextProvider into a Provider by parsing its output
func FromText(p TextProvider) Provider {
	return textAdapter{p: p}
}

func (a textAdapter) Search(ctx context.Context, query string, numResults int) (*Result, error) {
	if err := ValidateRequest(query, numResults); err != nil {
		return nil, err
	}
	text, err := a.p.SearchText(ctx, query, numResults)
	if err != nil {
		return nil, err
	}
	return ParseResult(text)
}

var citationMarker = regexp.MustCompile(`\[\d+\](\s*\.)?`)

// CleanSnippet removes citation markers such as "[3]" or "[3] ." from a snippet
func CleanSnippet(snippet string) string {
	return strings.TrimSpace(citationMarker.ReplaceAllString(snippet, ""))
}

// BuildAnswer joins the cleaned snippets, each followed by its [n] marker
func BuildAnswer(refs []Reference) string {
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		parts = append(parts, fmt.Sprintf("%s[%d]", CleanSnippet(ref.Snippet), ref.No))
	}
	return strings.Join(parts, " ")
}

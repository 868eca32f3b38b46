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

package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/your-org/george-qa/internal/resilience"
	"go.uber.org/zap"
)

const (
	// DefaultSerpAPIURL is the SerpApi endpoint
	DefaultSerpAPIURL = "https://serpapi.com"
	// DefaultEngine is the SerpApi engine used for searches
	DefaultEngine  = "bing"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 1024
)

// SerpAPIConfig holds the SerpApi provider settings
type SerpAPIConfig struct {
	APIKey  string
	BaseURL string
	Engine  string
	Timeout time.Duration
	Backoff resilience.BackoffConfig
	Breaker resilience.CircuitBreakerConfig
}

// SerpAPIProvider searches the web through SerpApi
type SerpAPIProvider struct {
	apiKey     string
	baseURL    string
	engine     string
	timeout    time.Duration
	httpClient *http.Client
	backoff    resilience.BackoffConfig
	breaker    *resilience.CircuitBreaker
	logger     *zap.Logger
}

type serpAPIResponse struct {
	Error          string `json:"error"`
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

// NewSerpAPIProvider creates a SerpApi provider
func NewSerpAPIProvider(cfg SerpAPIConfig, logger *zap.Logger) (*SerpAPIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SerpApi API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSerpAPIURL
	}
	if cfg.Engine == "" {
		cfg.Engine = DefaultEngine
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig("web_search")
	}

	return &SerpAPIProvider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		engine:     cfg.Engine,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		backoff:    cfg.Backoff,
		breaker:    resilience.NewCircuitBreaker(cfg.Breaker, logger),
		logger:     logger,
	}, nil
}

// Search returns up to numResults references and the answer built from their snippets
func (p *SerpAPIProvider) Search(ctx context.Context, query string, numResults int) (*Result, error) {
	if err := ValidateRequest(query, numResults); err != nil {
		return nil, err
	}

	p.logger.Info("Web search requested",
		zap.String("query", query),
		zap.Int("num_results", numResults),
		zap.String("engine", p.engine))

	var body serpAPIResponse
	err := resilience.WithExponentialBackoff(ctx, p.logger, "web search", p.backoff, func(ctx context.Context) error {
		err := p.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.WithTimeout(ctx, p.timeout, p.logger, "web search", func(ctx context.Context) error {
				var err error
				body, err = p.fetch(ctx, query)
				return err
			})
		})
		if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		p.logger.Error("Web search failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}

	results := body.OrganicResults
	if len(results) > numResults {
		results = results[:numResults]
	}
	refs := make([]Reference, 0, len(results))
	for i, r := range results {
		refs = append(refs, Reference{No: i + 1, Title: r.Title, Link: r.Link, Snippet: r.Snippet})
	}

	result := &Result{OrganicResult: OrganicResult{Answer: BuildAnswer(refs), References: refs}}
	p.logger.Debug("Web search completed",
		zap.String("query", query),
		zap.Int("reference_count", len(refs)))
	return result, nil
}

// Stats exposes the circuit breaker state for health reporting
func (p *SerpAPIProvider) Stats() resilience.CircuitBreakerStats {
	return p.breaker.GetStats()
}

func (p *SerpAPIProvider) fetch(ctx context.Context, query string) (serpAPIResponse, error) {
	params := url.Values{}
	params.Set("engine", p.engine)
	params.Set("q", query)
	params.Set("api_key", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search.json?"+params.Encode(), nil)
	if err != nil {
		return serpAPIResponse{}, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return serpAPIResponse{}, fmt.Errorf("SerpApi request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("SerpApi returned status %d: %s", resp.StatusCode, string(msg))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return serpAPIResponse{}, err
		}
		return serpAPIResponse{}, resilience.Permanent(err)
	}

	var body serpAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return serpAPIResponse{}, resilience.Permanent(fmt.Errorf("failed to decode SerpApi response: %w", err))
	}
	if body.Error != "" && len(body.OrganicResults) == 0 {
		// SerpApi reports "no results" through the error field with a 200
		p.logger.Debug("SerpApi returned no results", zap.String("message", body.Error))
	}
	return body, nil
}

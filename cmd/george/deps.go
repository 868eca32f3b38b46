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

package main

import (
	"context"
	"fmt"

	"github.com/your-org/george-qa/internal/chroma"
	"github.com/your-org/george-qa/internal/completion"
	"github.com/your-org/george-qa/internal/config"
	"github.com/your-org/george-qa/internal/decompose"
	"github.com/your-org/george-qa/internal/health"
	"github.com/your-org/george-qa/internal/ingest"
	"github.com/your-org/george-qa/internal/knowledge"
	"github.com/your-org/george-qa/internal/metadata"
	"github.com/your-org/george-qa/internal/openai"
	"github.com/your-org/george-qa/internal/orchestrator"
	"github.com/your-org/george-qa/internal/resilience"
	"github.com/your-org/george-qa/internal/websearch"
	"go.uber.org/zap"
)

// dependencies holds the initialized service components
type dependencies struct {
	OpenAI       *openai.Client
	Store        *chroma.Store
	Ledger       *metadata.Store
	Coordinator  *ingest.Coordinator
	WebSearch    *websearch.SerpAPIProvider
	SearchCache  *websearch.Cache
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Manager

	logger *zap.Logger
}

// Close releases the ledger database
func (d *dependencies) Close() {
	if d.Ledger == nil {
		return
	}
	if err := d.Ledger.Close(); err != nil {
		d.logger.Warn("Failed to close metadata store", zap.Error(err))
	}
}

func backoffConfig(maxRetries int) resilience.BackoffConfig {
	backoff := resilience.DefaultBackoffConfig()
	backoff.MaxRetries = maxRetries
	return backoff
}

// initializeIngestDependencies builds what the ingest command needs: embeddings, the
// vector store, the ledger and the coordinator.
func initializeIngestDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	logger.Info("Initializing ingestion dependencies")

	openaiClient, err := openai.NewClient(openai.Config{
		APIKey:              cfg.OpenAI.APIKey,
		BaseURL:             cfg.OpenAI.Endpoint,
		ChatModel:           cfg.OpenAI.ChatModel,
		EmbeddingModel:      cfg.OpenAI.EmbeddingModel,
		EmbeddingDimensions: cfg.OpenAI.EmbeddingDimensions,
		Timeout:             cfg.OpenAI.Timeout,
		Backoff:             backoffConfig(cfg.OpenAI.MaxRetries),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}

	chromaClient := chroma.NewClient(chroma.Config{
		BaseURL: cfg.Chroma.URL,
		Timeout: cfg.Chroma.Timeout,
		Backoff: backoffConfig(cfg.Chroma.MaxRetries),
	}, logger)
	store := chroma.NewStore(chromaClient, openaiClient, logger)

	ledger, err := metadata.NewStore(cfg.Metadata.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata store: %w", err)
	}

	coordinator := ingest.NewCoordinator(store, ledger, ingest.Config{
		Collection:     cfg.Chroma.CollectionName,
		MaxConcurrency: cfg.Ingest.MaxConcurrency,
	}, logger)

	return &dependencies{
		OpenAI:      openaiClient,
		Store:       store,
		Ledger:      ledger,
		Coordinator: coordinator,
		logger:      logger,
	}, nil
}

// initializeDependencies builds the full service: ingestion components plus the question
// answering pipeline and health checks.
func initializeDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps, err := initializeIngestDependencies(cfg, logger)
	if err != nil {
		return nil, err
	}

	capability, err := completion.NewOpenAICapability(deps.OpenAI, completion.Settings{
		Model:       cfg.OpenAI.ChatModel,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: float32(cfg.OpenAI.Temperature),
	}, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize completion capability: %w", err)
	}

	breaker := resilience.DefaultCircuitBreakerConfig("web_search")
	if cfg.WebSearch.BreakerMaxFailures > 0 {
		breaker.MaxFailures = cfg.WebSearch.BreakerMaxFailures
	}
	if cfg.WebSearch.BreakerResetTimeout > 0 {
		breaker.ResetTimeout = cfg.WebSearch.BreakerResetTimeout
	}
	searchProvider, err := websearch.NewSerpAPIProvider(websearch.SerpAPIConfig{
		APIKey:  cfg.WebSearch.APIKey,
		BaseURL: cfg.WebSearch.Endpoint,
		Engine:  cfg.WebSearch.Engine,
		Timeout: cfg.WebSearch.Timeout,
		Backoff: backoffConfig(cfg.WebSearch.MaxRetries),
		Breaker: breaker,
	}, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize web search: %w", err)
	}
	deps.WebSearch = searchProvider

	var search websearch.Provider = searchProvider
	if cfg.WebSearch.CacheTTL > 0 {
		deps.SearchCache = websearch.NewCache(searchProvider, cfg.WebSearch.CacheTTL, logger)
		search = websearch.FromText(deps.SearchCache)
	}

	retriever := knowledge.NewRetriever(deps.Store, cfg.Chroma.CollectionName, cfg.Retrieval.MinRelevanceScore, logger)
	deps.Orchestrator = orchestrator.New(capability, decompose.New(capability, logger), retriever, search,
		orchestrator.Config{
			Name:             cfg.Server.AssistantName,
			FallbackMessage:  cfg.Retrieval.FallbackMessage,
			WebSearchResults: cfg.WebSearch.MaxResults,
		}, logger)

	deps.Health = setupHealthChecks(cfg, deps, logger)

	logger.Info("Service dependencies initialized successfully")
	return deps, nil
}

// setupHealthChecks registers the store and ledger as critical dependencies; the language
// model and the web search breaker only degrade the service.
func setupHealthChecks(cfg *config.Config, deps *dependencies, logger *zap.Logger) *health.Manager {
	manager := health.NewManager(serviceName, version, cfg.Environment, logger)
	if cfg.Server.HealthTimeout > 0 {
		manager.SetTimeout(cfg.Server.HealthTimeout)
	}

	manager.AddChecker("chroma", health.ExternalServiceHealthChecker("chroma", deps.Store.Ping))
	manager.AddChecker("metadata", health.DatabaseHealthChecker("sqlite", deps.Ledger.Ping))
	if deps.OpenAI != nil {
		manager.AddOptionalChecker("openai", health.ExternalServiceHealthChecker("openai", deps.OpenAI.Ping))
	}
	if deps.WebSearch != nil {
		manager.AddOptionalChecker("web_search", health.CircuitBreakerHealthChecker(deps.WebSearch.Stats))
	}
	if deps.SearchCache != nil {
		cache := deps.SearchCache
		manager.AddOptionalChecker("web_search_cache", health.CheckerFunc(func(_ context.Context) health.CheckResult {
			return health.CheckResult{
				Status:   health.StatusHealthy,
				Metadata: map[string]interface{}{"entries": cache.Len()},
			}
		}))
	}
	return manager
}

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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// clearEnv blanks the variables the loader reads so the host environment cannot leak in
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_PATH", "ENVIRONMENT", "ENV", "OPENAI_API_KEY", "OPENAI_ENDPOINT", "OPENAI_MODEL",
		"SERPAPI_API_KEY", "CHROMA_URL", "METADATA_DB_PATH", "CORPUS_PATH", "PORT",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT", "API_KEY_1", "API_KEY_2", "CORS_ORIGINS",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func validConfig() Config {
	return Config{
		Environment: "test",
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8080},
		OpenAI:      OpenAIConfig{APIKey: "sk-test-key", MaxTokens: 1000, Temperature: 0.3},
		Chroma:      ChromaConfig{URL: "http://chromadb:8000", CollectionName: "georgekb"},
		Retrieval:   RetrievalConfig{MinRelevanceScore: 0.6},
		WebSearch:   WebSearchConfig{APIKey: "serp-key", MaxResults: 3},
		Ingest:      IngestConfig{MaxConcurrency: 5},
		Metadata:    MetadataConfig{DBPath: "./ledger.db"},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
environment: production
server:
  port: 9090
  assistant_name: "Georgina"
  write_timeout: 2m
openai:
  apikey: "sk-test-key"  # pragma: allowlist secret
  chat_model: "gpt-4o-mini"
  temperature: 0.2
chroma:
  url: "http://localhost:8000"
  collection_name: "podcasts"
retrieval:
  min_relevance_score: 0.75
websearch:
  apikey: "serp-test-key"  # pragma: allowlist secret
  max_results: 5
ingest:
  max_concurrency: 8
security:
  api_keys: ["key-one", " "]
  cors_origins: ["https://george.example.com"]
  rate_limit:
    requests_per_minute: 60
logging:
  level: "debug"
  format: "text"
`)

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Environment != "production" {
		t.Errorf("Expected environment 'production', got '%s'", config.Environment)
	}
	if config.Server.Address() != "0.0.0.0:9090" {
		t.Errorf("Expected address '0.0.0.0:9090', got '%s'", config.Server.Address())
	}
	if config.Server.WriteTimeout != 2*time.Minute {
		t.Errorf("Expected write timeout 2m, got %v", config.Server.WriteTimeout)
	}
	if config.Server.AssistantName != "Georgina" {
		t.Errorf("Expected assistant name 'Georgina', got '%s'", config.Server.AssistantName)
	}
	if config.OpenAI.Temperature != 0.2 {
		t.Errorf("Expected temperature 0.2, got %f", config.OpenAI.Temperature)
	}
	if config.Retrieval.MinRelevanceScore != 0.75 {
		t.Errorf("Expected min_relevance_score 0.75, got %f", config.Retrieval.MinRelevanceScore)
	}
	if config.Chroma.CollectionName != "podcasts" {
		t.Errorf("Expected collection 'podcasts', got '%s'", config.Chroma.CollectionName)
	}
	assert.Equal(t, 8, config.Ingest.MaxConcurrency)
	assert.Equal(t, []string{"key-one"}, config.Security.APIKeys)
	assert.Equal(t, []string{"https://george.example.com"}, config.Security.CORSOrigins)
	assert.Equal(t, 60, config.Security.RateLimit.RequestsPerMinute)
	assert.Equal(t, 5*time.Second, config.Server.HealthTimeout)
	assert.False(t, config.IsDevelopment())
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
openai:
  apikey: "sk-default-key"
websearch:
  apikey: "serp-default"
chroma:
  url: "http://default:8000"
logging:
  level: "info"
`)

	t.Setenv("OPENAI_API_KEY", "sk-env-key")
	t.Setenv("SERPAPI_API_KEY", "serp-env-key")
	t.Setenv("CHROMA_URL", "http://env-chroma:8000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "7070")
	t.Setenv("API_KEY_1", "first")
	t.Setenv("API_KEY_2", "second")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("GEORGE_INGEST_MAX_CONCURRENCY", "3")

	config, err := Load(configPath)
	require.NoError(t, err)

	if config.OpenAI.APIKey != "sk-env-key" {
		t.Errorf("Expected OpenAI API key from env 'sk-env-key', got '%s'", config.OpenAI.APIKey)
	}
	if config.WebSearch.APIKey != "serp-env-key" {
		t.Errorf("Expected SerpApi key from env 'serp-env-key', got '%s'", config.WebSearch.APIKey)
	}
	if config.Chroma.URL != "http://env-chroma:8000" {
		t.Errorf("Expected Chroma URL from env, got '%s'", config.Chroma.URL)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected log level from env 'debug', got '%s'", config.Logging.Level)
	}
	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, []string{"first", "second"}, config.Security.APIKeys)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, config.Security.CORSOrigins)
	assert.Equal(t, 3, config.Ingest.MaxConcurrency)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		opts          LoadOptions
		errorContains string
	}{
		{name: "Valid configuration", mutate: func(*Config) {}},
		{
			name:          "Missing OpenAI key",
			mutate:        func(c *Config) { c.OpenAI.APIKey = "" },
			errorContains: "openai.apikey",
		},
		{
			name:          "Missing SerpApi key",
			mutate:        func(c *Config) { c.WebSearch.APIKey = "" },
			errorContains: "websearch.apikey",
		},
		{
			name:   "Missing SerpApi key allowed when web search is skipped",
			mutate: func(c *Config) { c.WebSearch.APIKey = "" },
			opts:   LoadOptions{SkipWebSearch: true},
		},
		{
			name:          "Relevance above 1",
			mutate:        func(c *Config) { c.Retrieval.MinRelevanceScore = 1.5 },
			errorContains: "retrieval.min_relevance_score",
		},
		{
			name:          "Too many web results",
			mutate:        func(c *Config) { c.WebSearch.MaxResults = 50 },
			errorContains: "websearch.max_results",
		},
		{
			name:          "Zero web results",
			mutate:        func(c *Config) { c.WebSearch.MaxResults = 0 },
			errorContains: "websearch.max_results",
		},
		{
			name:          "Zero ingest concurrency",
			mutate:        func(c *Config) { c.Ingest.MaxConcurrency = 0 },
			errorContains: "ingest.max_concurrency",
		},
		{
			name:          "Bad port",
			mutate:        func(c *Config) { c.Server.Port = 70000 },
			errorContains: "server.port",
		},
		{
			name:          "Bad temperature",
			mutate:        func(c *Config) { c.OpenAI.Temperature = 3 },
			errorContains: "openai.temperature",
		},
		{
			name:          "Bad log level",
			mutate:        func(c *Config) { c.Logging.Level = "verbose" },
			errorContains: "logging.level",
		},
		{
			name:          "Bad log format",
			mutate:        func(c *Config) { c.Logging.Format = "xml" },
			errorContains: "logging.format",
		},
		{
			name:          "Ledger directory missing",
			mutate:        func(c *Config) { c.Metadata.DBPath = "/does/not/exist/ledger.db" },
			errorContains: "ledger database directory does not exist",
		},
		{
			name:          "Negative rate limit",
			mutate:        func(c *Config) { c.Security.RateLimit.Burst = -1 },
			errorContains: "security.rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := validateConfig(&config, tt.opts)
			if tt.errorContains == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s', got none", tt.errorContains)
			}
			if !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error containing '%s', got: %v", tt.errorContains, err)
			}
		})
	}
}

func TestValidationAggregatesErrors(t *testing.T) {
	config := validConfig()
	config.OpenAI.APIKey = ""
	config.Logging.Level = "loud"

	err := validateConfig(&config, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai.apikey")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestMaskSensitiveValues(t *testing.T) {
	config := validConfig()
	config.OpenAI.APIKey = "sk-1234567890abcdef"
	config.WebSearch.APIKey = "serp1234567890"
	config.Security.APIKeys = []string{"ingest-key-123456", "short"}

	masked := config.MaskSensitiveValues()

	if masked.OpenAI.APIKey != "sk-12345***********" {
		t.Errorf("Expected masked OpenAI key, got '%s'", masked.OpenAI.APIKey)
	}
	if masked.WebSearch.APIKey != "serp1234******" {
		t.Errorf("Expected masked SerpApi key, got '%s'", masked.WebSearch.APIKey)
	}
	assert.Equal(t, []string{"ingest-k*********", "*****"}, masked.Security.APIKeys)

	// the receiver is untouched
	assert.Equal(t, "sk-1234567890abcdef", config.OpenAI.APIKey)
	assert.Equal(t, "ingest-key-123456", config.Security.APIKeys[0])
}

func TestConfigPathEnvironmentVariable(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
openai:
  apikey: "sk-custom-key"
websearch:
  apikey: "serp-custom"
`)
	t.Setenv("CONFIG_PATH", configPath)

	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.OpenAI.APIKey != "sk-custom-key" {
		t.Errorf("Expected OpenAI API key from custom config 'sk-custom-key', got '%s'", config.OpenAI.APIKey)
	}
}

func TestConfigPathMissing(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config file does not exist")

	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "also-nope.yaml"))
	_, err = Load("")
	assert.ErrorContains(t, err, "CONFIG_PATH")
}

func TestLoadWithoutConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env-only")
	t.Setenv("SERPAPI_API_KEY", "serp-env-only")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-env-only", config.OpenAI.APIKey)
	assert.Equal(t, "development", config.Environment)
	assert.True(t, config.IsDevelopment())
}

func TestLoadWithOptions(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
openai:
  apikey: ""
`)

	config, err := LoadWithOptions(LoadOptions{ConfigPath: configPath, ValidateRequired: false})
	if err != nil {
		t.Fatalf("Failed to load config with options: %v", err)
	}
	if config.OpenAI.APIKey != "" {
		t.Errorf("Expected empty OpenAI API key, got '%s'", config.OpenAI.APIKey)
	}

	_, err = LoadWithOptions(LoadOptions{ConfigPath: configPath, ValidateRequired: true})
	if err == nil {
		t.Error("Expected validation error for missing API key, but got none")
	}
}

func TestDefaultValues(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
openai:
  apikey: "sk-test-key"  # pragma: allowlist secret
websearch:
  apikey: "serp-test-key"  # pragma: allowlist secret
`)

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.OpenAI.Endpoint != "https://api.openai.com/v1" {
		t.Errorf("Expected default OpenAI endpoint, got '%s'", config.OpenAI.Endpoint)
	}
	if config.Chroma.URL != "http://chromadb:8000" {
		t.Errorf("Expected default Chroma URL 'http://chromadb:8000', got '%s'", config.Chroma.URL)
	}
	if config.Chroma.CollectionName != "georgekb" {
		t.Errorf("Expected default collection name 'georgekb', got '%s'", config.Chroma.CollectionName)
	}
	if config.Retrieval.MinRelevanceScore != 0.6 {
		t.Errorf("Expected default min_relevance_score 0.6, got %f", config.Retrieval.MinRelevanceScore)
	}
	if config.WebSearch.MaxResults != 3 {
		t.Errorf("Expected default max_results 3, got %d", config.WebSearch.MaxResults)
	}
	if config.WebSearch.Engine != "bing" {
		t.Errorf("Expected default engine 'bing', got '%s'", config.WebSearch.Engine)
	}
	if config.Ingest.MaxConcurrency != 5 {
		t.Errorf("Expected default max_concurrency 5, got %d", config.Ingest.MaxConcurrency)
	}
	if config.Server.AssistantName != "George" {
		t.Errorf("Expected default assistant name 'George', got '%s'", config.Server.AssistantName)
	}
	if config.OpenAI.Timeout != 60*time.Second {
		t.Errorf("Expected default OpenAI timeout 60s, got %v", config.OpenAI.Timeout)
	}
	if config.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got '%s'", config.Logging.Level)
	}
}

func TestGetEnvironment(t *testing.T) {
	clearEnv(t)

	if env := getEnvironment(); env != "development" {
		t.Errorf("Expected default environment 'development', got '%s'", env)
	}

	t.Setenv("ENV", "staging")
	if env := getEnvironment(); env != "staging" {
		t.Errorf("Expected environment 'staging', got '%s'", env)
	}

	t.Setenv("ENVIRONMENT", "production")
	if env := getEnvironment(); env != "production" {
		t.Errorf("Expected environment 'production', got '%s'", env)
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError{Field: "test.field", Message: "test error message"}

	expected := "configuration validation failed for field 'test.field': test error message"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
}

func TestMaskValue(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"abc", "***"},
		{"12345678", "********"},
		{"123456789", "12345678*"},
	}
	for _, tt := range tests {
		if got := maskValue(tt.input); got != tt.expected {
			t.Errorf("maskValue(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestWatchConfig(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, `
openai:
  apikey: "sk-test-key"
websearch:
  apikey: "serp-test-key"
logging:
  level: "info"
`)

	reloaded := make(chan *Config, 4)
	err := WatchConfig(LoadOptions{ConfigPath: configPath, ValidateRequired: true}, zap.NewNop(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(configPath, []byte(`
openai:
  apikey: "sk-test-key"
websearch:
  apikey: "serp-test-key"
logging:
  level: "debug"
`), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, "debug", c.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Skip("file change notification not delivered on this platform")
	}
}

func TestWatchConfigRequiresFile(t *testing.T) {
	clearEnv(t)
	err := WatchConfig(LoadOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}, nil, func(*Config) {})
	assert.Error(t, err)
}

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

// Package config loads the service configuration from file and environment
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes the automatic environment overrides, e.g. GEORGE_SERVER_PORT
const EnvPrefix = "GEORGE"

// Config represents the complete application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	OpenAI      OpenAIConfig    `mapstructure:"openai"`
	Chroma      ChromaConfig    `mapstructure:"chroma"`
	Retrieval   RetrievalConfig `mapstructure:"retrieval"`
	WebSearch   WebSearchConfig `mapstructure:"websearch"`
	Ingest      IngestConfig    `mapstructure:"ingest"`
	Metadata    MetadataConfig  `mapstructure:"metadata"`
	Security    SecurityConfig  `mapstructure:"security"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AssistantName   string        `mapstructure:"assistant_name"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// HealthTimeout bounds one run of all dependency checks
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey              string        `mapstructure:"apikey"`
	Endpoint            string        `mapstructure:"endpoint"`
	ChatModel           string        `mapstructure:"chat_model"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Temperature         float64       `mapstructure:"temperature"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
}

// ChromaConfig contains ChromaDB configuration
type ChromaConfig struct {
	URL            string        `mapstructure:"url"`
	CollectionName string        `mapstructure:"collection_name"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// RetrievalConfig contains retrieval-specific settings
type RetrievalConfig struct {
	MinRelevanceScore float64 `mapstructure:"min_relevance_score"`
	FallbackMessage   string  `mapstructure:"fallback_message"`
}

// WebSearchConfig contains SerpApi settings
type WebSearchConfig struct {
	APIKey              string        `mapstructure:"apikey"`
	Endpoint            string        `mapstructure:"endpoint"`
	Engine              string        `mapstructure:"engine"`
	MaxResults          int           `mapstructure:"max_results"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
	// CacheTTL of zero disables the result cache
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// IngestConfig contains ingestion settings
type IngestConfig struct {
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	CorpusPath     string `mapstructure:"corpus_path"`
}

// MetadataConfig contains ingestion ledger configuration
type MetadataConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// SecurityConfig contains API key, CORS and rate limit settings
type SecurityConfig struct {
	APIKeys     []string        `mapstructure:"api_keys"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits ask requests per client IP
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// IsDevelopment reports whether the service runs in the development environment
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	Environment      string
	ValidateRequired bool
	// SkipWebSearch relaxes validation for commands that never search the web
	SkipWebSearch bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	if opts.Environment != "" {
		v.SetDefault("environment", opts.Environment)
	}

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// running on defaults and environment alone is allowed
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Security.APIKeys = compact(config.Security.APIKeys)
	config.Security.CORSOrigins = compact(config.Security.CORSOrigins)

	if opts.ValidateRequired {
		if err := validateConfig(&config, opts); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.assistant_name", "George")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.health_timeout", "5s")

	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("openai.chat_model", "gpt-4o")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.embedding_dimensions", 1536)
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("openai.timeout", "60s")
	v.SetDefault("openai.max_retries", 3)

	v.SetDefault("chroma.url", "http://chromadb:8000")
	v.SetDefault("chroma.collection_name", "georgekb")
	v.SetDefault("chroma.timeout", "30s")
	v.SetDefault("chroma.max_retries", 3)

	v.SetDefault("retrieval.min_relevance_score", 0.6)

	v.SetDefault("websearch.endpoint", "https://serpapi.com")
	v.SetDefault("websearch.engine", "bing")
	v.SetDefault("websearch.max_results", 3)
	v.SetDefault("websearch.timeout", "15s")
	v.SetDefault("websearch.max_retries", 2)
	v.SetDefault("websearch.breaker_max_failures", 5)
	v.SetDefault("websearch.breaker_reset_timeout", "60s")
	v.SetDefault("websearch.cache_ttl", "5m")

	v.SetDefault("ingest.max_concurrency", 5)
	v.SetDefault("ingest.corpus_path", "./data/transcripts.yaml")

	v.SetDefault("metadata.db_path", "./ingest_ledger.db")

	v.SetDefault("security.api_keys", []string{})
	v.SetDefault("security.cors_origins", []string{})
	v.SetDefault("security.rate_limit.requests_per_minute", 20)
	v.SetDefault("security.rate_limit.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	return nil
}

// setEnvironmentMappings applies the unprefixed environment variables used by deployments
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"ENVIRONMENT":      "environment",
		"OPENAI_API_KEY":   "openai.apikey",
		"OPENAI_ENDPOINT":  "openai.endpoint",
		"OPENAI_MODEL":     "openai.chat_model",
		"SERPAPI_API_KEY":  "websearch.apikey",
		"CHROMA_URL":       "chroma.url",
		"METADATA_DB_PATH": "metadata.db_path",
		"CORPUS_PATH":      "ingest.corpus_path",
		"PORT":             "server.port",
		"LOG_LEVEL":        "logging.level",
		"LOG_FORMAT":       "logging.format",
		"LOG_OUTPUT":       "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}

	var keys []string
	for _, envVar := range []string{"API_KEY_1", "API_KEY_2"} {
		if value := os.Getenv(envVar); value != "" {
			keys = append(keys, value)
		}
	}
	if len(keys) > 0 {
		v.Set("security.api_keys", append(v.GetStringSlice("security.api_keys"), keys...))
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		v.Set("security.cors_origins", strings.Split(origins, ","))
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config, opts LoadOptions) error {
	var errs []ValidationError

	if config.OpenAI.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "openai.apikey",
			Message: "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable",
		})
	}
	if !opts.SkipWebSearch && config.WebSearch.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "websearch.apikey",
			Message: "SerpApi key is required. Set via config file or SERPAPI_API_KEY environment variable",
		})
	}

	if config.Chroma.URL == "" {
		errs = append(errs, ValidationError{Field: "chroma.url", Message: "ChromaDB URL is required"})
	}
	if config.Chroma.CollectionName == "" {
		errs = append(errs, ValidationError{Field: "chroma.collection_name", Message: "collection name is required"})
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "port must be between 1 and 65535"})
	}

	if config.Retrieval.MinRelevanceScore < 0 || config.Retrieval.MinRelevanceScore > 1 {
		errs = append(errs, ValidationError{
			Field:   "retrieval.min_relevance_score",
			Message: "min_relevance_score must be between 0 and 1",
		})
	}

	if config.WebSearch.MaxResults < 1 || config.WebSearch.MaxResults > 49 {
		errs = append(errs, ValidationError{
			Field:   "websearch.max_results",
			Message: "max_results must be between 1 and 49",
		})
	}

	if config.OpenAI.MaxTokens <= 0 {
		errs = append(errs, ValidationError{Field: "openai.max_tokens", Message: "max_tokens must be greater than 0"})
	}
	if config.OpenAI.Temperature < 0 || config.OpenAI.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "openai.temperature", Message: "temperature must be between 0 and 2"})
	}

	if config.Ingest.MaxConcurrency <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ingest.max_concurrency",
			Message: "max_concurrency must be greater than 0",
		})
	}

	if config.Security.RateLimit.RequestsPerMinute < 0 || config.Security.RateLimit.Burst < 0 {
		errs = append(errs, ValidationError{
			Field:   "security.rate_limit",
			Message: "rate limit values must not be negative",
		})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	if config.Metadata.DBPath == "" {
		errs = append(errs, ValidationError{Field: "metadata.db_path", Message: "ledger database path is required"})
	} else if err := validateDirectoryExists(filepath.Dir(config.Metadata.DBPath)); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metadata.db_path",
			Message: fmt.Sprintf("ledger database directory does not exist: %s", filepath.Dir(config.Metadata.DBPath)),
		})
	}

	if len(errs) > 0 {
		messages := make([]string, 0, len(errs))
		for _, err := range errs {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(messages, "\n"))
	}

	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}
	if masked.WebSearch.APIKey != "" {
		masked.WebSearch.APIKey = maskValue(masked.WebSearch.APIKey)
	}
	if len(c.Security.APIKeys) > 0 {
		masked.Security.APIKeys = make([]string, len(c.Security.APIKeys))
		for i, key := range c.Security.APIKeys {
			masked.Security.APIKeys[i] = maskValue(key)
		}
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// compact trims entries and drops blanks
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

// getEnvironment returns the current environment (development, production, etc.)
func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "development"
}

// WatchConfig reloads the configuration whenever the config file changes and hands the
// new value to callback. Invalid edits are logged and ignored.
func WatchConfig(opts LoadOptions, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file for watching: %w", err)
	}
	path := v.ConfigFileUsed()

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		reloadOpts := opts
		reloadOpts.ConfigPath = path
		config, err := LoadWithOptions(reloadOpts)
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}

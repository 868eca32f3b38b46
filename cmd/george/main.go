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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/your-org/george-qa/internal/config"
	"github.com/your-org/george-qa/internal/ingest"
	"github.com/your-org/george-qa/internal/knowledge"
	"github.com/your-org/george-qa/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "george"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "George knowledge base question answering service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newIngestCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newIngestCmd(configPath *string) *cobra.Command {
	var corpusPath string
	var maxConcurrency int

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Write a transcript corpus into the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, config.LoadOptions{
				ConfigPath:       *configPath,
				Environment:      os.Getenv("ENVIRONMENT"),
				ValidateRequired: true,
				SkipWebSearch:    true,
			}, corpusPath, maxConcurrency)
		},
	}
	cmd.Flags().StringVarP(&corpusPath, "corpus", "f", "", "Corpus file (defaults to ingest.corpus_path)")
	cmd.Flags().IntVarP(&maxConcurrency, "max-concurrency", "n", 0, "Concurrent writes (defaults to ingest.max_concurrency)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))
	logger, err := initializeLogger(cfg, level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logConfig(logger, cfg)

	watchOpts := config.LoadOptions{ConfigPath: configPath, Environment: cfg.Environment, ValidateRequired: true}
	if err := config.WatchConfig(watchOpts, logger, func(updated *config.Config) {
		newLevel := parseLevel(updated.Logging.Level)
		if newLevel != level.Level() {
			level.SetLevel(newLevel)
			logger.Info("Log level changed", zap.String("level", newLevel.String()))
		}
	}); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	deps, err := initializeDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	bootstrapCtx, cancel := context.WithTimeout(ctx, cfg.Chroma.Timeout)
	created, err := knowledge.EnsureCollection(bootstrapCtx, deps.Store, cfg.Chroma.CollectionName)
	cancel()
	if err != nil {
		// not fatal: /health reports the store
		logger.Error("Failed to bootstrap knowledge base collection",
			zap.String("collection", cfg.Chroma.CollectionName),
			zap.Error(err))
	} else if created {
		logger.Info("Created knowledge base collection", zap.String("collection", cfg.Chroma.CollectionName))
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	api := server.New(server.Dependencies{
		Answerer: deps.Orchestrator,
		Ingester: deps.Coordinator,
		Ledger:   deps.Ledger,
		Health:   deps.Health.Handler(),
	}, server.Options{
		Development:       cfg.IsDevelopment(),
		APIKeys:           cfg.Security.APIKeys,
		CORSOrigins:       cfg.Security.CORSOrigins,
		RequestsPerMinute: cfg.Security.RateLimit.RequestsPerMinute,
		Burst:             cfg.Security.RateLimit.Burst,
		CorpusPath:        cfg.Ingest.CorpusPath,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

func runIngest(cmd *cobra.Command, opts config.LoadOptions, corpusPath string, maxConcurrency int) error {
	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if corpusPath != "" {
		cfg.Ingest.CorpusPath = corpusPath
	}
	if maxConcurrency > 0 {
		cfg.Ingest.MaxConcurrency = maxConcurrency
	}

	logger, err := initializeLogger(cfg, zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level)))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	corpus, err := ingest.LoadCorpus(cfg.Ingest.CorpusPath)
	if err != nil {
		return err
	}

	deps, err := initializeIngestDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	start := time.Now()
	report, err := deps.Coordinator.Ingest(cmd.Context(), corpus)
	if report != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "collection=%s documents=%d segments=%d written=%d skipped=%d duration=%s\n",
			report.Collection, report.Documents, report.Segments, report.Written, report.Skipped,
			time.Since(start).Round(time.Millisecond))
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	return nil
}

// initializeLogger builds the zap logger described by the logging section. level is
// shared so that hot reloads can change it.
func initializeLogger(cfg *config.Config, level zap.AtomicLevel) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{serviceName + ".log"}
		zapConfig.ErrorOutputPaths = []string{serviceName + ".log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build(zap.Fields(zap.String("service", serviceName)))
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logConfig(logger *zap.Logger, cfg *config.Config) {
	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("version", version),
		zap.String("environment", masked.Environment),
		zap.String("address", masked.Server.Address()),
		zap.String("chroma_url", masked.Chroma.URL),
		zap.String("collection_name", masked.Chroma.CollectionName),
		zap.Float64("min_relevance_score", masked.Retrieval.MinRelevanceScore),
		zap.String("openai_endpoint", masked.OpenAI.Endpoint),
		zap.String("openai_api_key", masked.OpenAI.APIKey),
		zap.String("serpapi_api_key", masked.WebSearch.APIKey),
		zap.Strings("api_keys", masked.Security.APIKeys),
		zap.Strings("cors_origins", masked.Security.CORSOrigins),
		zap.String("metadata_db_path", masked.Metadata.DBPath),
	)
}

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

// Package server exposes the question answering and ingestion HTTP API.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/your-org/george-qa/internal/chathistory"
	"github.com/your-org/george-qa/internal/ingest"
	"github.com/your-org/george-qa/internal/metadata"
	"github.com/your-org/george-qa/internal/orchestrator"
	"github.com/your-org/george-qa/internal/qaerr"
	"github.com/your-org/george-qa/internal/resilience"
	"github.com/your-org/george-qa/internal/streaming"
	"go.uber.org/zap"
)

const (
	defaultStatusLimit = 20
	maxStatusLimit     = 500
)

// Answerer answers questions in one piece or as a token stream
type Answerer interface {
	Ask(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Stream(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
	Name() string
}

// Ingester writes a corpus into the knowledge base
type Ingester interface {
	Ingest(ctx context.Context, corpus *ingest.Corpus) (*ingest.Report, error)
	Collection() string
}

// LedgerReader reports what has been ingested
type LedgerReader interface {
	GetStats(ctx context.Context) (*metadata.Stats, error)
	ListSegments(ctx context.Context, collection string, limit int) ([]metadata.Segment, error)
	GetSegment(ctx context.Context, collection, segmentID string) (*metadata.Segment, error)
}

// Options configures the HTTP layer
type Options struct {
	Development       bool
	APIKeys           []string
	CORSOrigins       []string
	RequestsPerMinute int
	Burst             int
	CorpusPath        string
}

// Dependencies are the components behind the routes. Ledger and Health may be nil.
type Dependencies struct {
	Answerer Answerer
	Ingester Ingester
	Ledger   LedgerReader
	Health   gin.HandlerFunc
}

// AskRequest is the body of POST /api/v1/askgeorge/ask
type AskRequest struct {
	Query       string `json:"query"`
	ChatHistory string `json:"chat_history"`
	Stream      bool   `json:"stream"`
}

// IngestResponse is the body returned by a successful ingestion
type IngestResponse struct {
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	Report     *ingest.Report `json:"report"`
}

// StatusResponse is the body of GET /api/v1/ingest/status
type StatusResponse struct {
	Collection     string             `json:"collection"`
	Stats          *metadata.Stats    `json:"stats"`
	RecentSegments []metadata.Segment `json:"recent_segments"`
}

// Server holds the route handlers
type Server struct {
	deps    Dependencies
	opts    Options
	limiter *RateLimiter
	logger  *zap.Logger
}

// New creates a server
func New(deps Dependencies, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		limiter: NewRateLimiter(opts.RequestsPerMinute, opts.Burst),
		logger:  logger,
	}
}

// Router builds a gin engine with the middleware stack and all routes
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	origins := AllowedOrigins(s.opts.Development, s.opts.CORSOrigins)

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(RequestLoggingMiddleware(s.logger))
	router.Use(OriginCheckMiddleware(origins))
	router.Use(CORSMiddleware(origins))

	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the API routes with the Gin router
func (s *Server) RegisterRoutes(router *gin.Engine) {
	if s.deps.Health != nil {
		router.GET("/health", s.deps.Health)
	}

	ask := router.Group("/api/v1/askgeorge")
	{
		ask.POST("/ask", s.limiter.Middleware(s.logger), s.handleAsk)
	}

	ingestion := router.Group("/api/v1/ingest", APIKeyMiddleware(s.opts.APIKeys, s.logger))
	{
		ingestion.POST("/transcripts", s.handleIngest)
		ingestion.GET("/status", s.handleStatus)
		ingestion.GET("/status/:segment_id", s.handleSegmentStatus)
	}
}

// handleAsk handles POST /api/v1/askgeorge/ask
func (s *Server) handleAsk(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(c, qaerr.NewEmptyQueryError("query"))
		return
	}

	history, err := chathistory.Decode(req.ChatHistory)
	if err != nil {
		s.writeError(c, resilience.NewBadRequestError("chat_history could not be decoded", err))
		return
	}

	request := orchestrator.Request{Query: req.Query, History: history}
	if req.Stream {
		s.streamAnswer(c, request)
		return
	}

	result, err := s.deps.Answerer.Ask(c.Request.Context(), request)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result.Envelope)
}

// streamAnswer writes prose tokens as they arrive, then the delimiter and the terminal
// envelope. A failure after the first byte is reported as an error envelope so the
// trailing block is always present.
func (s *Server) streamAnswer(c *gin.Context, request orchestrator.Request) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	requestID := c.GetString(requestIDKey)
	writer := streaming.NewWriter(c.Writer)

	for event := range s.deps.Answerer.Stream(ctx, request) {
		switch {
		case event.Err != nil:
			serviceErr := resilience.FromError(event.Err)
			s.logger.Error("Streaming answer failed",
				zap.String("request_id", requestID),
				zap.Int("bytes_written", writer.BytesWritten()),
				zap.Error(event.Err))
			s.writeTerminal(writer, streaming.ErrorEnvelope{
				Name:  s.deps.Answerer.Name(),
				Error: serviceErr.Message,
				Code:  string(serviceErr.Code),
			}, requestID)
		case event.Result != nil:
			s.writeTerminal(writer, event.Result.Envelope, requestID)
			s.logger.Info("Streamed answer",
				zap.String("request_id", requestID),
				zap.String("path", string(event.Result.Path)),
				zap.Int("bytes_written", writer.BytesWritten()))
		default:
			if err := writer.WriteToken(event.Token); err != nil {
				s.logger.Warn("Client stopped reading stream",
					zap.String("request_id", requestID),
					zap.Error(err))
				cancel()
			}
		}
	}

	if !writer.Terminated() && ctx.Err() == nil {
		s.writeTerminal(writer, streaming.ErrorEnvelope{
			Name:  s.deps.Answerer.Name(),
			Error: "The answer stream ended unexpectedly.",
			Code:  string(resilience.ErrorCodeInternalError),
		}, requestID)
	}
}

func (s *Server) writeTerminal(writer *streaming.Writer, v any, requestID string) {
	if err := writer.WriteTerminal(v); err != nil {
		s.logger.Warn("Failed to write terminal block",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// handleIngest handles POST /api/v1/ingest/transcripts. The body is a corpus; an empty
// body ingests the configured corpus file.
func (s *Server) handleIngest(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		s.writeError(c, resilience.NewBadRequestError("Failed to read request body", err))
		return
	}

	var corpus *ingest.Corpus
	if len(bytes.TrimSpace(body)) == 0 {
		if s.opts.CorpusPath == "" {
			s.writeError(c, resilience.NewBadRequestError("No corpus supplied and no corpus path configured", nil))
			return
		}
		corpus, err = ingest.LoadCorpus(s.opts.CorpusPath)
		if err != nil {
			s.writeError(c, resilience.NewInternalError("Failed to load corpus file", err))
			return
		}
	} else {
		corpus, err = ingest.ParseCorpus(body)
		if err != nil {
			s.writeError(c, resilience.NewBadRequestError("Invalid corpus format", err))
			return
		}
	}

	report, err := s.deps.Ingester.Ingest(c.Request.Context(), corpus)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, IngestResponse{
		Message:    "Success",
		StatusCode: http.StatusOK,
		Report:     report,
	})
}

// handleStatus handles GET /api/v1/ingest/status
func (s *Server) handleStatus(c *gin.Context) {
	if s.deps.Ledger == nil {
		s.writeError(c, resilience.NewServiceUnavailableError("Ingestion ledger is not configured", nil))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultStatusLimit)))
	if err != nil || limit < 1 {
		s.writeError(c, resilience.NewBadRequestError("limit must be a positive integer", err))
		return
	}
	if limit > maxStatusLimit {
		limit = maxStatusLimit
	}

	ctx := c.Request.Context()
	stats, err := s.deps.Ledger.GetStats(ctx)
	if err != nil {
		s.writeError(c, resilience.NewInternalError("Failed to read ingestion stats", err))
		return
	}

	collection := s.deps.Ingester.Collection()
	segments, err := s.deps.Ledger.ListSegments(ctx, collection, limit)
	if err != nil {
		s.writeError(c, resilience.NewInternalError("Failed to list ingested segments", err))
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Collection:     collection,
		Stats:          stats,
		RecentSegments: segments,
	})
}

// handleSegmentStatus reports whether one segment has been written to the active collection
func (s *Server) handleSegmentStatus(c *gin.Context) {
	if s.deps.Ledger == nil {
		s.writeError(c, resilience.NewServiceUnavailableError("Ingestion ledger is not configured", nil))
		return
	}

	segmentID := c.Param("segment_id")
	segment, err := s.deps.Ledger.GetSegment(c.Request.Context(), s.deps.Ingester.Collection(), segmentID)
	if err != nil {
		s.writeError(c, resilience.NewInternalError("Failed to read ingested segment", err))
		return
	}
	if segment == nil {
		s.writeError(c, resilience.NewNotFoundError(fmt.Sprintf("Segment %s has not been ingested", segmentID), nil))
		return
	}

	c.JSON(http.StatusOK, segment)
}

func (s *Server) writeError(c *gin.Context, err error) {
	serviceErr := resilience.FromError(err)
	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", serviceErr.StatusCode),
		zap.Error(err),
	}
	if serviceErr.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("Request failed", fields...)
	} else {
		s.logger.Warn("Request rejected", fields...)
	}
	c.JSON(serviceErr.StatusCode, serviceErr.ToErrorResponse(c.GetString(requestIDKey)))
}

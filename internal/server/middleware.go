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

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/your-org/george-qa/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-ID"
	// APIKeyHeader carries the ingestion API key
	APIKeyHeader = "X-API-Key"

	requestIDKey = "request_id"
	clientIPKey  = "client_ip"

	visitorTTL = 10 * time.Minute
)

// ClientIP resolves the caller address: X-Client-IP, then the first X-Forwarded-For entry,
// then the connection's remote address.
func ClientIP(c *gin.Context) string {
	if ip := strings.TrimSpace(c.GetHeader("X-Client-IP")); ip != "" {
		return ip
	}
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	return c.RemoteIP()
}

// RequestIDMiddleware reuses an incoming X-Request-ID or assigns a new one
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// RequestLoggingMiddleware logs every request with its client address and latency
func RequestLoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		clientIP := ClientIP(c)
		c.Set(clientIPKey, clientIP)

		logger.Info("Request received",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("client_ip", clientIP),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("client_ip", clientIP),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("Request processed", fields...)
	}
}

// AllowedOrigins returns the CORS origins: any origin in development, the configured
// list otherwise.
func AllowedOrigins(development bool, configured []string) []string {
	if development {
		return []string{"*"}
	}
	return configured
}

// OriginCheckMiddleware rejects requests whose Origin header is not allowed. Requests
// without an Origin header pass.
func OriginCheckMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || originAllowed(origin, allowed) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Invalid origin"})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

// CORSMiddleware adds CORS headers and answers preflight requests
func CORSMiddleware(allowed []string) gin.HandlerFunc {
	handler := cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader, "Content-Type"},
	})

	return func(c *gin.Context) {
		handler.HandlerFunc(c.Writer, c.Request)
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.Abort()
			return
		}
		c.Next()
	}
}

// APIKeyMiddleware requires an X-API-Key header matching one of keys
func APIKeyMiddleware(keys []string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(APIKeyHeader)
		if provided != "" {
			for _, key := range keys {
				if key != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
					c.Next()
					return
				}
			}
		}

		logger.Warn("Unauthorized API key attempt",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("client_ip", ClientIP(c)),
			zap.Bool("key_present", provided != ""))
		abortWithError(c, resilience.NewForbiddenError("Could not validate API key", nil))
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client address
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

// NewRateLimiter allows requestsPerMinute per client with the given burst. A zero rate
// disables limiting.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:     limit,
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

// Allow reports whether key may make a request now
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit == rate.Inf {
		return true
	}

	rl.mu.Lock()
	now := time.Now()
	if now.Sub(rl.lastSweep) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := ClientIP(c)
		if rl.Allow(clientIP) {
			c.Next()
			return
		}
		logger.Warn("Rate limit exceeded",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("client_ip", clientIP))
		abortWithError(c, resilience.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil))
	}
}

func abortWithError(c *gin.Context, serviceErr *resilience.ServiceError) {
	c.AbortWithStatusJSON(serviceErr.StatusCode, serviceErr.ToErrorResponse(c.GetString(requestIDKey)))
}

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

// Package health provides dependency health checks for the service
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/your-org/george-qa/internal/resilience"
	"go.uber.org/zap"
)

const (
	// StatusHealthy represents healthy status
	StatusHealthy = "healthy"
	// StatusUnhealthy represents unhealthy status
	StatusUnhealthy = "unhealthy"
	// StatusDegraded represents degraded status
	StatusDegraded = "degraded"
	// DefaultTimeout is the default timeout for health checks
	DefaultTimeout = 5 * time.Second
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    string                 `json:"status"`
	Latency   time.Duration          `json:"latency"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Response represents the complete health check response
type Response struct {
	Status       string                 `json:"status"`
	Service      string                 `json:"service"`
	Version      string                 `json:"version"`
	Environment  string                 `json:"environment"`
	Uptime       time.Duration          `json:"uptime"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc is a function adapter for the Checker interface
type CheckerFunc func(ctx context.Context) CheckResult

// Check implements the Checker interface
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

type registered struct {
	checker  Checker
	critical bool
}

// Manager runs the registered checks
type Manager struct {
	serviceName string
	version     string
	environment string
	startTime   time.Time
	timeout     time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	checkers map[string]registered
}

// NewManager creates a new health check manager
func NewManager(serviceName, version, environment string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if environment == "" {
		environment = "unknown"
	}
	return &Manager{
		serviceName: serviceName,
		version:     version,
		environment: environment,
		startTime:   time.Now(),
		checkers:    make(map[string]registered),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout sets the timeout for health checks
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// AddChecker registers a critical dependency. An unhealthy result makes the service unhealthy.
func (m *Manager) AddChecker(name string, checker Checker) {
	m.add(name, checker, true)
}

// AddOptionalChecker registers a dependency whose failure only degrades the service
func (m *Manager) AddOptionalChecker(name string, checker Checker) {
	m.add(name, checker, false)
}

func (m *Manager) add(name string, checker Checker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = registered{checker: checker, critical: critical}
}

// Check runs all checks concurrently and aggregates the result
func (m *Manager) Check(ctx context.Context) Response {
	m.mu.RLock()
	timeout := m.timeout
	checkers := make(map[string]registered, len(m.checkers))
	for name, r := range m.checkers {
		checkers[name] = r
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		wg           sync.WaitGroup
		resultsMu    sync.Mutex
		dependencies = make(map[string]CheckResult, len(checkers))
	)
	for name, r := range checkers {
		wg.Add(1)
		go func(name string, r registered) {
			defer wg.Done()
			start := time.Now()
			result := r.checker.Check(ctx)
			result.Latency = time.Since(start)
			result.Timestamp = time.Now()

			resultsMu.Lock()
			dependencies[name] = result
			resultsMu.Unlock()
		}(name, r)
	}
	wg.Wait()

	overallStatus := StatusHealthy
	for name, result := range dependencies {
		status := result.Status
		if status == StatusUnhealthy && !checkers[name].critical {
			status = StatusDegraded
		}
		switch {
		case status == StatusUnhealthy:
			overallStatus = StatusUnhealthy
		case status == StatusDegraded && overallStatus != StatusUnhealthy:
			overallStatus = StatusDegraded
		}
		if result.Status != StatusHealthy {
			m.logger.Warn("Dependency check failed",
				zap.String("dependency", name),
				zap.String("status", result.Status),
				zap.String("error", result.Error))
		}
	}

	return Response{
		Status:       overallStatus,
		Service:      m.serviceName,
		Version:      m.version,
		Environment:  m.environment,
		Uptime:       time.Since(m.startTime),
		Dependencies: dependencies,
		Metadata:     systemMetadata(),
		Timestamp:    time.Now(),
	}
}

// Handler returns the gin handler for GET /health. Degraded still answers 200.
func (m *Manager) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := m.Check(c.Request.Context())

		statusCode := http.StatusOK
		if result.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, result)
	}
}

func systemMetadata() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"go_version":   runtime.Version(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_alloc": memStats.Alloc,
		"memory_sys":   memStats.Sys,
		"gc_runs":      memStats.NumGC,
		"hostname":     getHostname(),
		"process_id":   os.Getpid(),
	}
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// DatabaseHealthChecker creates a health checker for database connections
func DatabaseHealthChecker(name string, pingFunc func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := pingFunc(ctx); err != nil {
			return CheckResult{
				Status: StatusUnhealthy,
				Error:  fmt.Sprintf("database ping failed: %v", err),
			}
		}
		return CheckResult{
			Status:   StatusHealthy,
			Metadata: map[string]interface{}{"database": name},
		}
	})
}

// ExternalServiceHealthChecker creates a health checker for external services. Timeouts
// and network errors report degraded rather than unhealthy.
func ExternalServiceHealthChecker(name string, checkFunc func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := checkFunc(ctx); err != nil {
			status := StatusUnhealthy
			if isTemporaryError(err) {
				status = StatusDegraded
			}
			return CheckResult{
				Status: status,
				Error:  fmt.Sprintf("external service check failed: %v", err),
			}
		}
		return CheckResult{
			Status:   StatusHealthy,
			Metadata: map[string]interface{}{"service": name},
		}
	})
}

// CircuitBreakerHealthChecker reports the state of a circuit breaker without making a call.
// An open breaker is degraded.
func CircuitBreakerHealthChecker(stats func() resilience.CircuitBreakerStats) Checker {
	return CheckerFunc(func(_ context.Context) CheckResult {
		s := stats()
		status := StatusHealthy
		errMsg := ""
		if s.State == resilience.CircuitOpen.String() {
			status = StatusDegraded
			errMsg = "circuit breaker is open"
		}
		return CheckResult{
			Status: status,
			Error:  errMsg,
			Metadata: map[string]interface{}{
				"breaker":         s.Name,
				"state":           s.State,
				"total_requests":  s.TotalRequests,
				"failed_requests": s.FailedRequests,
			},
		}
	})
}

func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

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

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/george-qa/internal/resilience"
	"go.uber.org/zap"
)

func TestManager_Check(t *testing.T) {
	manager := NewManager("george", "1.0.0", "test", zap.NewNop())

	manager.AddChecker("healthy", CheckerFunc(func(_ context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}))
	manager.AddChecker("unhealthy", CheckerFunc(func(_ context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "service is down"}
	}))

	result := manager.Check(context.Background())

	if result.Status != StatusUnhealthy {
		t.Errorf("Expected status to be unhealthy, got %s", result.Status)
	}
	if result.Service != "george" {
		t.Errorf("Expected service to be george, got %s", result.Service)
	}
	if result.Environment != "test" {
		t.Errorf("Expected environment to be test, got %s", result.Environment)
	}
	if len(result.Dependencies) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(result.Dependencies))
	}
	if result.Dependencies["unhealthy"].Timestamp.IsZero() {
		t.Error("Expected timestamp to be filled in")
	}
}

func TestManager_StatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		critical []string
		optional []string
		expected string
	}{
		{"all healthy", []string{StatusHealthy}, []string{StatusHealthy}, StatusHealthy},
		{"optional unhealthy degrades", []string{StatusHealthy}, []string{StatusUnhealthy}, StatusDegraded},
		{"critical degraded", []string{StatusDegraded}, nil, StatusDegraded},
		{"critical unhealthy wins", []string{StatusUnhealthy}, []string{StatusDegraded}, StatusUnhealthy},
		{"no checks", nil, nil, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager("george", "1.0.0", "", nil)
			for i, status := range tt.critical {
				status := status
				manager.AddChecker(fmt.Sprintf("critical-%d", i), CheckerFunc(func(_ context.Context) CheckResult {
					return CheckResult{Status: status}
				}))
			}
			for i, status := range tt.optional {
				status := status
				manager.AddOptionalChecker(fmt.Sprintf("optional-%d", i), CheckerFunc(func(_ context.Context) CheckResult {
					return CheckResult{Status: status}
				}))
			}

			assert.Equal(t, tt.expected, manager.Check(context.Background()).Status)
		})
	}
}

func TestManager_Timeout(t *testing.T) {
	manager := NewManager("george", "1.0.0", "test", zap.NewNop())
	manager.SetTimeout(20 * time.Millisecond)
	manager.AddChecker("slow", ExternalServiceHealthChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	result := manager.Check(context.Background())

	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Dependencies["slow"].Error, "deadline exceeded")
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		status     string
		wantStatus int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager("george", "1.0.0", "test", zap.NewNop())
			manager.AddChecker("dep", CheckerFunc(func(_ context.Context) CheckResult {
				return CheckResult{Status: tt.status}
			}))

			router := gin.New()
			router.GET("/health", manager.Handler())

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Contains(t, body.Dependencies, "dep")
		})
	}
}

func TestDatabaseHealthChecker(t *testing.T) {
	healthy := DatabaseHealthChecker("ledger", func(_ context.Context) error { return nil })
	result := healthy.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "ledger", result.Metadata["database"])

	broken := DatabaseHealthChecker("ledger", func(_ context.Context) error { return errors.New("disk full") })
	result = broken.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "disk full")
}

func TestExternalServiceHealthChecker(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ok", nil, StatusHealthy},
		{"deadline", fmt.Errorf("heartbeat: %w", context.DeadlineExceeded), StatusDegraded},
		{"breaker open", resilience.ErrCircuitBreakerOpen, StatusDegraded},
		{"auth failure", errors.New("401 unauthorized"), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := ExternalServiceHealthChecker("svc", func(_ context.Context) error { return tt.err })
			assert.Equal(t, tt.expected, checker.Check(context.Background()).Status)
		})
	}
}

func TestExternalServiceHealthChecker_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := server.URL
	server.Close()

	checker := ExternalServiceHealthChecker("closed", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	})

	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
}

func TestCircuitBreakerHealthChecker(t *testing.T) {
	cfg := resilience.DefaultCircuitBreakerConfig("web_search")
	cfg.MaxFailures = 1
	breaker := resilience.NewCircuitBreaker(cfg, zap.NewNop())
	checker := CircuitBreakerHealthChecker(breaker.GetStats)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "closed", result.Metadata["state"])

	_ = breaker.Execute(context.Background(), func(context.Context) error { return errors.New("upstream 503") })

	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "open", result.Metadata["state"])
	assert.Equal(t, "web_search", result.Metadata["breaker"])
}

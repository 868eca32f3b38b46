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

package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastBackoff() BackoffConfig {
	config := DefaultBackoffConfig()
	config.BaseDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestDefaultBackoffConfig(t *testing.T) {
	config := DefaultBackoffConfig()

	if config.BaseDelay != 1*time.Second {
		t.Errorf("Expected BaseDelay to be 1 second, got %v", config.BaseDelay)
	}
	if config.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries to be 3, got %d", config.MaxRetries)
	}
	if config.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier to be 2.0, got %f", config.Multiplier)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay to be 30 seconds, got %v", config.MaxDelay)
	}
}

func TestWithExponentialBackoff_Success(t *testing.T) {
	attempts := 0
	err := WithExponentialBackoff(context.Background(), zap.NewNop(), "test", fastBackoff(), func(_ context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestWithExponentialBackoff_SuccessAfterRetry(t *testing.T) {
	attempts := 0
	err := WithExponentialBackoff(context.Background(), zap.NewNop(), "test", fastBackoff(), func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestWithExponentialBackoff_ExhaustRetries(t *testing.T) {
	boom := errors.New("persistent error")
	attempts := 0
	err := WithExponentialBackoff(context.Background(), nil, "search", fastBackoff(), func(_ context.Context) error {
		attempts++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped persistent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "search failed after 4 attempts") {
		t.Errorf("Unexpected error message: %v", err)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
}

func TestWithExponentialBackoff_PermanentError(t *testing.T) {
	boom := errors.New("400 bad request")
	attempts := 0
	err := WithExponentialBackoff(context.Background(), nil, "search", fastBackoff(), func(_ context.Context) error {
		attempts++
		return Permanent(boom)
	})

	if err != boom {
		t.Errorf("Expected the unwrapped permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestWithExponentialBackoff_ContextCancellation(t *testing.T) {
	config := fastBackoff()
	config.BaseDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- WithExponentialBackoff(ctx, nil, "test", config, func(_ context.Context) error {
			attempts++
			return errors.New("temporary error")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestDefaultRetryOnFunc(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"permanent", Permanent(errors.New("bad input")), false},
		{"wrapped permanent", fmt.Errorf("ctx: %w", Permanent(errors.New("bad input"))), false},
		{"transient", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryOnFunc(tt.err); got != tt.want {
				t.Errorf("DefaultRetryOnFunc(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	config := BackoffConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for attempt, expected := range want {
		if got := backoffDelay(config, attempt); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, nil, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "slow timed out") {
		t.Errorf("Unexpected error message: %v", err)
	}

	err = WithTimeout(context.Background(), 0, nil, "unbounded", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

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
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TimeoutFunc is a function that can be executed with a timeout
type TimeoutFunc func(ctx context.Context) error

// WithTimeout runs fn with a derived deadline. A zero or negative timeout runs fn with
// ctx unchanged. When the deadline fires the returned error wraps
// context.DeadlineExceeded so callers can match it with errors.Is.
func WithTimeout(ctx context.Context, timeout time.Duration, logger *zap.Logger, operation string, fn TimeoutFunc) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		logger.Warn("Operation timed out",
			zap.String("operation", operation),
			zap.Duration("timeout", timeout))
		return fmt.Errorf("%s timed out after %s: %w", operation, timeout, context.DeadlineExceeded)
	}
	return err
}

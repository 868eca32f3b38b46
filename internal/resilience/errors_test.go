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
	"net/http"
	"testing"

	"github.com/your-org/george-qa/internal/qaerr"
)

func TestServiceErrorToErrorResponse(t *testing.T) {
	internal := errors.New("db down")
	err := NewDependencyFailureError("The knowledge base is currently unavailable.", internal)

	if !errors.Is(err, internal) {
		t.Error("Expected ServiceError to unwrap to the internal error")
	}

	resp := err.ToErrorResponse("req-123")
	if resp.Error != "The knowledge base is currently unavailable." {
		t.Errorf("Unexpected message %q", resp.Error)
	}
	if resp.Code != string(ErrorCodeDependencyFailure) {
		t.Errorf("Unexpected code %q", resp.Code)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("Unexpected request id %q", resp.RequestID)
	}
	if resp.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{
			name:       "empty query",
			err:        qaerr.NewEmptyQueryError("query"),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeBadRequest,
		},
		{
			name:       "knowledge base failure",
			err:        &qaerr.RetrievalError{Source: "knowledge_base", Query: "q", Err: errors.New("down")},
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeDependencyFailure,
		},
		{
			name:       "open breaker behind web search",
			err:        &qaerr.RetrievalError{Source: "web_search", Query: "q", Err: ErrCircuitBreakerOpen},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeServiceUnavailable,
		},
		{
			name:       "malformed decomposition",
			err:        &qaerr.MalformedDecompositionError{Operation: "BreakDownQuery", Output: "nope"},
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeDependencyFailure,
		},
		{
			name:       "generation",
			err:        fmt.Errorf("answer: %w", &qaerr.GenerationError{Operation: "QA", Err: errors.New("500")}),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeDependencyFailure,
		},
		{
			name:       "deadline",
			err:        &qaerr.GenerationError{Operation: "QA", Err: context.DeadlineExceeded},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   ErrorCodeTimeout,
		},
		{
			name:       "ingestion",
			err:        &qaerr.IngestError{SegmentID: "Plants-2", Stage: "store", Err: errors.New("503")},
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrorCodeDependencyFailure,
		},
		{
			name:       "unknown",
			err:        errors.New("something odd"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrorCodeInternalError,
		},
		{
			name:       "already a service error",
			err:        NewTooManyRequestsError("slow down", nil),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   ErrorCodeTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, got.StatusCode)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, got.Code)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

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

// Package qaerr defines the error taxonomy shared by the question answering pipeline.
// Every error is surfaced to the immediate caller; the "no history match" and
// "no knowledge base match" outcomes are ordinary pipeline paths, not errors.
package qaerr

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuery is returned when a query is empty or whitespace only
	ErrEmptyQuery = errors.New("query cannot be empty")
	// ErrResultCountOutOfRange is returned when a requested result count is outside the provider limits
	ErrResultCountOutOfRange = errors.New("result count out of range")
)

// InvalidInputError is returned before any collaborator call when the input is unusable
type InvalidInputError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Field, e.Reason)
}

// Unwrap returns the underlying sentinel error
func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// NewEmptyQueryError builds the InvalidInputError for an empty query
func NewEmptyQueryError(field string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: "must not be empty", Err: ErrEmptyQuery}
}

// MalformedDecompositionError is returned when the decomposition capability produced
// output that is not valid structured data or lacks the required field
type MalformedDecompositionError struct {
	Operation string
	Output    string
	Err       error
}

func (e *MalformedDecompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s output: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("malformed %s output", e.Operation)
}

// Unwrap returns the parse error, if any
func (e *MalformedDecompositionError) Unwrap() error {
	return e.Err
}

// RetrievalError wraps a failed knowledge base or web search call
type RetrievalError struct {
	Source string // "knowledge_base" or "web_search"
	Query  string
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("%s retrieval failed for %q: %v", e.Source, e.Query, e.Err)
}

// Unwrap returns the collaborator error
func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// GenerationError wraps a failed completion call or a broken completion stream
type GenerationError struct {
	Operation string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the completion error
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IngestError names the segment whose write aborted an ingestion batch
type IngestError struct {
	SegmentID string
	Stage     string // "store" or "ledger"
	Err       error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingestion of segment %s failed at %s: %v", e.SegmentID, e.Stage, e.Err)
}

// Unwrap returns the write error
func (e *IngestError) Unwrap() error {
	return e.Err
}

// IsInvalidInput reports whether err is an InvalidInputError
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

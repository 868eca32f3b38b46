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

// Package completion exposes the language model as a small set of named operations.
// Callers pass named arguments and get text back, either whole or as a stream of chunks.
package completion

import "context"

// Operation names a completion prompt
type Operation string

const (
	// OpCheckHistory answers from the conversation alone or returns the "no answer" verdict
	OpCheckHistory Operation = "CheckHistory"
	// OpBreakDownQuery splits a question into knowledge base sub-queries
	OpBreakDownQuery Operation = "BreakDownQuery"
	// OpRegenerateQuery rewrites a question into a standalone web search query
	OpRegenerateQuery Operation = "RegenerateQuery"
	// OpQA writes the final cited answer
	OpQA Operation = "QA"
)

// Argument names shared by the operations
const (
	ArgQuery         = "query"
	ArgHistory       = "history"
	ArgKnowledgeBase = "knowledge_base"
	ArgWebSearch     = "web_search"
)

// Arguments are the named template inputs of an operation
type Arguments map[string]string

// Chunk is one piece of streamed output. A chunk with Err set is the last one sent.
type Chunk struct {
	Text string
	Err  error
}

// Capability runs named completion operations
type Capability interface {
	Invoke(ctx context.Context, op Operation, args Arguments) (string, error)
	InvokeStream(ctx context.Context, op Operation, args Arguments) (<-chan Chunk, error)
}

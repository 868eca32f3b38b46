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

package decompose

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/your-org/george-qa/internal/chathistory"
	"github.com/your-org/george-qa/internal/completion"
	"github.com/your-org/george-qa/internal/qaerr"
)

type MockCapability struct {
	mock.Mock
}

func (m *MockCapability) Invoke(ctx context.Context, op completion.Operation, args completion.Arguments) (string, error) {
	a := m.Called(ctx, op, args)
	return a.String(0), a.Error(1)
}

func (m *MockCapability) InvokeStream(ctx context.Context, op completion.Operation, args completion.Arguments) (<-chan completion.Chunk, error) {
	a := m.Called(ctx, op, args)
	ch, _ := a.Get(0).(chan completion.Chunk)
	return ch, a.Error(1)
}

func TestParseSubQueries(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "plain json",
			raw:  `{"recomposed_queries": ["photosynthesis definition", "chlorophyll role"]}`,
			want: []string{"photosynthesis definition", "chlorophyll role"},
		},
		{
			name: "fenced json with language tag",
			raw:  "```json\n{\"recomposed_queries\": [\"a\"]}\n```",
			want: []string{"a"},
		},
		{
			name: "blanks dropped, duplicates kept, entries trimmed",
			raw:  `{"recomposed_queries": ["  a ", "", "   ", "a"]}`,
			want: []string{"a", "a"},
		},
		{
			name: "empty list",
			raw:  `{"recomposed_queries": []}`,
			want: []string{},
		},
		{
			name: "extra fields ignored",
			raw:  `{"recomposed_queries": ["x"], "reasoning": "because"}`,
			want: []string{"x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubQueries(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSubQueriesMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "Here are your queries: a, b"},
		{"missing field", `{"queries": ["a"]}`},
		{"null field", `{"recomposed_queries": null}`},
		{"wrong type", `{"recomposed_queries": "a"}`},
		{"array root", `["a", "b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubQueries(tt.raw)
			var malformed *qaerr.MalformedDecompositionError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			assert.Equal(t, tt.raw, malformed.Output)
			assert.Equal(t, "BreakDownQuery", malformed.Operation)
		})
	}
}

func TestParseRewrittenQuery(t *testing.T) {
	got, err := ParseRewrittenQuery("  \"photosynthesis in desert plants\"\n")
	require.NoError(t, err)
	assert.Equal(t, "photosynthesis in desert plants", got)

	got, err = ParseRewrittenQuery(`{"query": "CAM photosynthesis"}`)
	require.NoError(t, err)
	assert.Equal(t, "CAM photosynthesis", got)

	_, err = ParseRewrittenQuery("   ")
	var malformed *qaerr.MalformedDecompositionError
	assert.True(t, errors.As(err, &malformed))
}

func TestDecomposePassesEncodedHistory(t *testing.T) {
	history := chathistory.New().AppendTurn("What is photosynthesis?", "It is how plants make sugar.")
	capability := &MockCapability{}
	capability.On("Invoke", mock.Anything, completion.OpBreakDownQuery, completion.Arguments{
		completion.ArgQuery:   "and in cacti?",
		completion.ArgHistory: chathistory.Encode(history),
	}).Return(`{"recomposed_queries": ["photosynthesis in cacti"]}`, nil)

	d := New(capability, nil)
	got, err := d.Decompose(context.Background(), "and in cacti?", history)

	require.NoError(t, err)
	assert.Equal(t, []string{"photosynthesis in cacti"}, got)
	capability.AssertExpectations(t)
}

func TestDecomposeRejectsEmptyQuery(t *testing.T) {
	capability := &MockCapability{}
	d := New(capability, nil)

	_, err := d.Decompose(context.Background(), "  ", nil)

	assert.True(t, qaerr.IsInvalidInput(err))
	capability.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestDecomposePropagatesCapabilityError(t *testing.T) {
	boom := &qaerr.GenerationError{Operation: "BreakDownQuery", Err: errors.New("500")}
	capability := &MockCapability{}
	capability.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return("", boom)

	d := New(capability, nil)
	_, err := d.Decompose(context.Background(), "q", nil)

	assert.ErrorIs(t, err, boom)
	capability.AssertNumberOfCalls(t, "Invoke", 1)
}

func TestRewriteForWebSearch(t *testing.T) {
	capability := &MockCapability{}
	capability.On("Invoke", mock.Anything, completion.OpRegenerateQuery, mock.Anything).
		Return("how do cacti photosynthesize\n", nil)

	d := New(capability, nil)
	got, err := d.RewriteForWebSearch(context.Background(), "and in cacti?", chathistory.New())

	require.NoError(t, err)
	assert.Equal(t, "how do cacti photosynthesize", got)
}

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

package websearch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/george-qa/internal/qaerr"
	"go.uber.org/zap"
)

type countingProvider struct {
	calls  int
	err    error
	result *Result
}

func (p *countingProvider) Search(_ context.Context, _ string, _ int) (*Result, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func twoReferenceResult() *Result {
	refs := []Reference{
		{No: 1, Title: "Photosynthesis", Link: "https://example.com/a", Snippet: "Plants use light [1]."},
		{No: 2, Title: "Chlorophyll", Link: "https://example.com/b", Snippet: "Chlorophyll absorbs light."},
	}
	return &Result{OrganicResult: OrganicResult{Answer: BuildAnswer(refs), References: refs}}
}

func TestCachedSearchServesRepeats(t *testing.T) {
	inner := &countingProvider{result: twoReferenceResult()}
	cache := NewCache(inner, time.Minute, zap.NewNop())
	p := FromText(cache)

	first, err := p.Search(context.Background(), "photosynthesis", 3)
	require.NoError(t, err)
	first.OrganicResult.References[0].Title = "mutated"

	second, err := p.Search(context.Background(), "photosynthesis", 3)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, cache.Len())
	assert.Len(t, second.OrganicResult.References, 2)
	assert.Equal(t, "Photosynthesis", second.OrganicResult.References[0].Title, "hits are independent copies")

	_, err = p.Search(context.Background(), "photosynthesis", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "result count is part of the key")
}

func TestCachedSearchExpires(t *testing.T) {
	inner := &countingProvider{result: twoReferenceResult()}
	cache := NewCache(inner, time.Minute, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	p := FromText(cache)

	_, err := p.Search(context.Background(), "q", 3)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = p.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedSearchDoesNotCacheFailures(t *testing.T) {
	inner := &countingProvider{err: errors.New("upstream 503")}
	cache := NewCache(inner, time.Minute, nil)
	p := FromText(cache)

	_, err := p.Search(context.Background(), "q", 3)
	require.Error(t, err)
	_, err = p.Search(context.Background(), "q", 3)
	require.Error(t, err)

	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 0, cache.Len())
}

func TestCachedSearchValidatesBeforeLookup(t *testing.T) {
	inner := &countingProvider{result: twoReferenceResult()}
	p := FromText(NewCache(inner, 0, nil))

	_, err := p.Search(context.Background(), "  ", 3)
	assert.True(t, qaerr.IsInvalidInput(err))
	_, err = p.Search(context.Background(), "q", 50)
	assert.True(t, qaerr.IsInvalidInput(err))
	assert.Equal(t, 0, inner.calls, "invalid requests never reach the provider")
}

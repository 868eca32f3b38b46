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

package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/your-org/george-qa/internal/qaerr"
	"go.uber.org/zap"
)

// Retriever fans sub-queries out to the knowledge base store
type Retriever struct {
	store        Store
	collection   string
	minRelevance float64
	logger       *zap.Logger
}

// NewRetriever creates a retriever bound to one collection and relevance threshold
func NewRetriever(store Store, collection string, minRelevance float64, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &Retriever{
		store:        store,
		collection:   collection,
		minRelevance: minRelevance,
		logger:       logger,
	}
}

// Retrieve issues one store search per sub-query concurrently and returns the results in
// input order; a nil entry means nothing scored above the threshold. Every lookup runs to
// completion even when another fails. If any failed, the failure of the earliest sub-query
// is returned as a RetrievalError and no partial results are handed back.
func (r *Retriever) Retrieve(ctx context.Context, subQueries []string) ([]*Record, error) {
	if len(subQueries) == 0 {
		return []*Record{}, nil
	}

	start := time.Now()
	results := make([]*Record, len(subQueries))
	errs := make([]error, len(subQueries))

	var wg sync.WaitGroup
	for i, q := range subQueries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			results[i], errs[i] = r.store.Search(ctx, r.collection, q, r.minRelevance)
		}(i, q)
	}
	wg.Wait()

	failed := 0
	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = &qaerr.RetrievalError{Source: "knowledge_base", Query: subQueries[i], Err: err}
		}
	}
	if firstErr != nil {
		r.logger.Error("Knowledge base retrieval failed",
			zap.Int("sub_query_count", len(subQueries)),
			zap.Int("failed_count", failed),
			zap.Error(firstErr))
		return nil, firstErr
	}

	hits := 0
	for _, rec := range results {
		if rec != nil {
			hits++
		}
	}
	r.logger.Debug("Knowledge base retrieval completed",
		zap.Int("sub_query_count", len(subQueries)),
		zap.Int("hit_count", hits),
		zap.Float64("min_relevance_score", r.minRelevance),
		zap.Duration("duration", time.Since(start)))

	return results, nil
}

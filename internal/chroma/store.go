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

package chroma

import (
	"context"
	"errors"
	"fmt"

	"github.com/your-org/george-qa/internal/knowledge"
	"go.uber.org/zap"
)

const (
	metadataTitle     = "title"
	metadataTimestamp = "time_stamp"
)

// Embedder turns text into a vector
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the ChromaDB-backed knowledge base
type Store struct {
	client   *Client
	embedder Embedder
	logger   *zap.Logger
}

var _ knowledge.Store = (*Store)(nil)

// NewStore creates a knowledge base store over client
func NewStore(client *Client, embedder Embedder, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, embedder: embedder, logger: logger}
}

// Search returns the closest passage to query, or nil when its relevance score
// (1 - cosine distance) is below minRelevance.
func (s *Store) Search(ctx context.Context, collection, query string, minRelevance float64) (*knowledge.Record, error) {
	embedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := s.client.Query(ctx, collection, embedding, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	top := hits[0]
	score := 1 - top.Distance
	if score < minRelevance {
		s.logger.Debug("Best match below relevance threshold",
			zap.String("collection", collection),
			zap.String("id", top.ID),
			zap.Float64("score", score),
			zap.Float64("min_relevance_score", minRelevance))
		return nil, nil
	}

	return &knowledge.Record{
		ID:        top.ID,
		Title:     top.Metadata[metadataTitle],
		Score:     score,
		Content:   top.Document,
		Timestamp: top.Metadata[metadataTimestamp],
	}, nil
}

// Save embeds and upserts one record
func (s *Store) Save(ctx context.Context, collection string, record knowledge.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	embedding, err := s.embedder.EmbedQuery(ctx, record.Content)
	if err != nil {
		return fmt.Errorf("failed to embed record %s: %w", record.ID, err)
	}

	metadata := map[string]string{metadataTitle: record.Title}
	if record.Timestamp != "" {
		metadata[metadataTimestamp] = record.Timestamp
	}

	if err := s.client.Upsert(ctx, collection,
		[]string{record.ID}, [][]float32{embedding}, []string{record.Content},
		[]map[string]string{metadata}); err != nil {
		return fmt.Errorf("failed to save record %s: %w", record.ID, err)
	}
	return nil
}

// CollectionExists reports whether the named collection exists
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.GetCollection(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrCollectionNotFound) {
		return false, nil
	}
	return false, err
}

// CreateCollection creates the named collection using cosine distance
func (s *Store) CreateCollection(ctx context.Context, name string) error {
	_, err := s.client.CreateCollection(ctx, name, map[string]interface{}{"hnsw:space": "cosine"})
	return err
}

// Ping checks that ChromaDB is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Heartbeat(ctx)
}

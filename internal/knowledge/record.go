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

// Package knowledge holds the knowledge base record model, the store contract the
// pipeline depends on, and the fan-out retriever and deduplicator built on top of it.
package knowledge

import (
	"context"
	"fmt"
	"strings"
)

const (
	// DefaultCollection is the knowledge base collection transcripts are stored in
	DefaultCollection = "georgekb"
	// DefaultMinRelevanceScore is the retrieval-time relevance threshold
	DefaultMinRelevanceScore = 0.6
)

// Record is one knowledge base passage
type Record struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	Content   string  `json:"content"`
	Timestamp string  `json:"time_stamp,omitempty"`
}

// Validate rejects records that cannot be stored or cited
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("record %s: title is required", r.ID)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("record %s: content is required", r.ID)
	}
	return nil
}

// Store is the knowledge base collaborator. Search returns nil with a nil error when
// no passage scores at or above minRelevance.
type Store interface {
	Search(ctx context.Context, collection, query string, minRelevance float64) (*Record, error)
	Save(ctx context.Context, collection string, record Record) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) error
}

// EnsureCollection creates the collection when the store does not have it yet
func EnsureCollection(ctx context.Context, store Store, name string) (bool, error) {
	exists, err := store.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		return false, nil
	}
	if err := store.CreateCollection(ctx, name); err != nil {
		return false, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return true, nil
}

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

// Package chroma talks to the ChromaDB REST API and implements the knowledge base
// store on top of it.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/your-org/george-qa/internal/resilience"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single request to ChromaDB
const DefaultTimeout = 30 * time.Second

// ErrCollectionNotFound is returned when a collection does not exist
var ErrCollectionNotFound = errors.New("collection not found")

// Config holds the client settings
type Config struct {
	BaseURL string
	Timeout time.Duration
	Backoff resilience.BackoffConfig
}

// Client wraps the ChromaDB REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	backoff    resilience.BackoffConfig
	logger     *zap.Logger

	mu            sync.RWMutex
	collectionIDs map[string]string
}

// Collection represents a ChromaDB collection
type Collection struct {
	Name     string                 `json:"name"`
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

// QueryResult is one hit of a vector query
type QueryResult struct {
	ID       string
	Document string
	Metadata map[string]string
	Distance float64
}

type createCollectionRequest struct {
	Name        string                 `json:"name"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	GetOrCreate bool                   `json:"get_or_create"`
}

type upsertRequest struct {
	IDs        []string            `json:"ids"`
	Embeddings [][]float32         `json:"embeddings"`
	Documents  []string            `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
}

type queryResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

// ChromaError represents an error response from ChromaDB
type ChromaError struct {
	StatusCode int
	Detail     string `json:"detail"`
	Type       string `json:"error"`
}

func (e *ChromaError) Error() string {
	return fmt.Sprintf("ChromaDB error (status %d): %s", e.StatusCode, e.Detail)
}

// NewClient creates a ChromaDB client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		backoff:       cfg.Backoff,
		logger:        logger,
		collectionIDs: make(map[string]string),
	}
}

// Heartbeat checks that ChromaDB is reachable
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil)
}

// GetCollection looks up a collection by name
func (c *Client) GetCollection(ctx context.Context, name string) (*Collection, error) {
	var col Collection
	err := resilience.WithExponentialBackoff(ctx, c.logger, "get collection", c.backoff, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(name), nil, &col)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return nil, err
	}
	c.cacheID(col.Name, col.ID)
	return &col, nil
}

// CreateCollection creates a collection, or returns the existing one with that name
func (c *Client) CreateCollection(ctx context.Context, name string, metadata map[string]interface{}) (*Collection, error) {
	var col Collection
	err := resilience.WithExponentialBackoff(ctx, c.logger, "create collection", c.backoff, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/v1/collections",
			createCollectionRequest{Name: name, Metadata: metadata, GetOrCreate: true}, &col)
	})
	if err != nil {
		return nil, err
	}
	c.cacheID(col.Name, col.ID)
	c.logger.Info("ChromaDB collection ready",
		zap.String("collection", col.Name),
		zap.String("collection_id", col.ID))
	return &col, nil
}

// DeleteCollection removes a collection and forgets its cached id
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(name), nil, nil)
	c.mu.Lock()
	delete(c.collectionIDs, name)
	c.mu.Unlock()
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// Upsert writes documents with their embeddings, replacing existing ids
func (c *Client) Upsert(ctx context.Context, collection string, ids []string, embeddings [][]float32,
	documents []string, metadatas []map[string]string) error {
	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return fmt.Errorf("upsert: mismatched lengths (ids=%d embeddings=%d documents=%d metadatas=%d)",
			len(ids), len(embeddings), len(documents), len(metadatas))
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}

	return resilience.WithExponentialBackoff(ctx, c.logger, "upsert", c.backoff, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/upsert", upsertRequest{
			IDs:        ids,
			Embeddings: embeddings,
			Documents:  documents,
			Metadatas:  metadatas,
		}, nil)
	})
}

// Query returns the nResults nearest documents to embedding, closest first
func (c *Client) Query(ctx context.Context, collection string, embedding []float32, nResults int) ([]QueryResult, error) {
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	err = resilience.WithExponentialBackoff(ctx, c.logger, "query", c.backoff, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", queryRequest{
			QueryEmbeddings: [][]float32{embedding},
			NResults:        nResults,
			Include:         []string{"documents", "metadatas", "distances"},
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.IDs) == 0 {
		return []QueryResult{}, nil
	}
	results := make([]QueryResult, 0, len(resp.IDs[0]))
	for i, docID := range resp.IDs[0] {
		r := QueryResult{ID: docID, Metadata: map[string]string{}}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			r.Document = resp.Documents[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Distance = resp.Distances[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			for k, v := range resp.Metadatas[0][i] {
				if s, ok := v.(string); ok {
					r.Metadata[k] = s
				}
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func (c *Client) collectionID(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	id, ok := c.collectionIDs[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	col, err := c.GetCollection(ctx, name)
	if err != nil {
		return "", err
	}
	return col.ID, nil
}

func (c *Client) cacheID(name, id string) {
	if name == "" || id == "" {
		return
	}
	c.mu.Lock()
	c.collectionIDs[name] = id
	c.mu.Unlock()
}

// do sends one JSON request. 4xx responses are permanent; 5xx and transport errors
// may be retried by the caller.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		chromaErr := &ChromaError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, chromaErr) != nil || chromaErr.Detail == "" {
			chromaErr.Detail = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode < 500 {
			return resilience.Permanent(chromaErr)
		}
		return chromaErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// older ChromaDB releases report a missing collection as a 500 with a ValueError
func isNotFound(err error) bool {
	var chromaErr *ChromaError
	if !errors.As(err, &chromaErr) {
		return false
	}
	if chromaErr.StatusCode == http.StatusNotFound {
		return true
	}
	detail := strings.ToLower(chromaErr.Detail)
	return strings.Contains(detail, "does not exist") || strings.Contains(detail, "not found")
}

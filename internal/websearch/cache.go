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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheTTL is how long a search result is served from memory
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	text      string
	expiresAt time.Time
}

// Cache keeps recent search results as serialized JSON so every hit hands out an
// independent copy. It is a TextProvider; wrap it with FromText to search through it.
type Cache struct {
	inner  Provider
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache wraps inner with a result cache. A non-positive ttl uses DefaultCacheTTL.
func NewCache(inner Provider, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// SearchText returns the cached result text, searching inner on a miss. Failures are
// never cached.
func (c *Cache) SearchText(ctx context.Context, query string, numResults int) (string, error) {
	key := fmt.Sprintf("%d|%s", numResults, query)

	if text, ok := c.get(key); ok {
		c.logger.Debug("Returning cached search result", zap.String("query", query))
		return text, nil
	}

	result, err := c.inner.Search(ctx, query, numResults)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to serialize web search result: %w", err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{text: string(raw), expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return string(raw), nil
}

func (c *Cache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.text, true
}

// Len reports the number of cached results, expired ones included
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

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

// Package ingest writes transcript corpora into the knowledge base with bounded
// concurrency.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/your-org/george-qa/internal/knowledge"
	"github.com/your-org/george-qa/internal/metadata"
	"github.com/your-org/george-qa/internal/qaerr"
	"go.uber.org/zap"
)

// DefaultMaxConcurrency bounds concurrent store writes
const DefaultMaxConcurrency = 5

// Ledger records successful writes
type Ledger interface {
	RecordSegment(ctx context.Context, seg metadata.Segment) error
}

// Config tunes the coordinator
type Config struct {
	Collection     string
	MaxConcurrency int
}

// Report summarizes one ingestion run
type Report struct {
	Collection        string        `json:"collection"`
	Documents         int           `json:"documents"`
	Segments          int           `json:"segments"`
	Written           int           `json:"written"`
	Skipped           int           `json:"skipped"`
	CollectionCreated bool          `json:"collection_created"`
	Duration          time.Duration `json:"duration"`
}

// Coordinator writes corpora into a knowledge base store
type Coordinator struct {
	store          knowledge.Store
	ledger         Ledger
	collection     string
	maxConcurrency int
	logger         *zap.Logger

	// one ingestion at a time
	mu sync.Mutex
}

// NewCoordinator creates a coordinator. ledger may be nil.
func NewCoordinator(store knowledge.Store, ledger Ledger, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = knowledge.DefaultCollection
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Coordinator{
		store:          store,
		ledger:         ledger,
		collection:     cfg.Collection,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger,
	}
}

// Collection returns the collection written to
func (c *Coordinator) Collection() string {
	return c.collection
}

// Ingest saves every segment of corpus, at most MaxConcurrency at a time. The first failed
// write cancels the batch: segments not yet started are skipped and the failure is
// returned as an IngestError. The report is returned in both cases.
func (c *Coordinator) Ingest(ctx context.Context, corpus *Corpus) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	report := &Report{Collection: c.collection}
	if corpus == nil {
		corpus = &Corpus{}
	}
	if err := corpus.Validate(); err != nil {
		return report, err
	}

	records := corpus.Records()
	report.Documents = len(corpus.Documents)
	report.Segments = len(records)

	created, err := knowledge.EnsureCollection(ctx, c.store, c.collection)
	if err != nil {
		return report, err
	}
	report.CollectionCreated = created
	if created {
		c.logger.Info("Created knowledge base collection", zap.String("collection", c.collection))
	}

	pool, err := ants.NewPool(c.maxConcurrency)
	if err != nil {
		return report, fmt.Errorf("failed to create ingestion pool: %w", err)
	}
	defer pool.Release()

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		written  int64
		failOnce sync.Once
		firstErr error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	submitted := 0
	for _, rec := range records {
		if batchCtx.Err() != nil {
			break
		}
		rec := rec
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if batchCtx.Err() != nil {
				return
			}
			if err := c.write(batchCtx, rec); err != nil {
				fail(err)
				return
			}
			atomic.AddInt64(&written, 1)
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to schedule segment %s: %w", rec.ID, err))
			break
		}
		submitted++
	}
	wg.Wait()

	report.Written = int(atomic.LoadInt64(&written))
	report.Skipped = report.Segments - report.Written
	report.Duration = time.Since(start)

	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		c.logger.Error("Ingestion aborted",
			zap.String("collection", c.collection),
			zap.Int("segment_count", report.Segments),
			zap.Int("submitted_count", submitted),
			zap.Int("written_count", report.Written),
			zap.Error(firstErr))
		return report, firstErr
	}

	c.logger.Info("Ingestion completed",
		zap.String("collection", c.collection),
		zap.Int("document_count", report.Documents),
		zap.Int("segment_count", report.Segments),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (c *Coordinator) write(ctx context.Context, rec knowledge.Record) error {
	c.logger.Debug("Ingesting segment", zap.String("segment_id", rec.ID))

	if err := c.store.Save(ctx, c.collection, rec); err != nil {
		return &qaerr.IngestError{SegmentID: rec.ID, Stage: "store", Err: err}
	}
	if c.ledger == nil {
		return nil
	}
	if err := c.ledger.RecordSegment(ctx, metadata.Segment{
		SegmentID:     rec.ID,
		Collection:    c.collection,
		Title:         rec.Title,
		Timestamp:     rec.Timestamp,
		ContentLength: len(rec.Content),
	}); err != nil {
		return &qaerr.IngestError{SegmentID: rec.ID, Stage: "ledger", Err: err}
	}
	return nil
}

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

// Package metadata keeps a SQLite ledger of the transcript segments written to the
// knowledge base.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Store is the ingestion ledger
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Segment is one ledger row
type Segment struct {
	SegmentID     string    `json:"segment_id"`
	Collection    string    `json:"collection"`
	Title         string    `json:"title"`
	Timestamp     string    `json:"time_stamp"`
	ContentLength int       `json:"content_length"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// Stats summarizes the ledger
type Stats struct {
	TotalSegments  int        `json:"total_segments"`
	TotalTitles    int        `json:"total_titles"`
	Collections    []string   `json:"collections"`
	LastIngestedAt *time.Time `json:"last_ingested_at,omitempty"`
}

// NewStore opens (or creates) the ledger at dbPath
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS ingested_segments (
			segment_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			title TEXT NOT NULL,
			time_stamp TEXT,
			content_length INTEGER NOT NULL DEFAULT 0,
			ingested_at TIMESTAMP NOT NULL,
			PRIMARY KEY (collection, segment_id)
		)
	`
	_, err := s.db.Exec(query)
	return err
}

// RecordSegment upserts a ledger row. A zero IngestedAt is set to the current time.
func (s *Store) RecordSegment(ctx context.Context, seg Segment) error {
	if strings.TrimSpace(seg.SegmentID) == "" || strings.TrimSpace(seg.Collection) == "" {
		return fmt.Errorf("segment id and collection are required")
	}
	if seg.IngestedAt.IsZero() {
		seg.IngestedAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO ingested_segments
			(segment_id, collection, title, time_stamp, content_length, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, seg.SegmentID, seg.Collection, seg.Title,
		seg.Timestamp, seg.ContentLength, seg.IngestedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record segment %s: %w", seg.SegmentID, err)
	}
	return nil
}

// ListSegments returns the rows of collection, newest first. A limit <= 0 returns all rows.
func (s *Store) ListSegments(ctx context.Context, collection string, limit int) ([]Segment, error) {
	query := `
		SELECT segment_id, collection, title, time_stamp, content_length, ingested_at
		FROM ingested_segments WHERE collection = ?
		ORDER BY ingested_at DESC, segment_id ASC
	`
	args := []interface{}{collection}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	segments := []Segment{}
	for rows.Next() {
		var seg Segment
		var ts sql.NullString
		if err := rows.Scan(&seg.SegmentID, &seg.Collection, &seg.Title, &ts,
			&seg.ContentLength, &seg.IngestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		seg.Timestamp = ts.String
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating segment rows: %w", err)
	}

	return segments, nil
}

// GetSegment returns one row, or nil when it is not in the ledger
func (s *Store) GetSegment(ctx context.Context, collection, segmentID string) (*Segment, error) {
	query := `
		SELECT segment_id, collection, title, time_stamp, content_length, ingested_at
		FROM ingested_segments WHERE collection = ? AND segment_id = ?
	`
	var seg Segment
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, query, collection, segmentID).Scan(
		&seg.SegmentID, &seg.Collection, &seg.Title, &ts, &seg.ContentLength, &seg.IngestedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan segment: %w", err)
	}
	seg.Timestamp = ts.String
	return &seg, nil
}

// GetStats returns ledger totals
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Collections: []string{}}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT title) FROM ingested_segments").
		Scan(&stats.TotalSegments, &stats.TotalTitles)
	if err != nil {
		return nil, fmt.Errorf("failed to count segments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT collection FROM ingested_segments ORDER BY collection")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		stats.Collections = append(stats.Collections, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating collection rows: %w", err)
	}
	_ = rows.Close()

	var last time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT ingested_at FROM ingested_segments ORDER BY ingested_at DESC LIMIT 1").Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read last ingestion time: %w", err)
	default:
		stats.LastIngestedAt = &last
	}

	return stats, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Copyright 2024 Telemetry Insights Project
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

// Package history records completed analyses in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

// DefaultListLimit bounds ListByTrack when no limit is given
const DefaultListLimit = 50

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("analysis record not found")

// Record is one stored analysis
type Record struct {
	ID             string              `json:"id"`
	RequestID      string              `json:"request_id"`
	CacheKey       string              `json:"cache_key"`
	Track          string              `json:"track"`
	AnalysisType   analysis.Type       `json:"analysis_type"`
	SourceProvider analysis.ProviderID `json:"source_provider"`
	Confidence     int                 `json:"confidence"`
	TokensUsed     int                 `json:"tokens_used"`
	Result         *analysis.Result    `json:"result"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Store handles queries to the SQLite history database
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStore opens (or creates) the database at dbPath
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("History store opened", zap.String("path", dbPath))
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			cache_key TEXT,
			track TEXT,
			analysis_type TEXT,
			source_provider TEXT,
			confidence INTEGER,
			tokens_used INTEGER,
			result_json TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_analyses_track_created ON analyses (track, created_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Add stores rec, assigning an ID and creation time when they are unset
func (s *Store) Add(ctx context.Context, rec *Record) error {
	if rec.Result == nil {
		return fmt.Errorf("record has no result")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	query := `
		INSERT INTO analyses (id, request_id, cache_key, track, analysis_type, source_provider, confidence, tokens_used, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RequestID, rec.CacheKey, rec.Track, string(rec.AnalysisType),
		string(rec.SourceProvider), rec.Confidence, rec.TokensUsed, string(resultJSON), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	s.logger.Debug("Analysis recorded",
		zap.String("id", rec.ID),
		zap.String("track", rec.Track),
		zap.String("source_provider", string(rec.SourceProvider)))
	return nil
}

const selectColumns = "id, request_id, cache_key, track, analysis_type, source_provider, confidence, tokens_used, result_json, created_at"

// ListByTrack returns the most recent analyses for track, newest first
func (s *Store) ListByTrack(ctx context.Context, track string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := "SELECT " + selectColumns + " FROM analyses WHERE track = ? ORDER BY created_at DESC, rowid DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, track, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analysis rows: %w", err)
	}
	return records, nil
}

// Get returns the record with id
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM analyses WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec            Record
		analysisType   string
		sourceProvider string
		resultJSON     string
	)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.CacheKey, &rec.Track, &analysisType,
		&sourceProvider, &rec.Confidence, &rec.TokensUsed, &resultJSON, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan analysis: %w", err)
	}

	rec.AnalysisType = analysis.Type(analysisType)
	rec.SourceProvider = analysis.ProviderID(sourceProvider)

	var result analysis.Result
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored result: %w", err)
	}
	rec.Result = &result
	return &rec, nil
}

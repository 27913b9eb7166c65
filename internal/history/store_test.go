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

package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
	})
	return store
}

func testRecord(track string, confidence int) *Record {
	result := analysis.NewResult(analysis.ProviderCombined, time.Date(2024, 10, 20, 14, 0, 0, 0, time.UTC))
	result.Insights = []string{"Consistent braking points through the esses"}
	result.Confidence = confidence
	return &Record{
		RequestID:      "req-1",
		CacheKey:       "telemetry-insights:v1:files:" + track,
		Track:          track,
		AnalysisType:   analysis.TypeTire,
		SourceProvider: analysis.ProviderCombined,
		Confidence:     confidence,
		TokensUsed:     512,
		Result:         result,
	}
}

func TestNewStore(t *testing.T) {
	store := newTestStore(t)

	var tableName string
	err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='analyses'").Scan(&tableName)
	if err != nil {
		t.Fatalf("Failed to find analyses table: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewStoreWithFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Add(context.Background(), testRecord("cota", 80)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.ListByTrack(context.Background(), "cota", 0)
	if err != nil {
		t.Fatalf("ListByTrack failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 persisted record, got %d", len(records))
	}
}

func TestAddAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("cota", 85)
	if err := store.Add(ctx, rec); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Expected Add to assign an ID")
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("Expected Add to assign a creation time")
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Track != "cota" || got.Confidence != 85 || got.TokensUsed != 512 {
		t.Errorf("Unexpected record: %+v", got)
	}
	if got.AnalysisType != analysis.TypeTire {
		t.Errorf("Expected analysis type tire, got %s", got.AnalysisType)
	}
	if got.Result == nil || len(got.Result.Insights) != 1 {
		t.Fatalf("Expected stored result to round-trip, got %+v", got.Result)
	}
	if got.Result.Insights[0] != "Consistent braking points through the esses" {
		t.Errorf("Unexpected insight: %q", got.Result.Insights[0])
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAddRequiresResult(t *testing.T) {
	store := newTestStore(t)

	if err := store.Add(context.Background(), &Record{Track: "cota"}); err == nil {
		t.Error("Expected error for record without result")
	}
}

func TestListByTrack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 10, 20, 12, 0, 0, 0, time.UTC)
	for i, confidence := range []int{70, 80, 90} {
		rec := testRecord("sebring", confidence)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Add(ctx, rec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := store.Add(ctx, testRecord("vir", 75)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	records, err := store.ListByTrack(ctx, "sebring", 2)
	if err != nil {
		t.Fatalf("ListByTrack failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Confidence != 90 || records[1].Confidence != 80 {
		t.Errorf("Expected newest first, got confidences %d, %d", records[0].Confidence, records[1].Confidence)
	}

	empty, err := store.ListByTrack(ctx, "barber", 0)
	if err != nil {
		t.Fatalf("ListByTrack failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected an empty non-nil list, got %v", empty)
	}
}

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

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/telemetry-insights/internal/resilience"
)

func newTestFetcher(t *testing.T) *URLFetcher {
	t.Helper()
	logger := zaptest.NewLogger(t)
	executor := resilience.NewExecutor(logger,
		resilience.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		resilience.WithJitter(func(time.Duration) time.Duration { return 0 }))
	return NewURLFetcher(nil, executor, logger)
}

func TestURLFetcher_PartialFailure(t *testing.T) {
	var downHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><style>body{}</style></head><body><h1>Sector 2</h1><p>Tyres &amp; grip   fall off</p><script>alert(1)</script></body></html>`)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "pit window\n\nlap 18")
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		downHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	urls := []string{server.URL + "/page", server.URL + "/down", server.URL + "/plain"}
	results := newTestFetcher(t).FetchAll(context.Background(), urls)

	require.Len(t, results, 3)
	for i, u := range urls {
		assert.Equal(t, u, results[i].URL)
	}

	require.NoError(t, results[0].Err)
	assert.Contains(t, results[0].Text, "Sector 2")
	assert.Contains(t, results[0].Text, "Tyres & grip fall off")
	assert.NotContains(t, results[0].Text, "<h1>")
	assert.NotContains(t, results[0].Text, "alert")

	require.Error(t, results[1].Err)
	assert.Equal(t, int32(resilience.ReadMaxAttempts), downHits.Load())

	require.NoError(t, results[2].Err)
	assert.Equal(t, "pit window lap 18", results[2].Text)
}

func TestURLFetcher_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	results := newTestFetcher(t).FetchAll(context.Background(), []string{server.URL})
	require.Error(t, results[0].Err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestURLFetcher_TruncatesLongPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a ", DefaultMaxURLTextRunes))
	}))
	defer server.Close()

	results := newTestFetcher(t).FetchAll(context.Background(), []string{server.URL})
	require.NoError(t, results[0].Err)
	assert.Len(t, []rune(results[0].Text), DefaultMaxURLTextRunes)
}

func TestURLFetcher_Empty(t *testing.T) {
	assert.Empty(t, newTestFetcher(t).FetchAll(context.Background(), nil))
}

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

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

// Namespace prefixes every key written by this service
const Namespace = "telemetry-insights:v1"

// FileRef identifies one uploaded telemetry file
type FileRef struct {
	Track        string    `json:"track"`
	FileName     string    `json:"file_name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

func (f FileRef) tuple() string {
	return fmt.Sprintf("%s:%s:%d:%d",
		url.QueryEscape(f.Track),
		url.QueryEscape(f.FileName),
		f.Size,
		f.LastModified.UnixMilli())
}

// Key derives the cache key for a set of telemetry files. Input order does
// not matter; the key is ASCII and namespace-prefixed.
func Key(files []FileRef) string {
	tuples := make([]string, len(files))
	for i, f := range files {
		tuples[i] = f.tuple()
	}
	sort.Strings(tuples)
	return Namespace + ":files:" + strings.Join(tuples, "|")
}

// TelemetryKey derives a key from the telemetry payload itself, for requests
// that do not reference files. encoding/json sorts map keys, so equal
// payloads always hash the same.
func TelemetryKey(telemetry map[string]any) (string, error) {
	data, err := json.Marshal(telemetry)
	if err != nil {
		return "", fmt.Errorf("failed to encode telemetry for cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return Namespace + ":telemetry:" + hex.EncodeToString(sum[:16]), nil
}

// RequestKey scopes a telemetry key to one analysis type and provider choice
func RequestKey(base string, analysisType analysis.Type, selector analysis.Selector) string {
	return fmt.Sprintf("%s|type=%s|providers=%s", base, analysisType, selector)
}

// WithContent extends key with a digest of extra request content such as
// attachments and context URLs. No blobs leaves key unchanged.
func WithContent(key string, blobs ...[]byte) string {
	if len(blobs) == 0 {
		return key
	}
	h := sha256.New()
	for _, b := range blobs {
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return key + "|content=" + hex.EncodeToString(h.Sum(nil)[:16])
}

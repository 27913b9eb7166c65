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

// Package streaming decodes provider event streams and carries orchestration
// progress events to callers.
package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// ErrAlreadyConsumed is reported when Fragments is ranged over a second time
var ErrAlreadyConsumed = errors.New("stream fragments already consumed")

// frame is the union of the streamed payload shapes the decoder understands:
// a bare {"text": ...} frame, generateContent candidates, and chat-completion
// deltas.
type frame struct {
	Text       string `json:"text"`
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Citations     []analysis.Citation `json:"citations"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Decoder reassembles a `data: <json>` frame stream into text. Fragments are
// exposed as a single-pass sequence; the underlying body is closed when the
// sequence ends, when the consumer stops early, or when ctx is cancelled.
type Decoder struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	logger *zap.Logger

	started   atomic.Bool
	closeOnce sync.Once
	stop      func() bool

	mu        sync.Mutex
	text      strings.Builder
	citations []analysis.Citation
	seen      map[string]struct{}
	tokens    *int
	frames    int
	skipped   int
	err       error
}

// NewDecoder wraps body. Cancelling ctx closes body, which unblocks any
// pending read.
func NewDecoder(ctx context.Context, body io.ReadCloser, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Decoder{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReader(body),
		logger: logger,
		seen:   make(map[string]struct{}),
	}
	d.stop = context.AfterFunc(ctx, func() { d.closeBody() })
	return d
}

// Fragments yields each text fragment in arrival order. It can be ranged over
// once; later ranges yield nothing and Err reports ErrAlreadyConsumed.
func (d *Decoder) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !d.started.CompareAndSwap(false, true) {
			d.setErr(ErrAlreadyConsumed)
			return
		}
		defer d.Close()

		for {
			line, readErr := d.reader.ReadString('\n')
			if line != "" {
				for _, fragment := range d.decodeLine(line) {
					if !yield(fragment) {
						return
					}
				}
			}
			if readErr != nil {
				if ctxErr := d.ctx.Err(); ctxErr != nil {
					d.setErr(ctxErr)
				} else if !errors.Is(readErr, io.EOF) {
					d.setErr(readErr)
				}
				return
			}
		}
	}
}

// Drain consumes every remaining fragment and returns the accumulated text
func (d *Decoder) Drain() (string, error) {
	for range d.Fragments() {
	}
	return d.Text(), d.Err()
}

// decodeLine returns the text fragments carried by one line
func (d *Decoder) decodeLine(line string) []string {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" || payload == doneSentinel {
		return nil
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.mu.Lock()
		d.skipped++
		d.mu.Unlock()
		d.logger.Debug("Skipping undecodable stream frame", zap.Error(err), zap.Int("length", len(payload)))
		return nil
	}

	var fragments []string
	if f.Text != "" {
		fragments = append(fragments, f.Text)
	}
	for _, c := range f.Candidates {
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				fragments = append(fragments, p.Text)
			}
		}
	}
	for _, c := range f.Choices {
		if c.Delta.Content != "" {
			fragments = append(fragments, c.Delta.Content)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.frames++
	for _, fragment := range fragments {
		d.text.WriteString(fragment)
	}
	for _, c := range f.Citations {
		d.addCitation(c)
	}
	for _, c := range f.Candidates {
		if c.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk.Web != nil {
				d.addCitation(analysis.Citation{URI: chunk.Web.URI, Title: chunk.Web.Title})
			}
		}
	}
	if f.UsageMetadata != nil {
		tokens := f.UsageMetadata.TotalTokenCount
		d.tokens = &tokens
	}
	return fragments
}

// addCitation must be called with mu held
func (d *Decoder) addCitation(c analysis.Citation) {
	if c.URI == "" {
		return
	}
	if _, ok := d.seen[c.URI]; ok {
		return
	}
	d.seen[c.URI] = struct{}{}
	d.citations = append(d.citations, c)
}

// Text returns the text accumulated so far
func (d *Decoder) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

// Citations returns the citations seen so far, deduplicated by URI
func (d *Decoder) Citations() []analysis.Citation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]analysis.Citation, len(d.citations))
	copy(out, d.citations)
	return out
}

// TokensUsed returns the last reported token count, if any frame carried one
func (d *Decoder) TokensUsed() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tokens == nil {
		return nil
	}
	tokens := *d.tokens
	return &tokens
}

// Skipped returns how many frames could not be decoded
func (d *Decoder) Skipped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipped
}

// Err returns the error that ended the stream, if any. A clean end of
// stream is not an error.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Decoder) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// Close releases the underlying body. It is safe to call more than once.
func (d *Decoder) Close() error {
	d.stop()
	return d.closeBody()
}

func (d *Decoder) closeBody() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.body.Close()
		d.logger.Debug("Stream closed",
			zap.Int("frames", d.frameCount()),
			zap.Int("skipped", d.Skipped()))
	})
	return err
}

func (d *Decoder) frameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/analysis"
	"github.com/your-org/telemetry-insights/internal/cache"
	"github.com/your-org/telemetry-insights/internal/history"
	"github.com/your-org/telemetry-insights/internal/orchestrator"
	"github.com/your-org/telemetry-insights/internal/provider"
	"github.com/your-org/telemetry-insights/internal/resilience"
	"github.com/your-org/telemetry-insights/internal/streaming"
	"github.com/your-org/telemetry-insights/internal/telemetry"
)

const requestIDHeader = "X-Request-ID"

// AnalyzeRequest is the body of the analysis endpoints and the analyze command's input file
type AnalyzeRequest struct {
	Telemetry    map[string]any        `json:"telemetry" binding:"required"`
	AnalysisType string                `json:"analysis_type"`
	Provider     string                `json:"provider"`
	Fallback     string                `json:"fallback"`
	Track        string                `json:"track"`
	Files        []cache.FileRef       `json:"files"`
	Attachments  []provider.Attachment `json:"attachments"`
	ContextURLs  []string              `json:"context_urls"`
	Options      provider.Options      `json:"options"`
}

// CrossTrackRequest adds the sibling tracks to fetch
type CrossTrackRequest struct {
	AnalyzeRequest
	Tracks []telemetry.Query `json:"tracks" binding:"required"`
}

// toRequest validates body and fills configured defaults
func (a *app) toRequest(body AnalyzeRequest) (orchestrator.Request, error) {
	typeName := body.AnalysisType
	if typeName == "" {
		typeName = a.cfg.Orchestration.DefaultAnalysisType
	}
	analysisType, err := analysis.ParseType(typeName)
	if err != nil {
		return orchestrator.Request{}, err
	}

	selectorName := body.Provider
	if selectorName == "" {
		selectorName = a.cfg.Orchestration.DefaultSelector
	}
	selector, err := analysis.ParseSelector(selectorName)
	if err != nil {
		return orchestrator.Request{}, err
	}

	for i, u := range body.ContextURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return orchestrator.Request{}, fmt.Errorf("context URL %d must be http or https", i)
		}
	}

	options := body.Options
	options.EnableGrounding = options.EnableGrounding || a.cfg.Orchestration.EnableGrounding

	return orchestrator.Request{
		Telemetry:   body.Telemetry,
		Type:        analysisType,
		Selector:    selector,
		Options:     options,
		Track:       body.Track,
		Files:       body.Files,
		Attachments: body.Attachments,
		ContextURLs: body.ContextURLs,
		Fallback:    analysis.ProviderID(body.Fallback),
	}, nil
}

// newRouter registers every HTTP route
func (a *app) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())

	router.GET("/health", a.health.Handler())

	v1 := router.Group("/v1")
	v1.POST("/analyze", a.handleAnalyze)
	v1.POST("/analyze/stream", a.handleAnalyzeStream)
	v1.POST("/analyze/cross-track", a.handleCrossTrack)
	v1.GET("/history/:track", a.handleHistory)
	v1.GET("/analyses/:id", a.handleRecord)

	return router
}

// requestLogger assigns a request ID and logs each request once it completes
func (a *app) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)

		start := time.Now()
		c.Next()

		a.logger.Info("HTTP request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("duration", time.Since(start)))
	}
}

// writeError maps err onto the standard error envelope
func (a *app) writeError(c *gin.Context, err error, operation string) {
	a.errors.WriteErrorResponse(c.Writer, err, operation, c.GetString("request_id"))
}

func (a *app) bindAnalyzeRequest(c *gin.Context) (orchestrator.Request, bool) {
	var body AnalyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		a.writeError(c, resilience.NewBadRequestError("Invalid request format: "+err.Error(), err), "parsing request")
		return orchestrator.Request{}, false
	}
	req, err := a.toRequest(body)
	if err != nil {
		a.writeError(c, resilience.NewBadRequestError(err.Error(), err), "validating request")
		return orchestrator.Request{}, false
	}
	return req, true
}

func (a *app) handleAnalyze(c *gin.Context) {
	req, ok := a.bindAnalyzeRequest(c)
	if !ok {
		return
	}

	result, err := a.orchestrator.Analyze(c.Request.Context(), req, nil)
	if err != nil {
		a.writeError(c, err, "analyzing telemetry")
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleAnalyzeStream reports orchestration progress and streamed text as
// server-sent events, then a final "result" or "failed" event
func (a *app) handleAnalyzeStream(c *gin.Context) {
	req, ok := a.bindAnalyzeRequest(c)
	if !ok {
		return
	}
	req.Stream = true

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	events := streaming.NewEventStream(c.GetString("request_id"))
	defer events.Close()
	events.AddCallback(func(event streaming.Event) {
		if _, err := io.WriteString(c.Writer, event.ToSSEMessage()); err != nil {
			a.logger.Debug("Failed to write event", zap.Error(err))
			return
		}
		c.Writer.Flush()
	})

	result, err := a.orchestrator.Analyze(c.Request.Context(), req, events)
	events.Close()

	if err != nil {
		serviceErr := a.errors.WrapError(err, "analyzing telemetry")
		writeSSE(c, "failed", serviceErr.ToErrorResponse(c.GetString("request_id")))
		return
	}
	writeSSE(c, "result", result)
}

func writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"failed to encode payload"}`)
	}
	_, _ = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

func (a *app) handleCrossTrack(c *gin.Context) {
	var body CrossTrackRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		a.writeError(c, resilience.NewBadRequestError("Invalid request format: "+err.Error(), err), "parsing request")
		return
	}
	if len(body.Tracks) == 0 {
		a.writeError(c, resilience.NewBadRequestError("at least one track is required", nil), "validating request")
		return
	}
	req, err := a.toRequest(body.AnalyzeRequest)
	if err != nil {
		a.writeError(c, resilience.NewBadRequestError(err.Error(), err), "validating request")
		return
	}

	result, err := a.orchestrator.AnalyzeCrossTrack(c.Request.Context(),
		orchestrator.CrossTrackRequest{Request: req, Tracks: body.Tracks}, nil)
	if err != nil {
		a.writeError(c, err, "analyzing cross-track telemetry")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *app) handleHistory(c *gin.Context) {
	if a.history == nil {
		a.writeError(c, resilience.NewNotFoundError("analysis history is disabled", nil), "listing history")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.writeError(c, resilience.NewBadRequestError("limit must be a positive integer", err), "listing history")
			return
		}
		limit = n
	}

	track := strings.ToLower(c.Param("track"))
	records, err := a.history.ListByTrack(c.Request.Context(), track, limit)
	if err != nil {
		a.writeError(c, resilience.NewInternalError("failed to list analysis history", err), "listing history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"track": track, "analyses": records})
}

func (a *app) handleRecord(c *gin.Context) {
	if a.history == nil {
		a.writeError(c, resilience.NewNotFoundError("analysis history is disabled", nil), "loading analysis")
		return
	}

	record, err := a.history.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		a.writeError(c, resilience.NewNotFoundError("analysis not found", err), "loading analysis")
	case err != nil:
		a.writeError(c, resilience.NewInternalError("failed to load analysis", err), "loading analysis")
	default:
		c.JSON(http.StatusOK, record)
	}
}

// serve runs the HTTP server until ctx is cancelled, then shuts down gracefully
func (a *app) serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.newRouter(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting insights service", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down insights service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

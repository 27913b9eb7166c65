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

package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAllProvidersFailed matches any AllProvidersFailedError
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrNoProviders is returned when a request selects no configured provider
	ErrNoProviders = errors.New("no analysis provider configured")
	// ErrTimeout matches any TimeoutError
	ErrTimeout = errors.New("time budget exhausted")
)

// ErrorKind classifies a failure once, at the transport-decode boundary.
// Downstream components branch on the kind, never on message text.
type ErrorKind int

const (
	// KindUnknown is used for errors that carry no classification
	KindUnknown ErrorKind = iota
	// KindAuth is an authentication failure (401, missing or rejected API key)
	KindAuth
	// KindBadRequest is a malformed request rejected by the provider (400)
	KindBadRequest
	// KindRateLimitOrServer covers 429, 5xx and network failures
	KindRateLimitOrServer
	// KindTimeout is an exhausted time budget or a cancelled call
	KindTimeout
	// KindCircuitOpen means the provider was short-circuited by its breaker
	KindCircuitOpen
	// KindAllProvidersFailed means no dispatched provider produced a result
	KindAllProvidersFailed
	// KindParse is a structured-output parse failure; it is absorbed by the
	// heuristic parser and should never reach a caller
	KindParse
)

// String returns the string representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimitOrServer:
		return "rate_limit_or_server"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindAllProvidersFailed:
		return "all_providers_failed"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimitOrServer || k == KindUnknown
}

// authRemediationHint is appended to authentication failures surfaced to callers
const authRemediationHint = "check that the provider API key is set and valid"

// ProviderError is returned by provider adapters and upstream fetchers on any
// non-success outcome.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Kind       ErrorKind
	Err        error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" provider error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Kind == KindAuth {
		b.WriteString(" (")
		b.WriteString(authRemediationHint)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed call may be retried
func (e *ProviderError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewProviderError builds a ProviderError, classifying it from status and message
func NewProviderError(provider string, statusCode int, message string, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Kind:       ClassifyStatus(statusCode, message),
		Err:        err,
	}
}

// NewNetworkError wraps a transport failure that produced no HTTP status
func NewNetworkError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Message:  err.Error(),
		Kind:     KindRateLimitOrServer,
		Err:      err,
	}
}

// ClassifyStatus maps an HTTP status and provider message to an ErrorKind.
// Message inspection only applies to client errors without a decisive status.
func ClassifyStatus(statusCode int, message string) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusBadRequest:
		return KindBadRequest
	case statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return KindRateLimitOrServer
	}

	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "api_key"):
		return KindAuth
	case strings.Contains(msg, "invalid"):
		return KindBadRequest
	default:
		return KindRateLimitOrServer
	}
}

// TimeoutError is raised when a call's time budget is exhausted or the call
// is cancelled. It is terminal regardless of remaining attempts.
type TimeoutError struct {
	Operation string
	Budget    time.Duration
	Attempts  int
	Err       error
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	if e.Budget > 0 {
		return fmt.Sprintf("%s timed out after %s (%d attempts)", e.Operation, e.Budget, e.Attempts)
	}
	return fmt.Sprintf("%s cancelled after %d attempts", e.Operation, e.Attempts)
}

// Unwrap returns the underlying context error
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Is matches ErrTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// AllProvidersFailedError is raised when every dispatched provider failed
type AllProvidersFailedError struct {
	Failures map[string]error
}

// Error implements the error interface
func (e *AllProvidersFailedError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Is matches ErrAllProvidersFailed
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap exposes the individual provider failures to errors.Is/As
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// AnalysisError is the single descriptive error the orchestrator returns for a
// terminal failure of one analysis request.
type AnalysisError struct {
	RequestID string
	Stage     string
	Kind      ErrorKind
	Err       error
}

// Error implements the error interface
func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s failed during %s (%s): %v", e.RequestID, e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification carried by err or any error it wraps
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var analysisErr *AnalysisError
	if errors.As(err, &analysisErr) {
		return analysisErr.Kind
	}
	var allErr *AllProvidersFailedError
	if errors.As(err, &allErr) {
		return KindAllProvidersFailed
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return KindCircuitOpen
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// ErrorResponse represents the standard error response format across all APIs
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode represents standard error codes used across the HTTP surface
type ErrorCode string

const (
	// Client errors (4xx)
	ErrorCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorCodeNotFound     ErrorCode = "NOT_FOUND"

	// Server errors (5xx)
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDependencyFailure  ErrorCode = "DEPENDENCY_FAILURE"
)

// ServiceError represents an error with an HTTP mapping
type ServiceError struct {
	Message    string
	Code       ErrorCode
	Kind       ErrorKind
	StatusCode int
	Internal   error
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Internal
}

// ToErrorResponse converts a ServiceError to an ErrorResponse
func (e *ServiceError) ToErrorResponse(requestID string) ErrorResponse {
	return ErrorResponse{
		Error:     e.Message,
		Code:      string(e.Code),
		Kind:      e.Kind.String(),
		RequestID: requestID,
		Timestamp: time.Now(),
	}
}

// NewServiceError creates a new ServiceError with the given parameters
func NewServiceError(message string, code ErrorCode, statusCode int, internal error) *ServiceError {
	return &ServiceError{
		Message:    message,
		Code:       code,
		Kind:       KindOf(internal),
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeBadRequest, http.StatusBadRequest, internal)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeNotFound, http.StatusNotFound, internal)
}

// NewInternalError creates a new internal server error
func NewInternalError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeInternalError, http.StatusInternalServerError, internal)
}

// ErrorHandler converts orchestration failures into HTTP responses
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// WrapError maps err to a ServiceError using its ErrorKind
func (eh *ErrorHandler) WrapError(err error, operation string) *ServiceError {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}

	kind := KindOf(err)
	code, statusCode := categorize(kind)
	message := userMessage(kind, err, operation)

	eh.logger.Error("Error occurred during operation",
		zap.String("operation", operation),
		zap.Error(err),
		zap.String("error_kind", kind.String()),
		zap.String("error_code", string(code)))

	return &ServiceError{
		Message:    message,
		Code:       code,
		Kind:       kind,
		StatusCode: statusCode,
		Internal:   err,
	}
}

// categorize determines the error code and HTTP status for an error kind
func categorize(kind ErrorKind) (ErrorCode, int) {
	switch kind {
	case KindAuth:
		return ErrorCodeUnauthorized, http.StatusBadGateway
	case KindBadRequest:
		return ErrorCodeBadRequest, http.StatusBadRequest
	case KindTimeout:
		return ErrorCodeTimeout, http.StatusGatewayTimeout
	case KindCircuitOpen:
		return ErrorCodeServiceUnavailable, http.StatusServiceUnavailable
	case KindRateLimitOrServer, KindAllProvidersFailed:
		return ErrorCodeDependencyFailure, http.StatusBadGateway
	default:
		return ErrorCodeInternalError, http.StatusInternalServerError
	}
}

// userMessage builds the caller-facing message; auth failures are surfaced
// verbatim so the remediation hint reaches the caller.
func userMessage(kind ErrorKind, err error, operation string) string {
	switch kind {
	case KindAuth, KindBadRequest:
		return err.Error()
	case KindTimeout:
		return "The analysis is taking longer than its time budget. Please try again."
	case KindCircuitOpen:
		return "The analysis provider is temporarily unavailable. Please try again in a few minutes."
	case KindAllProvidersFailed, KindRateLimitOrServer:
		return "No analysis provider could complete the request. Please try again later."
	default:
		return fmt.Sprintf("An error occurred while %s. Please try again.", operation)
	}
}

// WriteErrorResponse writes the JSON error envelope for err
func (eh *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, err error, operation, requestID string) {
	serviceErr := eh.WrapError(err, operation)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serviceErr.StatusCode)

	response := serviceErr.ToErrorResponse(requestID)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		eh.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

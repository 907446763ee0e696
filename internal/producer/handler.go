// Package producer defines the contract between the runner and the code
// that actually generates artifacts: the handler interface, the resolved
// input values it receives, and the structured error vocabulary the runner
// bases retry and fallback decisions on.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/plan"
)

// ErrorCode classifies a handler failure for the runner.
type ErrorCode string

const (
	CodeSensitiveContent  ErrorCode = "sensitive_content"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeTransientProvider ErrorCode = "transient_provider_error"
	CodeProviderFailure   ErrorCode = "provider_failure"
	CodeMissingInput      ErrorCode = "missing_input"
	CodeCancelled         ErrorCode = "cancelled"
	CodeUnknown           ErrorCode = "unknown"
)

// HandlerError is the structured failure a handler returns. Retryable
// failures are retried on the same variant before fallbacks are tried;
// UserActionRequired surfaces in diagnostics so the caller knows automation
// cannot fix it.
type HandlerError struct {
	Code               ErrorCode
	Message            string
	Retryable          bool
	UserActionRequired bool
	// RetryAfter, when set, overrides the backoff delay before the next
	// attempt.
	RetryAfter time.Duration
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a HandlerError with the defaults for its code.
func NewError(code ErrorCode, format string, args ...any) *HandlerError {
	e := &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
	switch code {
	case CodeRateLimited, CodeTransientProvider:
		e.Retryable = true
	case CodeSensitiveContent:
		e.UserActionRequired = true
	}
	return e
}

// Coerce normalises any error into a HandlerError. Context cancellation maps
// to cancelled; everything else unclassified maps to unknown, not retryable.
func Coerce(err error) *HandlerError {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeCancelled, "%v", err)
	}
	return NewError(CodeUnknown, "%v", err)
}

// Value is one resolved producer input.
type Value struct {
	// Text carries textual content: declared input values rendered as text
	// and text/json blob content.
	Text string
	// Data carries binary blob content.
	Data     []byte
	MimeType string
	// Raw preserves the original structured value for inputs that came from
	// the inputs document.
	Raw any
	// FanIn is set only for aggregation bindings.
	FanIn *FanInValue
}

// FanInValue is an aggregated input: source artifact instances grouped and
// ordered as the plan dictates, with their resolved values in matching
// positions.
type FanInValue struct {
	GroupBy string
	OrderBy string
	Groups  [][]string
	Values  [][]Value
}

// Request is everything a handler needs for one invocation attempt.
type Request struct {
	Job     plan.JobDescriptor
	Variant blueprint.Variant
	// Inputs holds each resolved value under both its binding alias and
	// the canonical id it resolved to.
	Inputs   map[string]Value
	Config   map[string]any
	MovieID  string
	Revision string
	// Attempt counts invocation attempts across variants, starting at 1.
	Attempt int
}

// ArtifactResult is one produced artifact. Exactly one of Data or Inline is
// set: Data goes to the blob store, Inline is embedded in the event.
type ArtifactResult struct {
	ArtifactID string
	Data       []byte
	MimeType   string
	Inline     json.RawMessage
}

// Result is a successful invocation's output, one entry per produced
// artifact.
type Result struct {
	Artifacts []ArtifactResult
}

// Handler generates artifacts for one provider.
type Handler interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// WarmStarter is an optional handler capability; the runner calls it once
// before the first job that uses the handler.
type WarmStarter interface {
	WarmStart(ctx context.Context, logger *zap.Logger) error
}

// Registry maps providers to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[blueprint.Provider]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[blueprint.Provider]Handler{}}
}

func (r *Registry) Register(p blueprint.Provider, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[p] = h
}

// Resolve returns the handler for a provider.
func (r *Registry) Resolve(p blueprint.Provider) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[p]
	if !ok {
		return nil, fmt.Errorf("no handler registered for provider %q", p)
	}
	return h, nil
}

// Providers returns the registered providers.
func (r *Registry) Providers() []blueprint.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]blueprint.Provider, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}

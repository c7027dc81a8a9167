// Package llm provides the completion capability consumed by the report
// pipeline.
//
// The pipeline is a pure transformation from a message window to report
// text, parameterized by a Provider. Keeping the provider behind a
// one-method interface decouples the pipeline from any specific vendor's
// request/response shape and lets tests substitute a deterministic stub.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrRateLimit is returned by a Provider when the upstream API reports a
// rate-limiting condition (e.g. HTTP 429 Too Many Requests). Rate limits
// are transient: the retry layer backs off and tries again.
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// ErrEmptyCompletion is returned when the API answered successfully but
// produced no usable text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// APIError is a non-2xx response from the completion API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: API error (HTTP %d, %s): %s", e.StatusCode, e.Type, e.Message)
}

// IsTransient reports whether err is worth retrying with backoff: rate
// limits, timeouts, dropped connections, and upstream 5xx responses.
// Anything else (bad credentials, malformed request) is fatal and retrying
// would only burn the attempt budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimit) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// Provider is a stateless text-generation capability: one prompt in, one
// completion out, no session carried between calls.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must honor ctx cancellation and deadlines.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

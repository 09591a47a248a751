package batch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
)

var ErrMissingToken = errors.New("batch request requires a bearer token")

// Options tune a single dispatch
type Options struct {
	Method   string // GET (default) or POST
	Language string // Forwarded as Accept-Language when set
}

// Result is a successfully parsed batch response
type Result struct {
	StatusCode int
	Body       query.BatchBody
	Attempts   int
}

// Observer is notified once per dispatched batch
type Observer interface {
	ObserveBatch(status int, attempts int, d time.Duration)
}

// TransportError means the batch as a whole failed: network error,
// unexpected status, or a body that is not the expected JSON.
type TransportError struct {
	StatusCode int
	Body       []byte
	Malformed  bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Malformed:
		return fmt.Sprintf("malformed batch response (http %d): %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("batch request failed: %v", e.Err)
	}
	b := strings.TrimSpace(string(e.Body))
	if len(b) > 256 {
		b = b[:256]
	}
	if b == "" {
		return fmt.Sprintf("batch http %d", e.StatusCode)
	}
	return fmt.Sprintf("batch http %d: %s", e.StatusCode, b)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a second attempt could succeed
func (e *TransportError) Retryable() bool {
	if e.Malformed {
		return false
	}
	if e.Err != nil {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NotSent reports whether the request failed while dialing, before any
// byte reached the backend
func (e *TransportError) NotSent() bool {
	var op *net.OpError
	return errors.As(e.Err, &op) && op.Op == "dial"
}

// Unauthorized reports whether the backend rejected the bearer token
func (e *TransportError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

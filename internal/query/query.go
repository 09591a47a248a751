package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
)

// Parse decodes the JSON array sent in the queries parameter
func Parse(raw string) (Queries, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: queries parameter is empty", ErrInvalidQuery)
	}
	if len(raw) > constants.MaxQueriesParamLen {
		return nil, fmt.Errorf("%w: queries parameter too large", ErrInvalidQuery)
	}

	var qs Queries
	if err := json.Unmarshal([]byte(raw), &qs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if err := qs.Validate(); err != nil {
		return nil, err
	}
	return qs, nil
}

// Validate checks that every query has a ref and endpoint and refs are unique
func (qs Queries) Validate() error {
	if len(qs) > constants.MaxQueriesPerBatch {
		return fmt.Errorf("%w: %d > %d", ErrTooMany, len(qs), constants.MaxQueriesPerBatch)
	}
	seen := make(map[string]struct{}, len(qs))
	for i, q := range qs {
		if strings.TrimSpace(q.Ref) == "" {
			return fmt.Errorf("%w: query %d has no ref", ErrInvalidQuery, i)
		}
		if strings.TrimSpace(q.Endpoint) == "" {
			return fmt.Errorf("%w: query %q has no endpoint", ErrInvalidQuery, q.Ref)
		}
		if _, dup := seen[q.Ref]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateRef, q.Ref)
		}
		seen[q.Ref] = struct{}{}
	}
	return nil
}

// Refs returns the refs in submission order
func (qs Queries) Refs() []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Ref
	}
	return out
}

// Method is POST when any query asks for it, GET otherwise
func (qs Queries) Method() string {
	for _, q := range qs {
		if q.Meta != nil && strings.EqualFold(q.Meta.Method, http.MethodPost) {
			return http.MethodPost
		}
	}
	return http.MethodGet
}

// Encode serializes the batch into the single queries parameter value
func (qs Queries) Encode() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(qs); err != nil {
		return "", fmt.Errorf("encode queries: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// IsError reports whether the value carries an "error" key
func (r QueryResponse) IsError() bool {
	m, ok := r.Value.(map[string]any)
	if !ok {
		return false
	}
	_, has := m["error"]
	return has
}

// NewErrorResponse builds a locally synthesized per-query error
func NewErrorResponse(ref, code, message string) QueryResponse {
	return QueryResponse{
		Ref: ref,
		Value: map[string]any{
			"error":   code,
			"message": message,
		},
	}
}

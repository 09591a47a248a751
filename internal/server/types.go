package server

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`             // Human-readable error message
	Code    int    `json:"code"`              // HTTP status code
	Details any    `json:"details,omitempty"` // Additional error details (dev mode only)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	OK    bool `json:"ok"`
	Flags bool `json:"flags"` // Flag store configured
}

// FlagUpsertRequest represents a request to create or update a feature flag
type FlagUpsertRequest struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// FlagUpdateRequest represents a request to update an existing feature flag
type FlagUpdateRequest struct {
	Value bool `json:"value"`
}

package models

import "time"

// Activity is one proxied batch, as recorded for analytics
type Activity struct {
	BatchID     string    `json:"batch_id"`
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"`
	Refs        []string  `json:"refs"`
	Endpoints   []string  `json:"endpoints"`
	AuthSource  string    `json:"auth_source"`         // cookie | refresh | grant
	StatusCode  int       `json:"status_code"`         // Backend HTTP status, 0 when not reached
	ErrorCode   string    `json:"error_code,omitempty"` // Set when the batch failed as a whole
	QueryErrors int       `json:"query_errors"`        // Per-query error responses
	Missing     int       `json:"missing"`             // Refs the backend did not answer
	Attempts    int       `json:"attempts"`
	DurationMs  int64     `json:"duration_ms"`
	Language    string    `json:"language,omitempty"`
}

package query

import (
	"encoding/json"
	"errors"
)

var (
	ErrInvalidQuery = errors.New("invalid query")
	ErrDuplicateRef = errors.New("duplicate query ref")
	ErrTooMany      = errors.New("too many queries")
)

// Query is a declarative request for one slice of backend data
type Query struct {
	Ref      string            `json:"ref"`            // Correlation key, unique per batch
	Endpoint string            `json:"endpoint"`       // Backend endpoint path
	Params   map[string]string `json:"params"`         // Endpoint parameters
	Type     string            `json:"type,omitempty"` // Response type hint (e.g. "group")
	Meta     *QueryMeta        `json:"meta,omitempty"` // Optional flags and method
}

// QueryMeta carries per-query options
type QueryMeta struct {
	Flags  []string `json:"flags,omitempty"`  // Feature flags the caller wants resolved
	Method string   `json:"method,omitempty"` // GET (default) or POST
}

// Queries is an ordered batch of queries
type Queries []Query

// QueryResponse is the backend answer for one query, correlated by Ref
type QueryResponse struct {
	Ref   string         `json:"ref"`
	Value any            `json:"value"`
	Type  string         `json:"type,omitempty"`
	Flags []string       `json:"flags,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// ProxyResponse is either a success ({responses}) or an error ({error, message})
type ProxyResponse struct {
	Responses []QueryResponse
	Error     string
	Message   string
}

type successBody struct {
	Responses []QueryResponse `json:"responses"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Success builds the success variant; nil responses become an empty list
func Success(responses []QueryResponse) ProxyResponse {
	if responses == nil {
		responses = []QueryResponse{}
	}
	return ProxyResponse{Responses: responses}
}

// Failure builds the error variant
func Failure(code, message string) ProxyResponse {
	return ProxyResponse{Error: code, Message: message}
}

func (p ProxyResponse) IsError() bool {
	return p.Error != ""
}

func (p ProxyResponse) MarshalJSON() ([]byte, error) {
	if p.IsError() {
		return json.Marshal(errorBody{Error: p.Error, Message: p.Message})
	}
	rs := p.Responses
	if rs == nil {
		rs = []QueryResponse{}
	}
	return json.Marshal(successBody{Responses: rs})
}

func (p *ProxyResponse) UnmarshalJSON(b []byte) error {
	var raw struct {
		Responses []QueryResponse `json:"responses"`
		Error     string          `json:"error"`
		Message   string          `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Error != "" {
		*p = Failure(raw.Error, raw.Message)
		return nil
	}
	*p = Success(raw.Responses)
	return nil
}

// BatchBody is the parsed body of a batch call to the backend
type BatchBody struct {
	Responses []QueryResponse `json:"responses"`
}

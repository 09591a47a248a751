package auth

import (
	"errors"
	"fmt"
	"time"
)

var ErrNoAccessToken = errors.New("token response has no access token")

// Source tells where the resolved token came from
type Source string

const (
	SourceCookie  Source = "cookie"  // Token supplied by the caller
	SourceRefresh Source = "refresh" // Minted by a refresh-token grant
	SourceGrant   Source = "grant"   // Minted by an anonymous client-credentials grant
)

// Credentials is the credential material found on an inbound request
type Credentials struct {
	OAuthToken    string
	RefreshToken  string
	MemberSession string
}

// State is the token set used to stamp the outbound batch call
type State struct {
	OAuthToken   string `json:"oauth_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // Seconds
}

// CookieInstruction asks the HTTP layer to set a cookie on the response
type CookieInstruction struct {
	Name  string
	Value string
	TTL   time.Duration
}

// Resolution is the outcome of resolving credentials for one request
type Resolution struct {
	State   State
	Cookies []CookieInstruction
	Source  Source
}

// Error is returned when a token grant fails; it is fatal to the batch
type Error struct {
	Op  string // "refresh" or "grant"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

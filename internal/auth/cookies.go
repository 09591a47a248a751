package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
)

// CookieOptions controls attributes of cookies written back to the browser
type CookieOptions struct {
	Domain string
	Secure bool
}

// HTTPCookie converts the instruction into a Set-Cookie value.
// A zero TTL (token without a known lifetime) becomes a session cookie.
func (c CookieInstruction) HTTPCookie(opts CookieOptions) *http.Cookie {
	ck := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     "/",
		Domain:   opts.Domain,
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if c.TTL > 0 {
		ck.MaxAge = int(c.TTL / time.Second)
		ck.Expires = time.Now().Add(c.TTL)
	}
	return ck
}

// CredentialsFromRequest reads token cookies and the Authorization header.
// A bearer header takes precedence over the oauth_token cookie.
func CredentialsFromRequest(r *http.Request) Credentials {
	var creds Credentials
	if c, err := r.Cookie(constants.CookieOAuthToken); err == nil {
		creds.OAuthToken = strings.TrimSpace(c.Value)
	}
	if c, err := r.Cookie(constants.CookieRefreshToken); err == nil {
		creds.RefreshToken = strings.TrimSpace(c.Value)
	}
	if c, err := r.Cookie(constants.CookieMemberSession); err == nil {
		creds.MemberSession = c.Value
	}

	h := r.Header.Get(constants.HeaderAuthorization)
	if len(h) > len(constants.BearerPrefix) && strings.EqualFold(h[:len(constants.BearerPrefix)], constants.BearerPrefix) {
		if tok := strings.TrimSpace(h[len(constants.BearerPrefix):]); tok != "" {
			creds.OAuthToken = tok
		}
	}
	return creds
}

package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config holds settings for the token provider
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RefreshTTL   time.Duration // Lifetime of the refresh_token cookie
	HTTPClient   *http.Client  // Optional; built from Timeout when nil
	Logger       *logrus.Logger
}

// GrantObserver is notified once per grant attempt
type GrantObserver interface {
	ObserveGrant(op string, ok bool, d time.Duration)
}

// Provider resolves a bearer token for a request, minting one when needed
type Provider struct {
	tokenURL     string
	clientID     string
	clientSecret string
	refreshTTL   time.Duration
	httpClient   *http.Client
	logger       *logrus.Logger
	observer     GrantObserver
}

// NewProvider creates a token provider for the given auth backend
func NewProvider(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = constants.DefaultRefreshTokenTTL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshTTL:   cfg.RefreshTTL,
		httpClient:   hc,
		logger:       cfg.Logger,
	}, nil
}

// WithObserver attaches a grant observer (metrics)
func (p *Provider) WithObserver(o GrantObserver) *Provider {
	p.observer = o
	return p
}

// Resolve returns a usable token for the request.
// An existing oauth_token is used as-is; otherwise a refresh_token is
// exchanged, and with neither an anonymous token is granted.
func (p *Provider) Resolve(ctx context.Context, creds Credentials) (*Resolution, error) {
	if creds.OAuthToken != "" {
		return &Resolution{
			State:  State{OAuthToken: creds.OAuthToken, RefreshToken: creds.RefreshToken},
			Source: SourceCookie,
		}, nil
	}
	if creds.RefreshToken != "" {
		return p.Refresh(ctx, creds.RefreshToken)
	}
	return p.Grant(ctx, creds.MemberSession)
}

// Refresh performs a refresh-token grant. It is never retried.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Resolution, error) {
	conf := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	start := time.Now()
	tok, err := conf.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	p.observe("refresh", err == nil, time.Since(start))
	if err != nil {
		p.logger.WithError(err).Warn("refresh token grant failed")
		return nil, &Error{Op: "refresh", Err: err}
	}

	res, err := p.resolution(tok, SourceRefresh)
	if err != nil {
		return nil, &Error{Op: "refresh", Err: err}
	}
	p.logger.WithField("expires_in", res.State.ExpiresIn).Debug("refreshed oauth token")
	return res, nil
}

// Grant mints an anonymous token with the client-credentials grant.
// A member session, when present, is forwarded so the auth backend can
// bind the token to the logged-in member.
func (p *Provider) Grant(ctx context.Context, memberSession string) (*Resolution, error) {
	conf := &clientcredentials.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		TokenURL:     p.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if memberSession != "" {
		conf.EndpointParams = url.Values{"member_session": {memberSession}}
	}

	start := time.Now()
	tok, err := conf.Token(p.clientContext(ctx))
	p.observe("grant", err == nil, time.Since(start))
	if err != nil {
		p.logger.WithError(err).Warn("anonymous token grant failed")
		return nil, &Error{Op: "grant", Err: err}
	}

	res, err := p.resolution(tok, SourceGrant)
	if err != nil {
		return nil, &Error{Op: "grant", Err: err}
	}
	p.logger.WithFields(logrus.Fields{
		"expires_in": res.State.ExpiresIn,
		"member":     memberSession != "",
	}).Debug("granted oauth token")
	return res, nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *Provider) observe(op string, ok bool, d time.Duration) {
	if p.observer != nil {
		p.observer.ObserveGrant(op, ok, d)
	}
}

func (p *Provider) resolution(tok *oauth2.Token, src Source) (*Resolution, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	st := State{
		OAuthToken:   tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
	}

	cookies := []CookieInstruction{{
		Name:  constants.CookieOAuthToken,
		Value: st.OAuthToken,
		TTL:   time.Duration(st.ExpiresIn) * time.Second,
	}}
	if st.RefreshToken != "" {
		cookies = append(cookies, CookieInstruction{
			Name:  constants.CookieRefreshToken,
			Value: st.RefreshToken,
			TTL:   p.refreshTTL,
		})
	}

	return &Resolution{State: st, Cookies: cookies, Source: src}, nil
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
}

package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 8 << 20

// Client sends a batch of queries to the backend API in one HTTP call
type Client struct {
	httpClient   *http.Client
	endpoint     string
	maxRetries   int
	retryBackoff time.Duration
	logger       *logrus.Logger
	observer     Observer
}

// ClientConfig holds configuration for the batch client
type ClientConfig struct {
	BaseURL      string
	Path         string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client // Optional; built from Timeout when nil
	Logger       *logrus.Logger
	Observer     Observer
}

// NewClient creates a new batch client
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	path := cfg.Path
	if path == "" {
		path = constants.DefaultBatchPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		httpClient:   hc,
		endpoint:     base + path,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
		observer:     cfg.Observer,
	}, nil
}

// BuildRequest serializes the queries into one request. The queries are
// JSON-encoded into a single "queries" parameter: in the query string for
// GET, in a form body for POST.
func (c *Client) BuildRequest(ctx context.Context, qs query.Queries, token string, opts Options) (*http.Request, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	encoded, err := qs.Encode()
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set(constants.ParamQueries, encoded)

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	var req *http.Request
	switch method {
	case http.MethodGet:
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+form.Encode(), nil)
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		return nil, fmt.Errorf("unsupported batch method %q", opts.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
	req.Header.Set("Accept", "application/json")
	if opts.Language != "" {
		req.Header.Set(constants.HeaderAcceptLang, opts.Language)
	}
	return req, nil
}

// Dispatch sends the batch and parses the body once.
// Zero queries return an empty result without touching the network.
func (c *Client) Dispatch(ctx context.Context, qs query.Queries, token string, opts Options) (*Result, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if len(qs) == 0 {
		return &Result{StatusCode: http.StatusOK, Body: query.BatchBody{Responses: []query.QueryResponse{}}}, nil
	}

	start := time.Now()
	backoff := c.retryBackoff
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
				"queries": len(qs),
			}).Debug("retrying batch call")

			select {
			case <-ctx.Done():
				c.observe(0, attempts, start)
				return nil, &TransportError{Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := c.BuildRequest(ctx, qs, token, opts)
		if err != nil {
			return nil, err
		}

		attempts++
		res, err := c.do(req)
		if err == nil {
			res.Attempts = attempts
			c.observe(res.StatusCode, res.Attempts, start)
			return res, nil
		}
		lastErr = err

		te, ok := err.(*TransportError)
		if !ok || !te.Retryable() || ctx.Err() != nil {
			break
		}
		// A POST may carry mutations; replay it only if it never left
		if req.Method != http.MethodGet && !te.NotSent() {
			break
		}
	}

	status := 0
	if te, ok := lastErr.(*TransportError); ok {
		status = te.StatusCode
	}
	c.observe(status, attempts, start)
	c.logger.WithError(lastErr).WithField("queries", len(qs)).Warn("batch call failed")
	return nil, lastErr
}

func (c *Client) do(req *http.Request) (*Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: body}
	}

	var out query.BatchBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: body, Malformed: true, Err: err}
	}
	return &Result{StatusCode: resp.StatusCode, Body: out}, nil
}

func (c *Client) observe(status, attempts int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveBatch(status, attempts, time.Since(start))
	}
}

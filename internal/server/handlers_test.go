package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/auth"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/batch"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/duotone"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/flags"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/language"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/proxy"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key"

type recordingRunner struct {
	mu   sync.Mutex
	reqs []proxy.Request
	res  *proxy.Result
}

func (r *recordingRunner) Run(_ context.Context, req proxy.Request) *proxy.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.res
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, h *Handlers, cfg ServerConfig) http.Handler {
	t.Helper()
	if h.Logger == nil {
		h.Logger = quietLogger()
	}
	srv, err := NewServer(ServerDeps{Handlers: h, Config: cfg})
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func muAPIGet(queries string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/mu_api?queries="+url.QueryEscape(queries), nil)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}}, ServerConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.False(t, body.Flags)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestMuAPI_GetRunsBatchAndSetsCookies(t *testing.T) {
	runner := &recordingRunner{res: &proxy.Result{
		Response: query.Success([]query.QueryResponse{{Ref: "a", Value: map[string]any{"bar": "baz"}}}),
		Cookies:  []auth.CookieInstruction{{Name: "oauth_token", Value: "minted", TTL: time.Hour}},
	}}
	langs, err := language.NewResolver([]string{"en-US", "de-DE"})
	require.NoError(t, err)
	h := newTestServer(t, &Handlers{
		Proxy:     runner,
		Languages: langs,
		Cookies:   auth.CookieOptions{Domain: "example.com", Secure: true},
	}, ServerConfig{})

	req := muAPIGet(`[{"ref":"a","endpoint":"foo","params":{}}]`)
	req.AddCookie(&http.Cookie{Name: "oauth_token", Value: "incoming"})
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"responses":[{"ref":"a","value":{"bar":"baz"}}]}`, rec.Body.String())

	require.Len(t, runner.reqs, 1)
	got := runner.reqs[0]
	assert.Equal(t, query.Queries{{Ref: "a", Endpoint: "foo", Params: map[string]string{}}}, got.Queries)
	assert.Equal(t, "incoming", got.Credentials.OAuthToken)
	assert.Equal(t, "de-DE", got.Language)
	assert.Empty(t, got.Method)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "oauth_token", cookies[0].Name)
	assert.Equal(t, "minted", cookies[0].Value)
	assert.Equal(t, 3600, cookies[0].MaxAge)
	assert.True(t, cookies[0].HttpOnly)
}

func TestMuAPI_PostForm(t *testing.T) {
	runner := &recordingRunner{res: &proxy.Result{Response: query.Success(nil)}}
	h := newTestServer(t, &Handlers{Proxy: runner}, ServerConfig{})

	form := url.Values{"queries": {`[{"ref":"a","endpoint":"foo"}]`}}
	req := httptest.NewRequest(http.MethodPost, "/mu_api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, http.MethodPost, runner.reqs[0].Method)
}

func TestMuAPI_BatchErrorsAreStill200(t *testing.T) {
	runner := &recordingRunner{res: &proxy.Result{Response: query.Failure("auth_error", "could not obtain an API token")}}
	h := newTestServer(t, &Handlers{Proxy: runner}, ServerConfig{})

	rec := do(t, h, muAPIGet(`[{"ref":"a","endpoint":"foo"}]`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error":"auth_error","message":"could not obtain an API token"}`, rec.Body.String())
}

func TestMuAPI_InvalidQueries(t *testing.T) {
	runner := &recordingRunner{}
	h := newTestServer(t, &Handlers{Proxy: runner}, ServerConfig{})

	cases := map[string]*http.Request{
		"missing":   httptest.NewRequest(http.MethodGet, "/mu_api", nil),
		"not json":  muAPIGet(`not json`),
		"not array": muAPIGet(`{"ref":"a"}`),
		"no ref":    muAPIGet(`[{"endpoint":"foo"}]`),
		"dup refs":  muAPIGet(`[{"ref":"a","endpoint":"x"},{"ref":"a","endpoint":"y"}]`),
		"too large": muAPIGet(strings.Repeat(" ", 70<<10) + `[]`),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_queries", body["error"])
			assert.NotEmpty(t, body["message"])
			assert.NotContains(t, body, "responses")
		})
	}
	assert.Empty(t, runner.reqs)
}

// Full HTTP path: echo handler, orchestrator, real auth provider and batch
// client talking to httptest backends.
func TestMuAPI_EndToEnd(t *testing.T) {
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cookie-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/batch", r.URL.Path)
		_, _ = w.Write([]byte(`{"responses":[{"ref":"a","value":{"bar":"baz"}}]}`))
	}))
	defer apiSrv.Close()

	provider, err := auth.NewProvider(auth.Config{TokenURL: apiSrv.URL + "/token", ClientID: "c", Logger: quietLogger()})
	require.NoError(t, err)
	client, err := batch.NewClient(batch.ClientConfig{BaseURL: apiSrv.URL, Logger: quietLogger()})
	require.NoError(t, err)
	orch, err := proxy.New(proxy.Config{
		Auth:       provider,
		Dispatcher: client,
		Signer:     duotone.NewSigner("", "salt"),
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	h := newTestServer(t, &Handlers{Proxy: orch}, ServerConfig{})

	req := muAPIGet(`[{"ref":"a","endpoint":"foo","params":{}}]`)
	req.AddCookie(&http.Cookie{Name: "oauth_token", Value: "cookie-token"})
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"responses":[{"ref":"a","value":{"bar":"baz"},"meta":{"statusCode":200,"endpoint":"foo"}}]}`,
		rec.Body.String())
}

func TestMuAPI_RateLimited(t *testing.T) {
	runner := &recordingRunner{res: &proxy.Result{Response: query.Success(nil)}}
	h := newTestServer(t, &Handlers{Proxy: runner}, ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, h, muAPIGet(`[]`)).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestErrorHandling_NotFound(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}}, ServerConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/nonexistent", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not found", body.Error)
	assert.Equal(t, http.StatusNotFound, body.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte("mu_api_up 1\n"))
	})
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}}, ServerConfig{Metrics: metrics})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mu_api_up 1")
}

func TestFlags_NotConfigured(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}}, ServerConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/flags", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFlags_RequireAPIKey(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}}, ServerConfig{APIKey: testAPIKey})

	req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, do(t, h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
	req.Header.Set("X-API-Key", "invalid-key")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, req).Code)

	// The proxy itself stays open to browsers
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// unreachableFlagStore fails every Redis call without needing a server
func unreachableFlagStore(t *testing.T) *flags.Store {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	store, err := flags.NewStore(client, "")
	require.NoError(t, err)
	return store
}

func TestFlags_StoreFailureDetailsInDevMode(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}, Flags: unreachableFlagStore(t), DevMode: true}, ServerConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/flags", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "flag store unavailable", body.Error)
	details, ok := body.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "list", details["op"])
	assert.NotEmpty(t, details["err"])
}

func TestFlags_StoreFailureHidesDetails(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}, Flags: unreachableFlagStore(t)}, ServerConfig{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/v1/flags/some.flag", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "details")
}

func TestFlags_InvalidKeyRejectedBeforeStore(t *testing.T) {
	h := newTestServer(t, &Handlers{Proxy: &recordingRunner{}, Flags: unreachableFlagStore(t)}, ServerConfig{})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/flags/bad:key", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/flags/bad:key", nil),
		flagRequest(http.MethodPost, "/v1/flags", `{"key":"bad:key","value":true}`),
	} {
		rec := do(t, h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, req.Method+" "+req.URL.Path)
		assert.Contains(t, rec.Body.String(), "invalid key")
	}
}

func setupFlagServer(t *testing.T) http.Handler {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr, DB: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for flag tests: %v", err)
	}

	store, err := flags.NewStore(client, "muapi:test:server:"+t.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		items, _ := store.List(context.Background())
		for _, f := range items {
			_ = store.Delete(context.Background(), f.Key)
		}
		_ = client.Close()
	})

	return newTestServer(t, &Handlers{Proxy: &recordingRunner{}, Flags: store}, ServerConfig{APIKey: testAPIKey})
}

func flagRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	return req
}

func TestFlags_CRUD(t *testing.T) {
	h := setupFlagServer(t)

	rec := do(t, h, flagRequest(http.MethodPost, "/v1/flags", `{"key":"test.flag","value":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var created flags.Flag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "test.flag", created.Key)
	assert.True(t, created.Value)
	assert.NotZero(t, created.UpdatedAt)

	rec = do(t, h, flagRequest(http.MethodPut, "/v1/flags/test.flag", `{"value":false}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, flagRequest(http.MethodGet, "/v1/flags/test.flag", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var got flags.Flag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Value)

	rec = do(t, h, flagRequest(http.MethodGet, "/v1/flags", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []*flags.Flag `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "test.flag", list.Items[0].Key)

	rec = do(t, h, flagRequest(http.MethodDelete, "/v1/flags/test.flag", ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, flagRequest(http.MethodGet, "/v1/flags/test.flag", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlags_Validation(t *testing.T) {
	h := setupFlagServer(t)

	rec := do(t, h, flagRequest(http.MethodPost, "/v1/flags", `{"key":"","value":true}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid key", body.Error)

	rec = do(t, h, flagRequest(http.MethodPost, "/v1/flags", `{"key":"invalid:key","value":true}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, flagRequest(http.MethodPost, "/v1/flags", `not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

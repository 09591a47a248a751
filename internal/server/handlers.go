package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/auth"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/flags"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/language"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/proxy"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// BatchRunner runs one page's query batch
type BatchRunner interface {
	Run(ctx context.Context, req proxy.Request) *proxy.Result
}

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	Proxy        BatchRunner        // Batch orchestrator
	Flags        *flags.Store       // Redis-backed feature flags store (optional)
	Languages    *language.Resolver // Request language negotiation (optional)
	Cookies      auth.CookieOptions // Attributes for minted token cookies
	BatchTimeout time.Duration      // Upper bound for one /mu_api call
	DevMode      bool               // Enable detailed error responses in development
	Logger       *logrus.Logger     // Structured logger
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

// withTimeout creates a context with timeout, defaulting to 10 seconds if duration <= 0
func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health returns a simple health check endpoint
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{OK: true, Flags: h.Flags != nil})
}

// MuAPI proxies a page's query batch to the backend API.
// Any outcome of the batch itself is a 200 carrying a ProxyResponse; only a
// missing or unparsable queries parameter is rejected with 400.
func (h *Handlers) MuAPI(c echo.Context) error {
	req := c.Request()
	raw := c.FormValue(constants.ParamQueries)
	if raw == "" {
		return c.JSON(http.StatusBadRequest, query.Failure(constants.ErrCodeInvalidQueries, "queries parameter is required"))
	}
	if len(raw) > constants.MaxQueriesParamLen {
		return c.JSON(http.StatusBadRequest, query.Failure(constants.ErrCodeInvalidQueries, "queries parameter is too large"))
	}
	qs, err := query.Parse(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, query.Failure(constants.ErrCodeInvalidQueries, err.Error()))
	}

	pr := proxy.Request{
		Queries:     qs,
		Credentials: auth.CredentialsFromRequest(req),
	}
	if h.Languages != nil {
		pr.Language = h.Languages.FromRequest(req)
	}
	if req.Method == http.MethodPost {
		pr.Method = http.MethodPost
	}

	ctx, cancel := h.withTimeout(req.Context(), h.BatchTimeout)
	defer cancel()

	res := h.Proxy.Run(ctx, pr)
	for _, ck := range res.Cookies {
		c.SetCookie(ck.HTTPCookie(h.Cookies))
	}

	if h.Logger != nil {
		h.Logger.WithFields(logrus.Fields{
			"batch_id": res.BatchID,
			"queries":  len(qs),
			"error":    res.Response.Error,
		}).Debug("mu_api batch served")
	}
	return c.JSON(http.StatusOK, res.Response)
}

// RequireFlags answers 503 on the flag admin routes when no store is configured
func (h *Handlers) RequireFlags(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.Flags == nil {
			return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
		}
		return next(c)
	}
}

// flagFailure renders a flag store error. Unexpected errors are logged and,
// in dev mode, echoed back as details.
func (h *Handlers) flagFailure(c echo.Context, op, key string, err error) error {
	switch {
	case errors.Is(err, flags.ErrInvalidKey):
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": key})
	case errors.Is(err, flags.ErrNotFound):
		return h.err(c, http.StatusNotFound, "flag not found", map[string]any{"key": key})
	}
	if h.Logger != nil {
		h.Logger.WithError(err).WithFields(logrus.Fields{"op": op, "key": key}).Error("flag store failed")
	}
	return h.err(c, http.StatusInternalServerError, "flag store unavailable", map[string]any{"op": op, "err": err.Error()})
}

// putFlag writes one flag; shared by create and update
func (h *Handlers) putFlag(c echo.Context, key string, value bool) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, key, value)
	if err != nil {
		return h.flagFailure(c, "put", key, err)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsUpsert creates or updates the flag named in the body
func (h *Handlers) FlagsUpsert(c echo.Context) error {
	var req FlagUpsertRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	return h.putFlag(c, req.Key, req.Value)
}

// FlagsUpdate sets the value of the flag named in the path
func (h *Handlers) FlagsUpdate(c echo.Context) error {
	var req FlagUpdateRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	return h.putFlag(c, c.Param("key"), req.Value)
}

func (h *Handlers) FlagsGet(c echo.Context) error {
	key := c.Param("key")
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Get(ctx, key)
	if err != nil {
		return h.flagFailure(c, "get", key, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handlers) FlagsList(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Flags.List(ctx)
	if err != nil {
		return h.flagFailure(c, "list", "", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// FlagsDelete removes a flag; deleting an unknown flag is not an error
func (h *Handlers) FlagsDelete(c echo.Context) error {
	key := c.Param("key")
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.Flags.Delete(ctx, key); err != nil {
		return h.flagFailure(c, "delete", key, err)
	}
	return c.NoContent(http.StatusNoContent)
}

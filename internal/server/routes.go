package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// RegisterRoutes configures all API routes, middleware, and error handlers
func RegisterRoutes(e *echo.Echo, h *Handlers, cfg ServerConfig) {
	e.HTTPErrorHandler = JSONErrorHandler(h.Logger, cfg.DevMode)

	e.Use(SetJSONContentType)
	e.Use(SetNoCacheHeaders)

	// Browser-facing batch proxy, rate limited per client IP
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	limiter := middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RateLimitRPS),
		Burst:     cfg.RateLimitBurst,
		ExpiresIn: 3 * time.Minute,
	}))
	e.GET("/mu_api", h.MuAPI, limiter)
	e.POST("/mu_api", h.MuAPI, limiter)

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	v1 := e.Group("/v1")
	v1.GET("/health", h.Health)

	// Feature flags admin, optionally behind X-API-Key
	flagGroup := v1.Group("/flags")
	if cfg.APIKey != "" {
		flagGroup.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.APIKey, nil
			},
		}))
	}
	flagGroup.Use(h.RequireFlags)
	flagGroup.GET("", h.FlagsList)
	flagGroup.POST("", h.FlagsUpsert)
	flagGroup.GET("/:key", h.FlagsGet)
	flagGroup.PUT("/:key", h.FlagsUpdate)
	flagGroup.DELETE("/:key", h.FlagsDelete)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}

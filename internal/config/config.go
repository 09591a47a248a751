package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
)

type Config struct {
	// API server settings
	APIAddr string
	APIKey  string // Guards the flag admin routes when set
	DevMode bool

	// Backend API settings
	BackendURL       string
	BackendBatchPath string

	// OAuth settings
	AuthTokenURL      string
	OAuthClientID     string
	OAuthClientSecret string
	RefreshTokenTTL   time.Duration

	// Cookie settings
	CookieDomain string
	CookieSecure bool

	// Duotone photo scaler
	PhotoScalerSalt string
	PhotoScalerURL  string

	// Languages offered to Accept-Language negotiation
	SupportedLanguages []string

	// HTTP client settings
	HTTPTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Redis settings (feature flags are disabled when empty)
	RedisAddr string

	// ClickHouse settings
	TrackingEnabled    bool
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	// Rate limiting for /mu_api
	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() *Config {
	return &Config{
		// API
		APIAddr: getEnv("API_ADDR", ":8090"),
		APIKey:  getEnv("API_KEY", ""),
		DevMode: getBoolEnv("DEV_MODE", false),

		// Backend
		BackendURL:       getEnv("BACKEND_API_URL", ""),
		BackendBatchPath: getEnv("BACKEND_BATCH_PATH", constants.DefaultBatchPath),

		// OAuth
		AuthTokenURL:      getEnv("AUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		RefreshTokenTTL:   getDurationEnv("REFRESH_TOKEN_TTL", constants.DefaultRefreshTokenTTL),

		// Cookies
		CookieDomain: getEnv("COOKIE_DOMAIN", ""),
		CookieSecure: getBoolEnv("COOKIE_SECURE", true),

		// Duotones
		PhotoScalerSalt: getEnv("PHOTO_SCALER_SALT", ""),
		PhotoScalerURL:  getEnv("PHOTO_SCALER_URL", constants.DefaultPhotoScalerURL),

		SupportedLanguages: getListEnv("SUPPORTED_LANGUAGES", []string{constants.DefaultLanguage}),

		// HTTP
		HTTPTimeout:  getDurationEnv("HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:   getIntEnv("MAX_RETRIES", 1),
		RetryBackoff: getDurationEnv("RETRY_BACKOFF", 200*time.Millisecond),

		// Redis
		RedisAddr: getEnv("REDIS_ADDR", ""),

		// ClickHouse
		TrackingEnabled:    getBoolEnv("TRACKING_ENABLED", false),
		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "mu_api"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),

		// Rate limiting
		RateLimitRPS:   getFloatEnv("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 40),
	}
}

// Validate reports the first setting that would keep the proxy from serving
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIAddr) == "" {
		return fmt.Errorf("API_ADDR is required")
	}
	if err := validateURL("BACKEND_API_URL", c.BackendURL); err != nil {
		return err
	}
	if err := validateURL("AUTH_TOKEN_URL", c.AuthTokenURL); err != nil {
		return err
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	if c.PhotoScalerSalt == "" {
		return fmt.Errorf("PHOTO_SCALER_SALT is required")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be positive")
	}
	if len(c.SupportedLanguages) == 0 {
		return fmt.Errorf("SUPPORTED_LANGUAGES must name at least one language")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.TrackingEnabled && c.ClickHouseAddr == "" {
		return fmt.Errorf("CLICKHOUSE_ADDR is required when tracking is enabled")
	}
	return nil
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute url", key)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getListEnv splits a comma separated value, dropping blanks
func getListEnv(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

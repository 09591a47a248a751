package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/auth"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/batch"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/config"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/duotone"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/flags"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/language"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/metrics"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/proxy"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/server"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/storage"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/tracking"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// env bootstrap function
func loadEnv(logger *logrus.Logger) {
	// Get the project root directory (where go.mod is)
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	} else {
		logger.Infof("loaded .env from %s", envPath)
	}
}

// main wires the batch proxy and serves it until SIGINT/SIGTERM
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	// load .env BEFORE anything reads os.Getenv
	loadEnv(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if cfg.DevMode {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Feature flags are optional; without Redis meta.flags resolve to nothing
	var flagStore *flags.Store
	if cfg.RedisAddr != "" {
		rclient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rclient.Close() }()
		if err := rclient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("failed to connect to Redis")
		}
		s, err := flags.NewStore(rclient, "")
		if err != nil {
			logger.WithError(err).Fatal("failed to create flags store")
		}
		flagStore = s
	}

	// Activity goes to ClickHouse when tracking is enabled, otherwise to the log
	var sink storage.ActivityRecorder = tracking.LogRecorder{Logger: logger}
	if cfg.TrackingEnabled {
		store, err := tracking.NewClickHouseStore(ctx, tracking.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to ClickHouse")
		}
		defer func() { _ = store.Close() }()
		sink = store
	}
	recorder := tracking.NewAsyncRecorder(sink, 1024, logger)

	provider, err := auth.NewProvider(auth.Config{
		TokenURL:     cfg.AuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Timeout:      cfg.HTTPTimeout,
		RefreshTTL:   cfg.RefreshTokenTTL,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create token provider")
	}
	provider.WithObserver(m)

	client, err := batch.NewClient(batch.ClientConfig{
		BaseURL:      cfg.BackendURL,
		Path:         cfg.BackendBatchPath,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
		Observer:     m,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create batch client")
	}

	langs, err := language.NewResolver(cfg.SupportedLanguages)
	if err != nil {
		logger.WithError(err).Fatal("invalid SUPPORTED_LANGUAGES")
	}

	orchestrator, err := proxy.New(proxy.Config{
		Auth:       provider,
		Dispatcher: client,
		Signer:     duotone.NewSigner(cfg.PhotoScalerURL, cfg.PhotoScalerSalt),
		Flags:      optionalFlags(flagStore),
		Recorder:   recorder,
		Observer:   m,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create proxy")
	}

	h := &server.Handlers{
		Proxy:     orchestrator,
		Flags:     flagStore,
		Languages: langs,
		Cookies: auth.CookieOptions{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
		},
		// Room for the first attempt, one retry and a token grant
		BatchTimeout: 3*cfg.HTTPTimeout + cfg.RetryBackoff,
		DevMode:      cfg.DevMode,
		Logger:       logger,
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:           cfg.APIAddr,
			DevMode:        cfg.DevMode,
			APIKey:         cfg.APIKey,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	logger.WithFields(logrus.Fields{
		"addr":     cfg.APIAddr,
		"backend":  cfg.BackendURL,
		"flags":    flagStore != nil,
		"tracking": cfg.TrackingEnabled,
	}).Info("mu_api proxy starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("api server failed")
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer waitCancel()
	if err := srv.WaitClosed(waitCtx); err != nil {
		logger.WithError(err).Warn("server did not close cleanly")
	}
	if err := recorder.Close(); err != nil {
		logger.WithError(err).Warn("failed to flush activity")
	}
}

// optionalFlags keeps a nil *flags.Store from becoming a non-nil interface
func optionalFlags(s *flags.Store) storage.FlagResolver {
	if s == nil {
		return nil
	}
	return s
}

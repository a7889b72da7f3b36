package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memorio/session-agent/internal/activity"
	"github.com/memorio/session-agent/internal/authapi"
	"github.com/memorio/session-agent/internal/config"
	"github.com/memorio/session-agent/internal/credstore"
	"github.com/memorio/session-agent/internal/health"
	"github.com/memorio/session-agent/internal/httpclient"
	"github.com/memorio/session-agent/internal/metrics"
	"github.com/memorio/session-agent/internal/retry"
	"github.com/memorio/session-agent/internal/session"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("api_base_url", cfg.APIBaseURL).
		Str("listen_addr", cfg.ListenAddr).
		Str("store", cfg.StoreBackend).
		Bool("shared_refresh", cfg.SharedRefresh).
		Msg("starting memorio session agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Credential store
	var kv credstore.Store = credstore.NewMemoryStore()
	if cfg.SQLiteStore() {
		sqlStore, err := credstore.NewSQLiteStore(cfg.StorePath, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("failed to open credential store")
		}
		defer sqlStore.Close()
		kv = sqlStore
	}
	expiry := credstore.NewExpiryStore(kv, logger)

	// API client
	hc, err := httpclient.New(cfg.APIBaseURL, httpclient.Options{
		Timeout: cfg.HTTPTimeout,
		Metrics: m,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create API client")
	}
	api := authapi.New(hc, logger)

	var refresher session.Refresher = api
	renew := session.RenewFunc(api)
	if cfg.SharedRefresh {
		coord := session.NewCoordinator(api, logger)
		refresher = coord
		renew = coord.Renew
	}
	hc.SetRefresher(renew)

	// Activity
	wsSource := activity.NewWSSource(cfg.AllowedOriginList(), logger)
	tracker := activity.NewTracker(wsSource, activity.Options{
		Debounce: cfg.ActivityDebounce,
		Metrics:  m,
	}, logger)

	// Session lifecycle
	term := session.NewTerminator(api, session.RedirectFunc(func(reason string) {
		logger.Warn().
			Str("reason", reason).
			Str("login_url", cfg.LoginURL).
			Msg("session ended, login required")
	}), m, logger)

	mgr := session.NewManager(sessionConfig(cfg), session.Deps{
		Refresher: refresher,
		Auth:      api,
		Tracker:   tracker,
		Store:     expiry,
		Logout:    term.Logout,
		Metrics:   m,
	}, logger)
	term.Register(mgr)
	hc.OnAuthFailure(term.Logout)

	if cfg.AutoLogin() {
		res, err := api.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			logger.Error().Err(err).Msg("auto login failed")
		} else if res.HasExpiry() {
			if err := expiry.Save(ctx, res.ExpiresAt); err != nil {
				logger.Warn().Err(err).Msg("failed to persist login expiry")
			}
		}
	}

	if !mgr.Start(ctx) {
		logger.Warn().Str("login_url", cfg.LoginURL).Msg("not authenticated, session manager idle")
	}

	// Health
	checker := health.NewChecker(logger)
	checker.Register("session", health.SessionCheck(api.Check))
	checker.RegisterInfo("session", func() any { return mgr.State() })

	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/activity", wsSource)
	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		if !mgr.Start(r.Context()) {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /session/logout", func(w http.ResponseWriter, r *http.Request) {
		term.Logout(r.Context(), "user")
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Only the tracker is stopped: Manager.Stop would clear the persisted
	// expiry, which the next run resumes from.
	tracker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("memorio session agent stopped")
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		RefreshBuffer:       cfg.RefreshBuffer,
		MinRefreshInterval:  cfg.MinRefreshInterval,
		PollInterval:        cfg.PollInterval,
		MinScheduleDelay:    cfg.MinScheduleDelay,
		InactivityThreshold: cfg.InactivityThreshold,
		RateLimitBackoff:    retry.Backoff{Seed: cfg.RateLimitBackoffSeed, Cap: cfg.RateLimitBackoffCap},
		ErrorBackoff:        retry.Backoff{Seed: cfg.ErrorBackoffSeed, Cap: cfg.ErrorBackoffCap},
	}
}

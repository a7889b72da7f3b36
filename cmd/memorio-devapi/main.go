package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memorio/session-agent/internal/config"
	"github.com/memorio/session-agent/internal/devapi"
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

	srv, err := devapi.NewServer(devapi.Config{
		ListenAddr:   cfg.DevListenAddr,
		SigningKey:   []byte(cfg.DevSigningKey),
		SessionTTL:   cfg.DevSessionTTL,
		RefreshRPS:   cfg.DevRefreshRPS,
		RefreshBurst: cfg.DevRefreshBurst,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create development API")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		if err := srv.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("development API shutdown error")
		}
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("development API server error")
		}
	}
}

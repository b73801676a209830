package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zaziedlm/koiki-gofw/internal/core"
	"github.com/zaziedlm/koiki-gofw/internal/crypto"
	"github.com/zaziedlm/koiki-gofw/internal/saml"
	"github.com/zaziedlm/koiki-gofw/internal/store"
)

func main() {
	// Load configuration
	cfg, err := core.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Initialize cryptographic key set
	keySet, err := crypto.NewKeySet()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key set")
	}
	log.Info().Msg("cryptographic keys initialized")

	// Initialize user store
	users, err := store.NewUserStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open user store")
	}
	defer users.Close()

	// Initialize token issuer
	jwtService := crypto.NewJWTService(keySet, cfg.BaseURL, cfg.BaseURL,
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	// Initialize SAML engine
	engine, err := saml.NewEngine(&cfg.SAML, users, jwtService, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize SAML engine")
	}
	defer engine.Close()
	log.Info().
		Str("strategy", string(cfg.SAML.CertificateStrategy)).
		Str("acs_url", cfg.SAML.ACSURL).
		Msg("SAML engine initialized")

	// Create and configure server
	server := core.NewServer(cfg, saml.NewHandler(engine), keySet)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited gracefully")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yorkiexchange/internal/api"
	"yorkiexchange/internal/app"
	"yorkiexchange/internal/audit"
	"yorkiexchange/internal/auth"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/service"
	"yorkiexchange/internal/version"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logging.Error().Err(err).Msg("load .env")
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("load config")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(cfg)
	if err != nil {
		logging.Error().Err(err).Msg("open stores")
		os.Exit(1)
	}
	defer a.Close()

	journal, err := audit.OpenJournal(cfg.JournalDBPath)
	if err != nil {
		logging.Error().Err(err).Str("path", cfg.JournalDBPath).Msg("open audit journal")
		os.Exit(1)
	}
	defer journal.Close()

	limiter, err := a.Limiter(ctx, cfg)
	if err != nil {
		logging.Error().Err(err).Msg("rate limiter")
		os.Exit(1)
	}

	authz := auth.NewAuthorizer(a.Client, a.Store, auth.Options{
		AcceptLegacyIsAdmin: cfg.AcceptLegacyIsAdmin,
		JWT:                 auth.NewJWTChecker(cfg.BackendJWTSecret),
	})
	probes := []service.Probe{
		{Name: "backend", Check: a.Client.Ping},
		{Name: "journal", Check: journal.Ping},
	}
	if a.SQL != nil {
		probes = append(probes, service.Probe{Name: "sql_store", Check: a.SQL.Ping})
	}
	svc := service.New(cfg, a.Store, authz, a.Dispatcher(journal), a.Client, probes...)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, limiter),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		v := version.Current(cfg.BuildID, cfg.GitSHA)
		logging.Info().
			Str("addr", cfg.ListenAddr).
			Str("version", v.Version).
			Str("commit", v.Commit).
			Str("store_mode", cfg.StoreMode).
			Str("rate_limit_backend", cfg.RateLimitBackend).
			Msg("listening")
		errc <- hsrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("server")
			os.Exit(1)
		}
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := hsrv.Shutdown(sctx); err != nil {
			logging.Error().Err(err).Msg("shutdown")
		}
	}
}

// Package app opens the collaborators shared by the server, adminctl and chat.
package app

import (
	"context"
	"errors"
	"fmt"

	"yorkiexchange/internal/audit"
	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/db"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/moderation"
	"yorkiexchange/internal/rate"
	"yorkiexchange/internal/store"
)

type App struct {
	Client   *backend.Client
	Store    store.Store
	Recorder audit.Recorder
	// SQL is set when STORE_MODE=sql.
	SQL *store.SQLStore

	closers []func() error
}

// Open connects to the backend and, in sql mode, to the row store directly.
func Open(cfg config.Config) (*App, error) {
	client, err := backend.New(backend.Config{
		URL:             cfg.BackendURL,
		APIKey:          cfg.BackendServiceKey,
		Timeout:         cfg.BackendTimeout,
		BreakerName:     "backend",
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerOpen:     cfg.BreakerOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}
	a := &App{Client: client}

	switch cfg.StoreMode {
	case "sql":
		sqlStore, closeDB, err := OpenSQLStore(cfg.StoreSQLDriver, cfg.StoreSQLDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeDB)
		a.SQL = sqlStore
		a.Store = a.SQL
		a.Recorder = a.SQL
	default:
		a.Store = store.NewREST(client)
		a.Recorder = audit.NewBackendRecorder(client)
	}
	return a, nil
}

// OpenSQLStore opens the row store directly. A sqlite mirror gets its schema
// applied on open.
func OpenSQLStore(driver, dsn string) (*store.SQLStore, func() error, error) {
	sqdb, err := db.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		if err := db.ApplyMigration(sqdb, db.MirrorSchema); err != nil {
			_ = sqdb.Close()
			return nil, nil, err
		}
	}
	return store.NewSQL(sqdb, driver), sqdb.Close, nil
}

// Dispatcher wires the action dispatcher. In sql mode transitions and their
// audit records commit together and the journal is only a fallback.
func (a *App) Dispatcher(journal *audit.Journal) *moderation.Dispatcher {
	var j moderation.Journal
	if journal != nil {
		j = journal
	}
	return moderation.NewDispatcher(a.Store, a.Recorder, j)
}

// Limiter builds the admin action limiter selected by RATE_LIMIT_BACKEND.
func (a *App) Limiter(ctx context.Context, cfg config.Config) (rate.Limiter, error) {
	if cfg.RateLimitBackend != "redis" {
		return rate.NewSlidingWindow(cfg.RateLimitMax, cfg.RateLimitWindow), nil
	}
	l, err := rate.NewRedis(ctx, cfg.RedisURL, cfg.RateLimitMax, cfg.RateLimitWindow)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, l.Close)
	logging.Info().Str("event", "rate_limiter").Str("backend", "redis").Msg("using shared rate limiter")
	return l, nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

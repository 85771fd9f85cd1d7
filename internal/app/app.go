// Package app assembles the engine and its collaborators from a Config.
package app

import (
	"context"
	"fmt"
	"net/http"

	"repolens/internal/api"
	"repolens/internal/cache"
	"repolens/internal/config"
	"repolens/internal/engine"
	"repolens/internal/git"
	"repolens/internal/logging"
	"repolens/internal/middleware"
	"repolens/internal/query"
	"repolens/internal/storage"
	"repolens/internal/validation"
	"repolens/internal/watch"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Engine  *engine.Engine
	Backend git.Backend

	store   *storage.SnapshotStore
	watcher *watch.Watcher
}

// New builds the engine stack. Callers must Close the result.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &App{Config: cfg, Logger: logger}

	backend, err := git.New(git.Options{Kind: cfg.Backend.Kind, GitBinary: cfg.Backend.GitBinary})
	if err != nil {
		return nil, fmt.Errorf("creating git backend: %w", err)
	}
	a.Backend = backend

	deps := &query.Deps{Backend: backend, Logger: logger.Named("query")}
	if cfg.Engine.CacheEnabled {
		table, err := cache.New(cache.Options{MaxBytes: cfg.Cache.MaxBytes, MaxEntries: cfg.Cache.MaxEntries})
		if err != nil {
			return nil, fmt.Errorf("creating cache: %w", err)
		}
		deps.Cache = table

		if cfg.Database.Path != "" {
			store, err := storage.Open(cfg.Database.Path, cfg.Database.TTL.Duration)
			if err != nil {
				return nil, fmt.Errorf("opening snapshot store: %w", err)
			}
			a.store = store
			deps.Store = store
		}
	}
	registry := query.NewRegistry(deps)

	opts := engine.Options{
		RequestTimeout: cfg.Engine.RequestTimeout.Duration,
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		Logger:         logger,
	}
	if cfg.Watch.Enabled && deps.Cache != nil {
		w, err := watch.New(registry, logger, cfg.Watch.Debounce.Duration)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.watcher = w
		opts.RepoSeen = func(repo string) {
			if err := w.Watch(repo); err != nil {
				logger.Warn("watching repository failed", zap.String("repo", repo), zap.Error(err))
			}
		}
	}
	a.Engine = engine.New(registry, validation.New(cfg.Limits), opts)

	logger.Info("engine ready",
		zap.String("backend", backend.Name()),
		zap.Bool("cache", deps.Cache != nil),
		zap.Bool("snapshots", deps.Store != nil),
		zap.Bool("watch", a.watcher != nil),
	)
	return a, nil
}

// HTTPHandler serves the API with the standard middleware chain.
func (a *App) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	api.NewHandler(a.Engine, a.Logger).Routes(mux)
	return middleware.Chain(
		mux,
		middleware.Recover(a.Logger),
		middleware.Logger(a.Logger),
		middleware.RequestID,
	)
}

// Close cancels in-flight requests, waits for them within ctx and releases
// the watcher and the snapshot store.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Engine != nil {
		err = multierr.Append(err, a.Engine.Shutdown(ctx))
	}
	if a.watcher != nil {
		err = multierr.Append(err, a.watcher.Close())
	}
	err = multierr.Append(err, a.closeStore())
	return err
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	s := a.store
	a.store = nil
	return s.Close()
}

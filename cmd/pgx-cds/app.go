package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/cache"
	"github.com/pgx-cds-server/internal/config"
	"github.com/pgx-cds-server/internal/database"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/internal/logging"
	"github.com/pgx-cds-server/internal/snapshot"
)

// app holds the components built from configuration. Fields are nil when the
// configuration disables them.
type app struct {
	manager   *config.Manager
	cfg       *domain.Config
	logger    *logrus.Logger
	logCloser io.Closer
	db        *database.DB
	provider  *knowledgebase.Provider
	cache     cache.ResultCache
	store     snapshot.Store
}

// loadApp reads and validates configuration and sets up logging. Commands
// that print results pass toStderr so logs stay off stdout.
func loadApp(toStderr bool) (*app, error) {
	manager, err := config.NewManagerFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := manager.GetConfig()
	logCfg := cfg.Logging
	if toStderr && logCfg.Output != "file" {
		logCfg.Output = "stderr"
	}
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	a := &app{manager: manager, cfg: cfg, logger: logger, logCloser: closer}
	if file := manager.ConfigFileUsed(); file != "" {
		logger.WithField("config_file", file).Info("Configuration loaded")
	}
	return a, nil
}

func (a *app) needsDatabase() bool {
	return a.cfg.Database.Enabled ||
		a.cfg.KnowledgeBase.Source == "postgres" ||
		a.cfg.Snapshot.Driver == "postgres"
}

// openDatabase connects the pgx pool used by the Postgres knowledge base source.
func (a *app) openDatabase(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	db, err := database.NewConnection(ctx, database.ConfigFrom(a.cfg.Database), a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	return nil
}

func (a *app) knowledgeBaseSource(ctx context.Context) (knowledgebase.Source, error) {
	kbCfg := a.cfg.KnowledgeBase
	switch kbCfg.Source {
	case "", "embedded":
		return knowledgebase.EmbeddedSource{}, nil
	case "file":
		return knowledgebase.FileSource{Path: kbCfg.Path}, nil
	case "remote":
		return knowledgebase.NewRemoteSource(knowledgebase.RemoteConfig{
			URL:       kbCfg.RemoteURL,
			Timeout:   kbCfg.FetchTimeout,
			RateLimit: kbCfg.FetchRateLimit,
		}, a.logger), nil
	case "postgres":
		if err := a.openDatabase(ctx); err != nil {
			return nil, err
		}
		return knowledgebase.NewPostgresSource(a.db.Pool, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown knowledge base source %q", kbCfg.Source)
	}
}

// loadKnowledgeBase builds the provider and performs the first load. A failed
// first load is fatal; later scheduled refreshes keep the previous version.
func (a *app) loadKnowledgeBase(ctx context.Context) error {
	source, err := a.knowledgeBaseSource(ctx)
	if err != nil {
		return err
	}
	a.provider = knowledgebase.NewProvider(source, a.logger)
	if _, err := a.provider.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load knowledge base: %w", err)
	}
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	cacheCfg := a.cfg.Cache
	if !cacheCfg.Enabled {
		return nil
	}
	switch cacheCfg.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			URL:         cacheCfg.RedisURL,
			DefaultTTL:  cacheCfg.DefaultTTL,
			PoolSize:    cacheCfg.PoolSize,
			PoolTimeout: cacheCfg.PoolTimeout,
		})
		if err != nil {
			return err
		}
		a.cache = rc
	default:
		a.cache = cache.NewMemoryCache(cacheCfg.MaxItems, cacheCfg.DefaultTTL)
	}
	a.logger.WithField("backend", cacheCfg.Backend).Info("Assessment cache enabled")
	return nil
}

func (a *app) openSnapshotStore() error {
	switch a.cfg.Snapshot.Driver {
	case "none":
		return nil
	case "postgres":
		store, err := snapshot.NewPostgresStoreFromURL(database.ConfigFrom(a.cfg.Database).URL())
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		a.store = store
	default:
		store, err := snapshot.NewSQLiteStore(a.cfg.Snapshot.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		a.store = store
	}
	a.logger.WithField("driver", a.cfg.Snapshot.Driver).Info("Snapshot store opened")
	return nil
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() {
	if a.provider != nil {
		a.provider.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close snapshot store")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close cache")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// Package app wires the full database-backed stack shared by the HTTP and
// MCP servers.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/assessment"
	"github.com/pharmacy-cdss-server/internal/database"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/repository"
	"github.com/pharmacy-cdss-server/internal/service"
)

// App holds the long-lived dependencies of a full deployment.
type App struct {
	DB          *database.DB
	Redis       *redis.Client
	Analysis    *service.AnalysisService
	Assessments assessment.Store
	logger      *logrus.Logger
}

// New connects to Postgres, optionally migrates, and assembles the analysis
// pipeline. Redis is optional: when it cannot be reached the rule catalog is
// read straight from the database.
func New(ctx context.Context, cm domain.ConfigManager, logger *logrus.Logger) (*App, error) {
	cfg := cm.GetConfig()

	dbConfig := database.ConfigFromDomain(cfg.Database)
	db, err := database.NewConnection(ctx, dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a := &App{DB: db, logger: logger}

	if cfg.Database.AutoMigrate {
		if err := Migrate(ctx, cm.GetDatabaseURL(), cfg.Database.MigrationsPath, logger, true); err != nil {
			a.Close()
			return nil, err
		}
	}

	patients := repository.NewResilientPatientSource(
		repository.NewPatientRepository(db.Pool, logger),
		repository.BreakerSettings("patients", cfg.Analysis, logger),
	)

	var rules domain.RuleSource = repository.NewRuleRepository(db.Pool, logger)
	if cfg.Cache.RedisURL != "" {
		client, err := repository.NewRedisClient(ctx, cfg.Cache)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, rule catalog will not be cached")
		} else {
			a.Redis = client
			rules = repository.NewCachedRuleSource(rules, client, cfg.Analysis.CatalogCacheTTL, logger)
		}
	}
	rules = repository.NewResilientRuleSource(rules, repository.BreakerSettings("rules", cfg.Analysis, logger))

	a.Analysis, err = service.NewAnalysisService(patients, rules, service.AnalysisOptions{
		CatalogCacheSize: cfg.Analysis.CatalogCacheSize,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create analysis service: %w", err)
	}

	store, err := assessment.NewPostgresStoreFromURL(cm.GetDatabaseURL())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open assessment store: %w", err)
	}
	a.Assessments = store

	return a, nil
}

// Migrate applies (up) or rolls back one step of (down) the schema
// migrations. An empty path uses the migrations compiled into the binary.
func Migrate(ctx context.Context, databaseURL, migrationsPath string, logger *logrus.Logger, up bool) error {
	runner, err := database.NewMigrationRunner(databaseURL, migrationsPath, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	if up {
		return runner.Up(ctx)
	}
	return runner.Down(ctx)
}

// Close releases every connection the app opened.
func (a *App) Close() {
	if a.Assessments != nil {
		if err := a.Assessments.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close assessment store")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

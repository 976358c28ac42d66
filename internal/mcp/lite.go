package mcp

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/assessment"
	"github.com/pharmacy-cdss-server/internal/config"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/logging"
	"github.com/pharmacy-cdss-server/internal/service"
)

// LiteOption configures a lite server.
type LiteOption func(*liteOptions)

type liteOptions struct {
	logger *logrus.Logger
	store  assessment.Store
	clock  domain.Clock
}

// WithLogger sets a custom logger for the lite server.
func WithLogger(logger *logrus.Logger) LiteOption {
	return func(o *liteOptions) { o.logger = logger }
}

// WithAssessmentStore replaces the SQLite store under the data directory.
func WithAssessmentStore(store assessment.Store) LiteOption {
	return func(o *liteOptions) { o.store = store }
}

// WithClock fixes the evaluation time, mainly for tests.
func WithClock(clock domain.Clock) LiteOption {
	return func(o *liteOptions) { o.clock = clock }
}

// NewLiteServer creates an MCP server that needs no external services:
// inline evaluation only, rules from an optional JSON file and assessments
// in SQLite.
func NewLiteServer(cfg *config.LiteConfig, opts ...LiteOption) (*Server, error) {
	var o liteOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(domain.LoggingConfig{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			Output: "stderr",
		})
	}
	if cfg.Transport != "" && cfg.Transport != "stdio" {
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	rules, err := LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		sqlite, err := assessment.NewSQLiteStore(cfg.AssessmentDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open assessment store: %w", err)
		}
		store = sqlite
	}

	analysis, err := service.NewAnalysisService(nil, nil, service.AnalysisOptions{
		Clock:            o.clock,
		CatalogCacheSize: cfg.CatalogCacheSize,
	}, o.logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create analysis service: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"data_dir": cfg.DataDir,
		"rules":    len(rules),
	}).Info("Lite server initialized")

	return NewServer(Options{
		Info:        ServerInfo{Name: "pharmacy-cdss-lite", Version: "1.0.0"},
		Analysis:    analysis,
		Assessments: store,
		Rules:       rules,
		ExportDir:   cfg.ExportDir(),
		Logger:      o.logger,
	})
}

// LoadRulesFile reads a JSON array of rule records. An empty path yields no
// rules.
func LoadRulesFile(path string) ([]domain.RawRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules []domain.RawRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return rules, nil
}

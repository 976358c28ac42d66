// Package config provides configuration management for the CDSS servers.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// LiteConfig is a simplified configuration for the standalone MCP server.
// It needs no external services and reads only environment variables.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for the assessment database and exports

	// Parsed rule catalogs kept in memory
	CatalogCacheSize int

	// Rule catalog file loaded at startup; empty means no preloaded rules
	RulesFile string

	// Transport settings
	Transport string // Transport type: stdio

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".pharmacy-cdss")

	return &LiteConfig{
		DataDir:          dataDir,
		CatalogCacheSize: 16,
		Transport:        "stdio",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("CDSS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CDSS_CATALOG_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CatalogCacheSize = n
		}
	}
	cfg.RulesFile = os.Getenv("CDSS_RULES_FILE")

	if v := os.Getenv("CDSS_TRANSPORT"); v != "" {
		cfg.Transport = v
	}

	if v := os.Getenv("CDSS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CDSS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// AssessmentDBPath returns the path to the assessment SQLite database.
func (c *LiteConfig) AssessmentDBPath() string {
	return filepath.Join(c.DataDir, "assessments.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

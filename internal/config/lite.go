// Package config provides configuration management for the server.
// This file contains the lightweight configuration for the standalone MCP binary.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external services.
type LiteConfig struct {
	// DataDir holds the snapshot database and exports.
	DataDir string

	// Assessment cache
	CacheMaxItems int
	CacheTTL      time.Duration

	// KnowledgeBasePath overrides the embedded dataset with a YAML file.
	KnowledgeBasePath string

	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()

	return &LiteConfig{
		DataDir:       filepath.Join(homeDir, ".pgx-cds"),
		CacheMaxItems: 1000,
		CacheTTL:      time.Hour,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadLiteConfig reads PGX_* environment variables, first loading any .env
// files given (or ./.env when none are). Variables already set in the
// environment win over .env values.
func LoadLiteConfig(envFiles ...string) (*LiteConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && (len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}

	cfg := DefaultLiteConfig()

	if v := os.Getenv("PGX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PGX_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("PGX_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}
	cfg.KnowledgeBasePath = os.Getenv("PGX_KB_PATH")
	if v := os.Getenv("PGX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PGX_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg, nil
}

// SnapshotDBPath returns the path to the snapshot SQLite database.
func (c *LiteConfig) SnapshotDBPath() string {
	return filepath.Join(c.DataDir, "snapshots.db")
}

// ExportDir returns the directory for JSON and markdown exports.
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

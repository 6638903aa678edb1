package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgx-cds-server/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewManager_Defaults(t *testing.T) {
	inTempDir(t)

	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cfg := m.GetConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "sqlite", cfg.Snapshot.Driver)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, "embedded", m.GetKnowledgeBaseConfig().Source)
	assert.False(t, m.GetDatabaseConfig().Enabled)
	assert.Equal(t, "pgx-cds-server", cfg.MCP.ServerName)
	assert.False(t, m.IsProduction())
	assert.Empty(t, m.ConfigFileUsed())
}

func TestNewManagerFromFile(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  port: 9090
  read_timeout: 5s
snapshot:
  driver: postgres
database:
  enabled: true
  host: db.internal
knowledge_base:
  source: remote
  remote_url: https://kb.example.org/behavioral_health.yaml
  refresh_schedule: "0 3 * * *"
logging:
  level: debug
`)

	m, err := NewManagerFromFile(path)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, path, m.ConfigFileUsed())
	assert.Equal(t, 9090, m.GetServerConfig().Port)
	assert.Equal(t, 5*time.Second, m.GetServerConfig().ReadTimeout)
	assert.Equal(t, "db.internal", m.GetDatabaseConfig().Host)
	assert.Equal(t, "0 3 * * *", m.GetKnowledgeBaseConfig().RefreshSchedule)
	assert.True(t, m.IsProduction())
}

func TestNewManagerFromFile_Missing(t *testing.T) {
	_, err := NewManagerFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewManager_EnvironmentOverride(t *testing.T) {
	inTempDir(t)
	t.Setenv("PGX_CDS_SERVER_PORT", "7070")
	t.Setenv("PGX_CDS_CACHE_BACKEND", "redis")
	t.Setenv("PGX_CDS_KNOWLEDGE_BASE_SOURCE", "file")
	t.Setenv("PGX_CDS_KNOWLEDGE_BASE_PATH", "/srv/kb.yaml")

	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, 7070, m.GetServerConfig().Port)
	assert.Equal(t, "redis", m.GetConfig().Cache.Backend)
	assert.Equal(t, "/srv/kb.yaml", m.GetKnowledgeBaseConfig().Path)
}

func TestManagerValidate(t *testing.T) {
	valid := func() *domain.Config {
		return &domain.Config{
			Server:        domain.ServerConfig{Port: 8080},
			Snapshot:      domain.SnapshotConfig{Driver: "sqlite", SQLitePath: "data/snapshots.db"},
			Cache:         domain.CacheConfig{Enabled: true, Backend: "memory"},
			KnowledgeBase: domain.KnowledgeBaseConfig{Source: "embedded"},
			RateLimit:     domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 10, Burst: 20},
			Logging:       domain.LoggingConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *domain.Config)
		wantErr string
	}{
		{"valid", func(c *domain.Config) {}, ""},
		{"bad port", func(c *domain.Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"postgres snapshots need a host", func(c *domain.Config) {
			c.Snapshot.Driver = "postgres"
		}, "database host is required"},
		{"unknown snapshot driver", func(c *domain.Config) { c.Snapshot.Driver = "mongo" }, "invalid snapshot driver"},
		{"snapshots disabled", func(c *domain.Config) { c.Snapshot = domain.SnapshotConfig{Driver: "none"} }, ""},
		{"redis without url", func(c *domain.Config) {
			c.Cache.Backend = "redis"
		}, "redis URL is required"},
		{"disabled cache ignores backend", func(c *domain.Config) {
			c.Cache = domain.CacheConfig{Backend: "memcached"}
		}, ""},
		{"file source without path", func(c *domain.Config) { c.KnowledgeBase.Source = "file" }, "knowledge_base.path is required"},
		{"remote source without url", func(c *domain.Config) { c.KnowledgeBase.Source = "remote" }, "knowledge_base.remote_url is required"},
		{"unknown source", func(c *domain.Config) { c.KnowledgeBase.Source = "ftp" }, "invalid knowledge base source"},
		{"bad cron", func(c *domain.Config) { c.KnowledgeBase.RefreshSchedule = "every day" }, "refresh_schedule"},
		{"descriptor cron", func(c *domain.Config) { c.KnowledgeBase.RefreshSchedule = "@daily" }, ""},
		{"zero rate", func(c *domain.Config) { c.RateLimit.RequestsPerSecond = 0 }, "requests_per_second"},
		{"bad log level", func(c *domain.Config) { c.Logging.Level = "verbose" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			m := &Manager{config: cfg}

			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

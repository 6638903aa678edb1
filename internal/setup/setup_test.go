package setup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfigPath(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	path, err := ClientConfigPath("darwin", "/Users/rn", getenv)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/Users/rn", "Library", "Application Support", "Claude", "claude_desktop_config.json"), path)

	path, err = ClientConfigPath("linux", "/home/rn", getenv)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/rn", ".config", "Claude", "claude_desktop_config.json"), path)

	env["XDG_CONFIG_HOME"] = "/xdg"
	path, err = ClientConfigPath("linux", "/home/rn", getenv)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg", "Claude", "claude_desktop_config.json"), path)

	_, err = ClientConfigPath("windows", "", getenv)
	assert.Error(t, err)

	_, err = ClientConfigPath("plan9", "/", getenv)
	assert.Error(t, err)
}

func fakeBinary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, BinaryName)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
	return path
}

func TestRegisterPreservesOtherSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	existing := `{"theme":"dark","mcpServers":{"other":{"command":"/bin/other"}}}`
	require.NoError(t, os.WriteFile(path, []byte(existing), 0644))

	binary := fakeBinary(t, dir)
	entry, err := Register(path, Options{BinaryPath: binary, DataDir: "/data/pgx", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, binary, entry.Command)
	assert.Equal(t, map[string]string{"PGX_DATA_DIR": "/data/pgx", "PGX_LOG_LEVEL": "debug"}, entry.Env)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"dark"`, string(raw["theme"]))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", ServerName}, cfg.ServerNames())
}

func TestRegisterCreatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new", "config.json")

	entry, err := Register(path, Options{BinaryPath: fakeBinary(t, dir)})
	require.NoError(t, err)
	assert.Nil(t, entry.Env)

	status, err := Check(path)
	require.NoError(t, err)
	assert.True(t, status.Registered)
	assert.Empty(t, status.Issues)
}

func TestCheckReportsIssues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	status, err := Check(path)
	require.NoError(t, err)
	assert.False(t, status.Registered)
	require.Len(t, status.Issues, 1)

	_, err = Register(path, Options{
		BinaryPath:        filepath.Join(dir, "missing-binary"),
		KnowledgeBasePath: filepath.Join(dir, "missing.yaml"),
	})
	require.NoError(t, err)

	status, err = Check(path)
	require.NoError(t, err)
	assert.True(t, status.Registered)
	assert.Len(t, status.Issues, 2)
}

func TestUnregister(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	removed, err := Unregister(path)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = Register(path, Options{BinaryPath: fakeBinary(t, dir)})
	require.NoError(t, err)

	removed, err = Unregister(path)
	require.NoError(t, err)
	assert.True(t, removed)

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.ServerNames())
}

func TestLoadClientConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := LoadClientConfig(path)
	assert.Error(t, err)
}

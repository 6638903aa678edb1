// Package setup registers the lite MCP server with desktop MCP clients that
// read an "mcpServers" JSON config file.
package setup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// ServerName is the key the server is registered under.
const ServerName = "pgx-cds"

// BinaryName is the lite server executable looked up when no path is given.
const BinaryName = "mcp-server-lite"

// ServerEntry is one entry of the client's mcpServers map.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ClientConfig is a client config file. Keys other than mcpServers are kept
// as-is so registering never drops unrelated client settings.
type ClientConfig struct {
	MCPServers map[string]ServerEntry
	other      map[string]json.RawMessage
}

// Options controls Register.
type Options struct {
	BinaryPath        string
	DataDir           string
	KnowledgeBasePath string
	LogLevel          string
}

// Status describes how the server is registered in one client config.
type Status struct {
	ConfigPath string       `json:"config_path"`
	Registered bool         `json:"registered"`
	Entry      *ServerEntry `json:"entry,omitempty"`
	Issues     []string     `json:"issues,omitempty"`
}

// ClientConfigPath returns the desktop client's config file location for goos.
// getenv is os.Getenv outside tests.
func ClientConfigPath(goos, home string, getenv func(string) string) (string, error) {
	var dir string
	switch goos {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "Claude")
		} else {
			dir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", goos)
	}
	return filepath.Join(dir, "claude_desktop_config.json"), nil
}

// LoadClientConfig reads path. A missing file yields an empty config.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{MCPServers: map[string]ServerEntry{}, other: map[string]json.RawMessage{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg.other); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw, ok := cfg.other["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(cfg.other, "mcpServers")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerEntry{}
	}
	return cfg, nil
}

// Save writes the config back, creating the directory when needed.
func (c *ClientConfig) Save(path string) error {
	out := make(map[string]any, len(c.other)+1)
	for k, v := range c.other {
		out[k] = v
	}
	out["mcpServers"] = c.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ServerNames lists the registered servers in sorted order.
func (c *ClientConfig) ServerNames() []string {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds or replaces the pgx-cds entry in the config at path.
func Register(path string, opts Options) (*ServerEntry, error) {
	binary := opts.BinaryPath
	if binary == "" {
		found, err := FindBinary()
		if err != nil {
			return nil, err
		}
		binary = found
	}
	binary, err := filepath.Abs(binary)
	if err != nil {
		return nil, fmt.Errorf("resolving binary path: %w", err)
	}

	entry := ServerEntry{Command: binary, Env: map[string]string{}}
	if opts.DataDir != "" {
		entry.Env["PGX_DATA_DIR"] = opts.DataDir
	}
	if opts.KnowledgeBasePath != "" {
		entry.Env["PGX_KB_PATH"] = opts.KnowledgeBasePath
	}
	if opts.LogLevel != "" {
		entry.Env["PGX_LOG_LEVEL"] = opts.LogLevel
	}
	if len(entry.Env) == 0 {
		entry.Env = nil
	}

	cfg, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.MCPServers[ServerName] = entry
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Unregister removes the pgx-cds entry. It reports whether one was present.
func Unregister(path string) (bool, error) {
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return false, err
	}
	if _, ok := cfg.MCPServers[ServerName]; !ok {
		return false, nil
	}
	delete(cfg.MCPServers, ServerName)
	return true, cfg.Save(path)
}

// Check inspects the registration at path and lists problems with it.
func Check(path string) (*Status, error) {
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}
	status := &Status{ConfigPath: path}

	entry, ok := cfg.MCPServers[ServerName]
	if !ok {
		status.Issues = append(status.Issues, fmt.Sprintf("%s is not registered", ServerName))
		return status, nil
	}
	status.Registered = true
	status.Entry = &entry

	info, err := os.Stat(entry.Command)
	switch {
	case err != nil:
		status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", entry.Command))
	case info.IsDir() || info.Mode()&0111 == 0:
		status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", entry.Command))
	}
	if kb := entry.Env["PGX_KB_PATH"]; kb != "" {
		if _, err := os.Stat(kb); err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("knowledge base file not found: %s", kb))
		}
	}
	return status, nil
}

// FindBinary looks for the lite server on PATH, then next to the running
// executable.
func FindBinary() (string, error) {
	if path, err := exec.LookPath(BinaryName); err == nil {
		return path, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), BinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("binary %q not found on PATH or next to this executable; pass --binary", BinaryName)
}

// Package config loads the host configuration: a JSON document with
// `${VAR}` environment substitution in string values, plus the encrypted
// secrets file. The loaded Config is an explicit handle passed to the
// kernel; this package keeps no mutable state of its own.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// DefaultFileName is the config file looked up when -config is not given.
const DefaultFileName = "conductor.json"

// Config is the host configuration. Zero values fall back to defaults,
// so a missing config file yields a working host.
type Config struct {
	// StateDir holds the database, logs and the secrets file.
	StateDir string `json:"state_dir,omitempty"`
	// ProfileDirs are searched in order for profile documents.
	ProfileDirs []string `json:"profile_dirs,omitempty"`
	// WorkspaceRoot confines filesystem tools.
	WorkspaceRoot string `json:"workspace_root,omitempty"`
	// DefaultProfile is used when -profile is not given.
	DefaultProfile string `json:"default_profile,omitempty"`
	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `json:"metrics_addr,omitempty"`
	// PrometheusURL points usage queries at a Prometheus server that
	// scrapes the metrics endpoint.
	PrometheusURL string `json:"prometheus_url,omitempty"`

	// ProviderTimeoutSecs bounds one provider call.
	ProviderTimeoutSecs int `json:"provider_timeout_secs,omitempty"`
	// ToolTimeoutSecs bounds one tool execution.
	ToolTimeoutSecs int `json:"tool_timeout_secs,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:            ".conductor",
		ProfileDirs:         []string{"profiles"},
		WorkspaceRoot:       ".",
		DefaultProfile:      "default",
		ProviderTimeoutSecs: 120,
		ToolTimeoutSecs:     120,
	}
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file at path. A missing file is not an error:
// the defaults apply. `${VAR}` references in the document are replaced
// with the environment's values before decoding; unset variables expand
// to the empty string.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarRegex.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg.normalized(), nil
}

func (c *Config) normalized() *Config {
	d := Default()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if len(c.ProfileDirs) == 0 {
		c.ProfileDirs = d.ProfileDirs
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = d.DefaultProfile
	}
	if c.ProviderTimeoutSecs <= 0 {
		c.ProviderTimeoutSecs = d.ProviderTimeoutSecs
	}
	if c.ToolTimeoutSecs <= 0 {
		c.ToolTimeoutSecs = d.ToolTimeoutSecs
	}
	return c
}

// DBPath is the SQLite database location inside the state directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "conductor.db")
}

// LogPath is the shared log file location inside the state directory.
func (c *Config) LogPath() string {
	return filepath.Join(c.StateDir, "conductor.log")
}

// ProviderTimeout returns the per-provider-call budget.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}

// ToolTimeout returns the per-tool-call budget.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSecs) * time.Second
}

// EnsureStateDir creates the state directory if needed.
func (c *Config) EnsureStateDir() error {
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", c.StateDir, err)
	}
	return nil
}

// Package config handles configuration loading, validation, and management for wardend.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Security holds the gatekeeper policy.
	Security SecurityConfig `toml:"security" json:"security" yaml:"security"`

	// Workspace holds shadow workspace configuration.
	Workspace WorkspaceConfig `toml:"workspace" json:"workspace" yaml:"workspace"`

	// Backup holds backup retention configuration.
	Backup BackupConfig `toml:"backup" json:"backup" yaml:"backup"`

	// Rollback holds rollback policy configuration.
	Rollback RollbackConfig `toml:"rollback" json:"rollback" yaml:"rollback"`

	// Verify holds verifier configuration.
	Verify VerifyConfig `toml:"verify" json:"verify" yaml:"verify"`

	// Storage holds persistence configuration.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Watch configuration for live-tree monitoring.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`
}

// SecurityConfig holds the gatekeeper policy.
type SecurityConfig struct {
	// ReadRoots are directories the agent may read from.
	ReadRoots []string `toml:"read_roots" json:"read_roots" yaml:"read_roots"`

	// WriteRoots are directories iterations may target.
	WriteRoots []string `toml:"write_roots" json:"write_roots" yaml:"write_roots"`

	// ForbiddenPatterns are case-insensitive regexes matched against
	// the canonical absolute path. A match always denies, regardless
	// of the root whitelist.
	ForbiddenPatterns []string `toml:"forbidden_patterns" json:"forbidden_patterns" yaml:"forbidden_patterns"`

	// AllowedCommands are program names permitted by execute_terminal.
	AllowedCommands []string `toml:"allowed_commands" json:"allowed_commands" yaml:"allowed_commands"`

	// ForbiddenCommands are case-insensitive regexes matched against
	// the full invocation. A match always denies.
	ForbiddenCommands []string `toml:"forbidden_commands" json:"forbidden_commands" yaml:"forbidden_commands"`

	// Reviewers are actors allowed to approve or reject iterations.
	// Empty means any actor may decide.
	Reviewers []string `toml:"reviewers" json:"reviewers" yaml:"reviewers"`

	// MaxPathLength bounds accepted path lengths.
	MaxPathLength int `toml:"max_path_length" json:"max_path_length" yaml:"max_path_length"`
}

// WorkspaceConfig holds shadow workspace configuration.
type WorkspaceConfig struct {
	// Path is the shadow workspace directory.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxAgeDays is how long staged entries may sit unreviewed before
	// the expiry sweep discards them. Zero disables the sweep.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// SweepIntervalSec is the expiry sweep interval in seconds.
	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// BackupConfig holds backup retention configuration.
type BackupConfig struct {
	// MaxBackups bounds the number of retained records within the
	// retention scope. Oldest records are evicted first.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// RetentionScope is "per-target" or "global".
	RetentionScope string `toml:"retention_scope" json:"retention_scope" yaml:"retention_scope"`
}

// Rollback policies for a backup whose target has a pending iteration.
const (
	// PendingPolicyReject refuses the rollback until the iteration is decided.
	PendingPolicyReject = "reject"

	// PendingPolicyDiscard discards the pending staged change, then restores.
	PendingPolicyDiscard = "discard"
)

// RollbackConfig holds rollback policy configuration.
type RollbackConfig struct {
	// PendingPolicy decides what happens when a rollback targets a
	// path with a pending iteration: "reject" or "discard".
	PendingPolicy string `toml:"pending_policy" json:"pending_policy" yaml:"pending_policy"`
}

// VerifyConfig holds verifier configuration.
type VerifyConfig struct {
	// Enabled toggles syntax verification of staged content.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Schemas maps basename glob patterns (e.g. "*.plugin.json") to
	// JSON Schema files. Staged JSON content whose target basename
	// matches a pattern is validated against the schema in addition
	// to the syntax check.
	Schemas map[string]string `toml:"schemas" json:"schemas" yaml:"schemas"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// WatchConfig holds live-tree monitoring configuration.
type WatchConfig struct {
	// Enabled determines whether writable roots are watched so a
	// pending iteration is invalidated when its target changes
	// underneath it.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DebounceMs is the debounce interval in milliseconds.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Security: SecurityConfig{
			ReadRoots:  []string{},
			WriteRoots: []string{},
			ForbiddenPatterns: []string{
				`\.env`, `token`, `password`, `secret`,
				`credential`, `api_key`, `private`,
			},
			AllowedCommands: []string{
				"go", "git", "ls", "cat", "echo", "mkdir", "touch",
				"cp", "mv", "find", "grep", "head", "tail", "wc", "diff",
			},
			ForbiddenCommands: []string{
				`rm\s+-rf\s+/`, `dd\s+if=`, `mkfs`, `fdisk`,
				`:\(\)\s*\{.*\};\s*:`, `>\s*/dev/sd`,
				`wget.*\|.*sh`, `curl.*\|.*sh`,
			},
			Reviewers:     []string{},
			MaxPathLength: 4096,
		},
		Workspace: WorkspaceConfig{
			Path:             filepath.Join(dir, "shadow"),
			MaxAgeDays:       7,
			SweepIntervalSec: 3600,
		},
		Backup: BackupConfig{
			MaxBackups:     50,
			RetentionScope: "per-target",
		},
		Rollback: RollbackConfig{
			PendingPolicy: PendingPolicyReject,
		},
		Verify: VerifyConfig{
			Enabled: true,
			Schemas: map[string]string{},
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "wardend.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(dir, "wardend.log"),
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: defaultSocketPath(dir),
			TimeoutSec: 30,
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 500,
		},
	}
}

// DataDir returns the base wardend directory.
// WARDEND_DATA_DIR overrides the default of ~/.wardend.
func DataDir() string {
	if envDir := os.Getenv("WARDEND_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wardend"
	}
	return filepath.Join(home, ".wardend")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

func defaultSocketPath(dir string) string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "wardend.sock")
	}
	return filepath.Join(dir, "wardend.sock")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Variables are prefixed with WARDEND_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WARDEND_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("WARDEND_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("WARDEND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WARDEND_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("WARDEND_WORKSPACE_PATH"); v != "" {
		c.Workspace.Path = v
	}
}

// EnsureDirectories creates all directories the daemon needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.IPC.SocketPath),
		c.Workspace.Path,
	}
	if c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backup.MaxBackups != 50 {
		t.Errorf("expected default max_backups 50, got %d", cfg.Backup.MaxBackups)
	}
	if cfg.Rollback.PendingPolicy != PendingPolicyReject {
		t.Errorf("expected default pending policy %q, got %q", PendingPolicyReject, cfg.Rollback.PendingPolicy)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
version = 1

[security]
write_roots = ["/srv/app"]
forbidden_patterns = ["secret"]

[backup]
max_backups = 5
retention_scope = "global"

[rollback]
pending_policy = "discard"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Security.WriteRoots) != 1 || cfg.Security.WriteRoots[0] != "/srv/app" {
		t.Errorf("unexpected write roots: %v", cfg.Security.WriteRoots)
	}
	if cfg.Backup.MaxBackups != 5 {
		t.Errorf("expected max_backups 5, got %d", cfg.Backup.MaxBackups)
	}
	if cfg.Backup.RetentionScope != "global" {
		t.Errorf("expected global scope, got %q", cfg.Backup.RetentionScope)
	}
	if cfg.Rollback.PendingPolicy != PendingPolicyDiscard {
		t.Errorf("expected discard policy, got %q", cfg.Rollback.PendingPolicy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
version: 1
backup:
  max_backups: 3
  retention_scope: per-target
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backup.MaxBackups != 3 {
		t.Errorf("expected max_backups 3, got %d", cfg.Backup.MaxBackups)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad retention scope", func(c *Config) { c.Backup.RetentionScope = "sideways" }},
		{"zero max backups", func(c *Config) { c.Backup.MaxBackups = 0 }},
		{"bad pending policy", func(c *Config) { c.Rollback.PendingPolicy = "maybe" }},
		{"bad forbidden pattern", func(c *Config) { c.Security.ForbiddenPatterns = []string{"("} }},
		{"bad forbidden command", func(c *Config) { c.Security.ForbiddenCommands = []string{"["} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"empty workspace path", func(c *Config) { c.Workspace.Path = "" }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("WARDEND_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("WARDEND_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Storage.Path != "/tmp/override.db" {
		t.Errorf("storage path override not applied: %s", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override not applied: %s", cfg.Logging.Level)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "db", "wardend.db")
	cfg.Workspace.Path = filepath.Join(dir, "shadow")
	cfg.IPC.SocketPath = filepath.Join(dir, "run", "wardend.sock")
	cfg.Logging.FilePath = filepath.Join(dir, "log", "wardend.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, d := range []string{filepath.Join(dir, "db"), cfg.Workspace.Path, filepath.Join(dir, "run"), filepath.Join(dir, "log")} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("directory %s not created", d)
		}
	}
}

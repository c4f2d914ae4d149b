package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			field:  "logging.level",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			field:  "logging.format",
		},
		{
			name:   "bad retention scope",
			mutate: func(c *Config) { c.Backup.RetentionScope = "everywhere" },
			field:  "backup.retention_scope",
		},
		{
			name:   "zero max backups",
			mutate: func(c *Config) { c.Backup.MaxBackups = 0 },
			field:  "backup.max_backups",
		},
		{
			name:   "bad pending policy",
			mutate: func(c *Config) { c.Rollback.PendingPolicy = "maybe" },
			field:  "rollback.pending_policy",
		},
		{
			name:   "invalid forbidden pattern",
			mutate: func(c *Config) { c.Security.ForbiddenPatterns = []string{"[unclosed"} },
			field:  "security.forbidden_patterns[0]",
		},
		{
			name:   "invalid forbidden command",
			mutate: func(c *Config) { c.Security.ForbiddenCommands = []string{"(?P<"} },
			field:  "security.forbidden_commands[0]",
		},
		{
			name:   "negative max age",
			mutate: func(c *Config) { c.Workspace.MaxAgeDays = -1 },
			field:  "workspace.max_age_days",
		},
		{
			name:   "empty storage path",
			mutate: func(c *Config) { c.Storage.Path = "" },
			field:  "storage.path",
		},
		{
			name:   "empty socket path with ipc enabled",
			mutate: func(c *Config) { c.IPC.SocketPath = "" },
			field:  "ipc.socket_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)

			found := false
			for _, ve := range errs {
				if ve.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected a validation error for %s, got: %v", tt.field, err)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Backup.MaxBackups = 0
	cfg.Workspace.Path = ""

	err := cfg.Validate()
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 3)
}

func TestValidateAcceptsDiscardPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rollback.PendingPolicy = PendingPolicyDiscard
	assert.NoError(t, cfg.Validate())
}

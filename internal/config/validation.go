package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all validation failures.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "config: no errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, message string) {
		errs = append(errs, &ValidationError{Field: field, Message: message})
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}

	switch c.Backup.RetentionScope {
	case "per-target", "global":
	default:
		add("backup.retention_scope", fmt.Sprintf("must be %q or %q, got %q", "per-target", "global", c.Backup.RetentionScope))
	}

	if c.Backup.MaxBackups < 1 {
		add("backup.max_backups", "must be at least 1")
	}

	switch c.Rollback.PendingPolicy {
	case PendingPolicyReject, PendingPolicyDiscard:
	default:
		add("rollback.pending_policy", fmt.Sprintf("must be %q or %q, got %q", PendingPolicyReject, PendingPolicyDiscard, c.Rollback.PendingPolicy))
	}

	for i, pat := range c.Security.ForbiddenPatterns {
		if _, err := regexp.Compile("(?i)" + pat); err != nil {
			add(fmt.Sprintf("security.forbidden_patterns[%d]", i), fmt.Sprintf("invalid regex %q: %v", pat, err))
		}
	}
	for i, pat := range c.Security.ForbiddenCommands {
		if _, err := regexp.Compile("(?i)" + pat); err != nil {
			add(fmt.Sprintf("security.forbidden_commands[%d]", i), fmt.Sprintf("invalid regex %q: %v", pat, err))
		}
	}

	if c.Security.MaxPathLength <= 0 {
		add("security.max_path_length", "must be positive")
	}

	if c.Workspace.Path == "" {
		add("workspace.path", "must not be empty")
	}
	if c.Workspace.MaxAgeDays < 0 {
		add("workspace.max_age_days", "must not be negative")
	}

	if c.Storage.Path == "" {
		add("storage.path", "must not be empty")
	}

	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		add("ipc.socket_path", "must not be empty when ipc is enabled")
	}

	if c.Watch.DebounceMs < 0 {
		add("watch.debounce_ms", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field is among the errors.
func (e ValidationErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig returns ValidationErrors for every invalid field, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	o := c.Observer
	if o.DebounceMs < 0 || o.DebounceMs > 10_000 {
		add("observer.debounce_ms", "must be between 0 and 10000")
	}
	if !isValidURL(o.GraphQLEndpoint) {
		add("observer.graphql_endpoint", "invalid URL %q", o.GraphQLEndpoint)
	}
	if o.SiteOrigin != "" && !isValidURL(o.SiteOrigin) {
		add("observer.site_origin", "invalid URL %q", o.SiteOrigin)
	}
	if o.FetchTimeoutSec < 0 {
		add("observer.fetch_timeout_sec", "must not be negative")
	}
	if o.BreakerFailures < 0 {
		add("observer.breaker_failures", "must not be negative")
	}
	if o.BreakerOpenSec < 0 {
		add("observer.breaker_open_sec", "must not be negative")
	}

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.Path == "" {
			add("storage.path", "required for sqlite storage")
		}
	case "memory":
	default:
		add("storage.type", "must be sqlite or memory, got %q", c.Storage.Type)
	}
	if c.Storage.BusyTimeoutMs < 0 {
		add("storage.busy_timeout_ms", "must not be negative")
	}

	if c.Ledger.MaxRecords < 0 {
		add("ledger.max_records", "must not be negative")
	}

	if c.IPC.Enabled {
		if c.IPC.SocketPath == "" {
			add("ipc.socket_path", "required when ipc is enabled")
		}
		if _, err := strconv.ParseUint(c.IPC.Permissions, 8, 32); err != nil {
			add("ipc.permissions", "invalid octal mode %q", c.IPC.Permissions)
		}
		if c.IPC.MaxConnections < 1 {
			add("ipc.max_connections", "must be at least 1")
		}
	}
	if c.IPC.TimeoutSec < 0 {
		add("ipc.timeout_sec", "must not be negative")
	}
	if c.IPC.MailboxSize < 0 {
		add("ipc.mailbox_size", "must not be negative")
	}

	if c.Chat.Endpoint != "" && !isValidURL(c.Chat.Endpoint) {
		add("chat.endpoint", "invalid URL %q", c.Chat.Endpoint)
	}
	if c.Chat.TimeoutSec < 0 {
		add("chat.timeout_sec", "must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "must be text or json")
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required for file output")
		}
	default:
		add("logging.output", "must be stdout, stderr, file or both")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		add("metrics.listen_addr", "required when metrics are enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

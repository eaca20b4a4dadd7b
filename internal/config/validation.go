package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig validates the configuration and returns the error-level
// findings as ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation finding, warnings included.
func Check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validateBehavior(&c.Behavior)...)
	errs = append(errs, validateReporter(&c.Reporter)...)
	errs = append(errs, validateIngest(&c.Ingest)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateSentry(&c.Sentry)...)
	errs = append(errs, validateDebug(&c.Debug)...)

	return errs
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors

	if m.MinFaceSizeRatio <= 0 || m.MinFaceSizeRatio > 1 {
		errs = append(errs, *RangeError("monitor.min_face_size_ratio", "0 (exclusive)", 1))
	}
	if m.MaxFaces < 1 {
		errs = append(errs, ValidationError{
			Field:   "monitor.max_faces",
			Message: "at least one face must be allowed",
		})
	}
	if m.MovementThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.movement_threshold",
			Message: "movement threshold must be positive",
		})
	}
	if m.CheckIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "monitor.check_interval_ms",
			Message: "check interval must be at least 100ms",
		})
	}
	if m.CentroidResetMisses < 1 {
		errs = append(errs, ValidationError{
			Field:   "monitor.centroid_reset_misses",
			Message: "centroid reset must be at least 1 frame",
		})
	}
	if m.AudioThreshold <= 0 || m.AudioThreshold > 1 {
		errs = append(errs, *RangeError("monitor.audio_threshold", "0 (exclusive)", 1))
	}
	if m.MaxWarningsBeforePause < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.max_warnings_before_pause",
			Message: "max warnings cannot be negative",
		})
	}
	if m.Evidence {
		if m.SnapshotQuality < 1 || m.SnapshotQuality > 100 {
			errs = append(errs, *RangeError("monitor.snapshot_quality", 1, 100))
		}
		if m.SnapshotRate <= 0 {
			errs = append(errs, ValidationError{
				Field:   "monitor.snapshot_rate",
				Message: "snapshot rate must be positive",
			})
		}
		if m.SnapshotBurst < 1 {
			errs = append(errs, ValidationError{
				Field:   "monitor.snapshot_burst",
				Message: "snapshot burst must be at least 1",
			})
		}
	}

	return errs
}

func validateBehavior(b *BehaviorConfig) ValidationErrors {
	var errs ValidationErrors

	if b.DevToolsThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "behavior.devtools_threshold",
			Message: "devtools threshold must be positive",
		})
	}
	if b.DevToolsIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "behavior.devtools_interval_ms",
			Message: "devtools interval must be at least 100ms",
		})
	}
	if b.EnvironmentIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "behavior.environment_interval_sec",
			Message: "environment interval must be at least 1 second",
		})
	}
	for i, d := range b.BlockedDomains {
		if d == "" || strings.Contains(d, "/") || strings.Contains(d, ":") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("behavior.blocked_domains[%d]", i),
				Message: fmt.Sprintf("invalid domain %q (expected a bare host name)", d),
			})
		}
	}

	return errs
}

func validateReporter(r *ReporterConfig) ValidationErrors {
	var errs ValidationErrors

	if r.BaseURL != "" && !isValidURL(r.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "reporter.base_url",
			Message: fmt.Sprintf("invalid URL: %s", r.BaseURL),
		})
	}
	if !strings.HasPrefix(r.EventPath, "/") {
		errs = append(errs, ValidationError{
			Field:   "reporter.event_path",
			Message: "path must start with /",
		})
	}
	if !strings.HasPrefix(r.SecurityPath, "/") {
		errs = append(errs, ValidationError{
			Field:   "reporter.security_path",
			Message: "path must start with /",
		})
	}
	if r.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "reporter.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if r.TimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "reporter.timeout_ms",
			Message: "timeout must be positive",
		})
	}
	if r.DedupSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "reporter.dedup_size",
			Message: "dedup size cannot be negative",
		})
	}
	if r.SigningSecret != "" && len(r.SigningSecret) < 16 {
		errs = append(errs, ValidationError{
			Field:   "reporter.signing_secret",
			Message: "signing secret is shorter than 16 bytes",
		})
	}

	return errs
}

func validateIngest(i *IngestConfig) ValidationErrors {
	var errs ValidationErrors

	if i.ListenAddr == "" {
		errs = append(errs, *RequiredFieldError("ingest.listen_addr"))
	} else if _, _, err := net.SplitHostPort(i.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "ingest.listen_addr",
			Message: fmt.Sprintf("invalid address: %v", err),
		})
	}
	if i.DatabasePath == "" {
		errs = append(errs, *RequiredFieldError("ingest.database_path"))
	}
	if i.RateLimit <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ingest.rate_limit",
			Message: "rate limit must be positive",
		})
	}
	if i.RateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "ingest.rate_burst",
			Message: "rate burst must be at least 1",
		})
	}
	if i.MaxSnapshotBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "ingest.max_snapshot_bytes",
			Message: "snapshot limit must be positive",
		})
	}
	if i.MaxBodyBytes < int64(i.MaxSnapshotBytes) {
		errs = append(errs, ValidationError{
			Field:   "ingest.max_body_bytes",
			Message: "body limit must be at least the snapshot limit",
		})
	}
	if i.MaxConnections < 0 || i.MaxConnectionsPerIP < 0 {
		errs = append(errs, ValidationError{
			Field:   "ingest.max_connections",
			Message: "connection limits cannot be negative",
		})
	}
	if i.MaxConnections > 0 && i.MaxConnectionsPerIP > i.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "ingest.max_connections_per_ip",
			Message: "per-client limit exceeds the global limit",
		})
	}
	if i.Token != "" && len(i.Token) < 16 {
		errs = append(errs, ValidationError{
			Field:   "ingest.token",
			Message: "token is shorter than 16 bytes",
		})
	}
	if i.SigningSecret != "" && len(i.SigningSecret) < 16 {
		errs = append(errs, ValidationError{
			Field:   "ingest.signing_secret",
			Message: "signing secret is shorter than 16 bytes",
		})
	}
	if i.ReadTimeoutSec < 1 || i.WriteTimeoutSec < 1 || i.IdleTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ingest.timeouts",
			Message: "read, write and idle timeouts must be at least 1 second",
		})
	}
	if i.ShutdownTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ingest.shutdown_timeout_sec",
			Message: "shutdown timeout must be at least 1 second",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateSentry(s *SentryConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DSN != "" && !isValidURL(s.DSN) {
		errs = append(errs, ValidationError{
			Field:   "sentry.dsn",
			Message: "invalid DSN",
		})
	}
	if s.SampleRate < 0 || s.SampleRate > 1 {
		errs = append(errs, *RangeError("sentry.sample_rate", 0, 1))
	}

	return errs
}

func validateDebug(d *DebugConfig) ValidationErrors {
	var errs ValidationErrors

	if d.StatsviewAddr != "" {
		if _, _, err := net.SplitHostPort(d.StatsviewAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "debug.statsview_addr",
				Message: fmt.Sprintf("invalid address: %v", err),
			})
		}
	}

	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"ingest.token",
		"ingest.signing_secret",
		"reporter.signing_secret",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// ErrInvalidConfig is returned by the loader when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

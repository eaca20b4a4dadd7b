// Package config handles configuration loading, validation, and management for
// the examguard monitor and ingest daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/getsentry/sentry-go"

	"examguard/internal/evidence"
	"examguard/internal/ingest"
	"examguard/internal/logging"
	"examguard/internal/monitor"
	"examguard/internal/netpolicy"
	"examguard/internal/reporter"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Monitor holds the in-page detector thresholds.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Behavior holds the behavioral anomaly settings.
	Behavior BehaviorConfig `toml:"behavior" json:"behavior" yaml:"behavior"`

	// Reporter configures delivery of violations to the backend.
	Reporter ReporterConfig `toml:"reporter" json:"reporter" yaml:"reporter"`

	// Ingest configures the examguardd HTTP service.
	Ingest IngestConfig `toml:"ingest" json:"ingest" yaml:"ingest"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Sentry configures panic and error capture.
	Sentry SentryConfig `toml:"sentry" json:"sentry" yaml:"sentry"`

	// Debug holds developer-only settings.
	Debug DebugConfig `toml:"debug" json:"debug" yaml:"debug"`

	mu sync.RWMutex
}

// MonitorConfig holds the visual and audio detector settings.
type MonitorConfig struct {
	// MinFaceSizeRatio is the minimum face width as a fraction of the frame.
	MinFaceSizeRatio float64 `toml:"min_face_size_ratio" json:"min_face_size_ratio" yaml:"min_face_size_ratio"`

	// MaxFaces is the largest number of faces tolerated in one frame.
	MaxFaces int `toml:"max_faces" json:"max_faces" yaml:"max_faces"`

	// MovementThreshold is the centroid displacement, in pixels, reported as movement.
	MovementThreshold float64 `toml:"movement_threshold" json:"movement_threshold" yaml:"movement_threshold"`

	// CheckIntervalMs is the analysis period.
	CheckIntervalMs int `toml:"check_interval_ms" json:"check_interval_ms" yaml:"check_interval_ms"`

	// CentroidResetMisses is how many consecutive faceless frames clear the centroid.
	CentroidResetMisses int `toml:"centroid_reset_misses" json:"centroid_reset_misses" yaml:"centroid_reset_misses"`

	// Evidence attaches snapshots to violations.
	Evidence bool `toml:"evidence" json:"evidence" yaml:"evidence"`

	EnableAudioMonitoring bool    `toml:"enable_audio_monitoring" json:"enable_audio_monitoring" yaml:"enable_audio_monitoring"`
	AudioThreshold        float64 `toml:"audio_threshold" json:"audio_threshold" yaml:"audio_threshold"`

	// MaxWarningsBeforePause pauses the assessment at this count. 0 disables pausing.
	MaxWarningsBeforePause int `toml:"max_warnings_before_pause" json:"max_warnings_before_pause" yaml:"max_warnings_before_pause"`

	SnapshotQuality int     `toml:"snapshot_quality" json:"snapshot_quality" yaml:"snapshot_quality"`
	SnapshotRate    float64 `toml:"snapshot_rate" json:"snapshot_rate" yaml:"snapshot_rate"`
	SnapshotBurst   int     `toml:"snapshot_burst" json:"snapshot_burst" yaml:"snapshot_burst"`
}

// BehaviorConfig holds behavioral anomaly detector settings.
type BehaviorConfig struct {
	BlockClipboard bool `toml:"block_clipboard" json:"block_clipboard" yaml:"block_clipboard"`

	// DevToolsThreshold is the outer/inner window size gap, in pixels, that
	// indicates docked developer tools.
	DevToolsThreshold  int `toml:"devtools_threshold" json:"devtools_threshold" yaml:"devtools_threshold"`
	DevToolsIntervalMs int `toml:"devtools_interval_ms" json:"devtools_interval_ms" yaml:"devtools_interval_ms"`

	// EnvironmentIntervalSec is the period of the virtual machine and screen
	// share checks.
	EnvironmentIntervalSec int `toml:"environment_interval_sec" json:"environment_interval_sec" yaml:"environment_interval_sec"`

	// BlockedDomains replaces the built-in denylist when set. An explicit
	// empty list blocks nothing.
	BlockedDomains  []string `toml:"blocked_domains,omitempty" json:"blocked_domains,omitempty" yaml:"blocked_domains,omitempty"`
	BlockWebSockets bool     `toml:"block_websockets" json:"block_websockets" yaml:"block_websockets"`
}

// ReporterConfig configures violation delivery.
type ReporterConfig struct {
	// BaseURL is the backend origin. Empty keeps every report local.
	BaseURL      string `toml:"base_url" json:"base_url" yaml:"base_url"`
	EventPath    string `toml:"event_path" json:"event_path" yaml:"event_path"`
	SecurityPath string `toml:"security_path" json:"security_path" yaml:"security_path"`

	MirrorToSecurityEndpoint bool `toml:"mirror_to_security_endpoint" json:"mirror_to_security_endpoint" yaml:"mirror_to_security_endpoint"`

	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	DedupSize int `toml:"dedup_size" json:"dedup_size" yaml:"dedup_size"`

	// SigningSecret enables report signatures. Prefer EXAMGUARD_SIGNING_SECRET.
	SigningSecret string `toml:"signing_secret" json:"signing_secret" yaml:"signing_secret"`
}

// IngestConfig configures the examguardd HTTP service.
type IngestConfig struct {
	ListenAddr   string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// AuditLogPath receives the JSON-lines audit trail. Empty disables it.
	AuditLogPath string `toml:"audit_log_path" json:"audit_log_path" yaml:"audit_log_path"`

	// RateLimit is the per-client request rate in requests per second.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`

	MaxBodyBytes     int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
	MaxSnapshotBytes int   `toml:"max_snapshot_bytes" json:"max_snapshot_bytes" yaml:"max_snapshot_bytes"`

	MaxConnections      int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	MaxConnectionsPerIP int `toml:"max_connections_per_ip" json:"max_connections_per_ip" yaml:"max_connections_per_ip"`

	// Token is the optional bearer token. Prefer EXAMGUARD_INGEST_TOKEN.
	Token string `toml:"token" json:"token" yaml:"token"`

	// SigningSecret requires signed reports when set.
	SigningSecret string `toml:"signing_secret" json:"signing_secret" yaml:"signing_secret"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec     int `toml:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file, or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
	AddSource  bool   `toml:"add_source" json:"add_source" yaml:"add_source"`
}

// SentryConfig configures sentry. An empty DSN disables it.
type SentryConfig struct {
	DSN         string  `toml:"dsn" json:"dsn" yaml:"dsn"`
	Environment string  `toml:"environment" json:"environment" yaml:"environment"`
	SampleRate  float64 `toml:"sample_rate" json:"sample_rate" yaml:"sample_rate"`
	Debug       bool    `toml:"debug" json:"debug" yaml:"debug"`
}

// DebugConfig holds developer-only settings.
type DebugConfig struct {
	// StatsviewAddr serves the runtime statistics viewer when set.
	StatsviewAddr string `toml:"statsview_addr" json:"statsview_addr" yaml:"statsview_addr"`
}

// DefaultConfig returns a configuration with the standard thresholds.
func DefaultConfig() *Config {
	dir := DataDir()
	opts := monitor.DefaultOptions("", "")
	rc := reporter.DefaultConfig()
	ic := ingest.DefaultConfig()

	return &Config{
		Version: Version,
		Monitor: MonitorConfig{
			MinFaceSizeRatio:       opts.MinFaceSizeRatio,
			MaxFaces:               opts.MaxFaces,
			MovementThreshold:      opts.MovementThreshold,
			CheckIntervalMs:        int(opts.CheckInterval / time.Millisecond),
			CentroidResetMisses:    opts.CentroidResetMisses,
			Evidence:               opts.Evidence,
			EnableAudioMonitoring:  opts.EnableAudioMonitoring,
			AudioThreshold:         opts.AudioThreshold,
			MaxWarningsBeforePause: opts.MaxWarningsBeforePause,
			SnapshotQuality:        opts.Snapshot.Quality,
			SnapshotRate:           opts.Snapshot.Rate,
			SnapshotBurst:          opts.Snapshot.Burst,
		},
		Behavior: BehaviorConfig{
			BlockClipboard:         opts.BlockClipboard,
			DevToolsThreshold:      opts.DevToolsThreshold,
			DevToolsIntervalMs:     int(opts.DevToolsInterval / time.Millisecond),
			EnvironmentIntervalSec: int(opts.EnvironmentInterval / time.Second),
			BlockWebSockets:        false,
		},
		Reporter: ReporterConfig{
			EventPath:    rc.EventPath,
			SecurityPath: rc.SecurityPath,
			QueueSize:    rc.QueueSize,
			TimeoutMs:    int(rc.Timeout / time.Millisecond),
			DedupSize:    rc.DedupSize,
		},
		Ingest: IngestConfig{
			ListenAddr:          ic.Addr,
			DatabasePath:        filepath.Join(dir, "examguard.db"),
			AuditLogPath:        filepath.Join(PlatformLogDir(), "audit.log"),
			RateLimit:           ic.RateLimit,
			RateBurst:           ic.RateBurst,
			MaxBodyBytes:        ic.MaxBodyBytes,
			MaxSnapshotBytes:    ic.MaxSnapshotBytes,
			MaxConnections:      ic.MaxConnections,
			MaxConnectionsPerIP: ic.MaxConnectionsPerIP,
			ReadTimeoutSec:      int(ic.ReadTimeout / time.Second),
			WriteTimeoutSec:     int(ic.WriteTimeout / time.Second),
			IdleTimeoutSec:      int(ic.IdleTimeout / time.Second),
			ShutdownTimeoutSec:  int(ic.ShutdownTimeout / time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "examguardd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Sentry: SentryConfig{
			Environment: "production",
			SampleRate:  1.0,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	dir := PlatformConfigDir()
	if path := FindConfigFile(dir); path != "" {
		return path
	}
	return filepath.Join(dir, "config.toml")
}

// DataDir returns the base examguard data directory.
// EXAMGUARD_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("EXAMGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors. Warnings are not reported;
// use Check for the full list.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{filepath.Dir(c.Ingest.DatabasePath)}
	if c.Ingest.AuditLogPath != "" {
		dirs = append(dirs, filepath.Dir(c.Ingest.AuditLogPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	c.mu.RUnlock()

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

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with EXAMGUARD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reporter overrides
	if v := os.Getenv("EXAMGUARD_REPORTER_URL"); v != "" {
		c.Reporter.BaseURL = v
	}

	// Ingest overrides
	if v := os.Getenv("EXAMGUARD_LISTEN_ADDR"); v != "" {
		c.Ingest.ListenAddr = v
	}
	if v := os.Getenv("EXAMGUARD_DATABASE_PATH"); v != "" {
		c.Ingest.DatabasePath = v
	}
	if v, ok := os.LookupEnv("EXAMGUARD_AUDIT_LOG"); ok {
		c.Ingest.AuditLogPath = v
	}
	if v := os.Getenv("EXAMGUARD_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Ingest.RateLimit = f
		}
	}

	// Secrets from env
	if v := os.Getenv("EXAMGUARD_INGEST_TOKEN"); v != "" {
		c.Ingest.Token = v
	}
	if v := os.Getenv("EXAMGUARD_SIGNING_SECRET"); v != "" {
		c.Ingest.SigningSecret = v
		c.Reporter.SigningSecret = v
	}

	// Logging overrides
	if v := os.Getenv("EXAMGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("EXAMGUARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("EXAMGUARD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("EXAMGUARD_SENTRY_DSN"); v != "" {
		c.Sentry.DSN = v
	}
	if v := os.Getenv("EXAMGUARD_STATSVIEW_ADDR"); v != "" {
		c.Debug.StatsviewAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Monitor:  c.Monitor,
		Behavior: c.Behavior,
		Reporter: c.Reporter,
		Ingest:   c.Ingest,
		Logging:  c.Logging,
		Sentry:   c.Sentry,
		Debug:    c.Debug,
	}
	clone.Behavior.BlockedDomains = slices.Clone(c.Behavior.BlockedDomains)

	return clone
}

// MonitorOptions builds the monitor options for one candidate session.
func (c *Config) MonitorOptions(assessmentID, candidateID string) monitor.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := monitor.DefaultOptions(assessmentID, candidateID)
	opts.MinFaceSizeRatio = c.Monitor.MinFaceSizeRatio
	opts.MaxFaces = c.Monitor.MaxFaces
	opts.MovementThreshold = c.Monitor.MovementThreshold
	opts.CheckInterval = time.Duration(c.Monitor.CheckIntervalMs) * time.Millisecond
	opts.CentroidResetMisses = c.Monitor.CentroidResetMisses
	opts.Evidence = c.Monitor.Evidence
	opts.EnableAudioMonitoring = c.Monitor.EnableAudioMonitoring
	opts.AudioThreshold = c.Monitor.AudioThreshold
	opts.MaxWarningsBeforePause = c.Monitor.MaxWarningsBeforePause
	opts.Snapshot = evidence.Config{
		Quality: c.Monitor.SnapshotQuality,
		Rate:    c.Monitor.SnapshotRate,
		Burst:   c.Monitor.SnapshotBurst,
	}

	opts.BlockClipboard = c.Behavior.BlockClipboard
	opts.DevToolsThreshold = c.Behavior.DevToolsThreshold
	opts.DevToolsInterval = time.Duration(c.Behavior.DevToolsIntervalMs) * time.Millisecond
	opts.EnvironmentInterval = time.Duration(c.Behavior.EnvironmentIntervalSec) * time.Second
	opts.Network = netpolicy.Policy{
		Denylist:        slices.Clone(c.Behavior.BlockedDomains),
		BlockWebSockets: c.Behavior.BlockWebSockets,
	}

	opts.Reporter = reporter.Config{
		BaseURL:                  c.Reporter.BaseURL,
		EventPath:                c.Reporter.EventPath,
		SecurityPath:             c.Reporter.SecurityPath,
		MirrorToSecurityEndpoint: c.Reporter.MirrorToSecurityEndpoint,
		MaxWarningsBeforePause:   c.Monitor.MaxWarningsBeforePause,
		QueueSize:                c.Reporter.QueueSize,
		Timeout:                  time.Duration(c.Reporter.TimeoutMs) * time.Millisecond,
		DedupSize:                c.Reporter.DedupSize,
	}
	return opts
}

// ReportSigner returns the client-side report signer, or nil when signing
// is not configured.
func (c *Config) ReportSigner() *evidence.Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return evidence.NewSigner([]byte(c.Reporter.SigningSecret))
}

// IngestOptions builds the ingest service configuration.
func (c *Config) IngestOptions() ingest.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ingest.Config{
		Addr:                c.Ingest.ListenAddr,
		RateLimit:           c.Ingest.RateLimit,
		RateBurst:           c.Ingest.RateBurst,
		MaxBodyBytes:        c.Ingest.MaxBodyBytes,
		MaxSnapshotBytes:    c.Ingest.MaxSnapshotBytes,
		MaxConnections:      c.Ingest.MaxConnections,
		MaxConnectionsPerIP: c.Ingest.MaxConnectionsPerIP,
		Token:               c.Ingest.Token,
		SigningSecret:       c.Ingest.SigningSecret,
		ReadTimeout:         time.Duration(c.Ingest.ReadTimeoutSec) * time.Second,
		WriteTimeout:        time.Duration(c.Ingest.WriteTimeoutSec) * time.Second,
		IdleTimeout:         time.Duration(c.Ingest.IdleTimeoutSec) * time.Second,
		ShutdownTimeout:     time.Duration(c.Ingest.ShutdownTimeoutSec) * time.Second,
	}
}

// LoggingOptions builds the logger configuration for component.
func (c *Config) LoggingOptions(component string) (*logging.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = logging.FormatText
	if c.Logging.Format == "json" {
		lc.Format = logging.FormatJSON
	}
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	lc.AddSource = c.Logging.AddSource
	lc.Component = component
	return lc, nil
}

// AuditOptions builds the audit logger configuration, or nil when the
// audit trail is disabled.
func (c *Config) AuditOptions() *logging.AuditLoggerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Ingest.AuditLogPath == "" {
		return nil
	}
	return &logging.AuditLoggerConfig{
		FilePath:   c.Ingest.AuditLogPath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  "examguardd",
	}
}

// SentryOptions builds the sentry client options. The second result is false
// when no DSN is configured.
func (c *Config) SentryOptions(release string) (sentry.ClientOptions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Sentry.DSN == "" {
		return sentry.ClientOptions{}, false
	}
	return sentry.ClientOptions{
		Dsn:              c.Sentry.DSN,
		Environment:      c.Sentry.Environment,
		Release:          release,
		SampleRate:       c.Sentry.SampleRate,
		Debug:            c.Sentry.Debug,
		AttachStacktrace: true,
	}, true
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "# examguard configuration\n# Version %d\n\n", c.Version)
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

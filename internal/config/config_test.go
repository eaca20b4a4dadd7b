package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EXAMGUARD_DATA_DIR", dir)
	return dir
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Monitor.CheckIntervalMs != 1200 {
		t.Errorf("expected check interval 1200ms, got %d", cfg.Monitor.CheckIntervalMs)
	}
	if cfg.Monitor.MaxWarningsBeforePause != 3 {
		t.Errorf("expected pause threshold 3, got %d", cfg.Monitor.MaxWarningsBeforePause)
	}
	if cfg.Ingest.RateLimit != 20 || cfg.Ingest.RateBurst != 40 {
		t.Errorf("expected 20 req/s burst 40, got %v/%d", cfg.Ingest.RateLimit, cfg.Ingest.RateBurst)
	}
	if cfg.Ingest.MaxBodyBytes != 8<<20 {
		t.Errorf("expected 8 MiB body limit, got %d", cfg.Ingest.MaxBodyBytes)
	}
	if !strings.HasPrefix(cfg.Ingest.DatabasePath, dir) {
		t.Errorf("database path should live under the data dir: %s", cfg.Ingest.DatabasePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "examguard") {
		t.Errorf("config path should contain examguard: %s", path)
	}
}

func TestFindConfigFilePrefersTOML(t *testing.T) {
	dir := t.TempDir()
	if got := FindConfigFile(dir); got != "" {
		t.Fatalf("empty dir: got %q", got)
	}
	for _, name := range []string{"config.json", "config.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	if got := FindConfigFile(dir); filepath.Base(got) != "config.yaml" {
		t.Errorf("expected config.yaml, got %q", got)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(dir); filepath.Base(got) != "config.toml" {
		t.Errorf("expected config.toml, got %q", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.MaxFaces != 1 {
		t.Errorf("expected default max faces 1, got %d", cfg.Monitor.MaxFaces)
	}
}

func TestLoadFormats(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", "[monitor]\nmax_faces = 2\n[ingest]\nlisten_addr = \"0.0.0.0:9000\"\n"},
		{"json", "config.json", `{"monitor": {"max_faces": 2}, "ingest": {"listen_addr": "0.0.0.0:9000"}}`},
		{"yaml", "config.yaml", "monitor:\n  max_faces: 2\ningest:\n  listen_addr: \"0.0.0.0:9000\"\n"},
		{"autodetect", "examguard.conf", "[monitor]\nmax_faces = 2\n[ingest]\nlisten_addr = \"0.0.0.0:9000\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Monitor.MaxFaces != 2 {
				t.Errorf("expected max faces 2, got %d", cfg.Monitor.MaxFaces)
			}
			if cfg.Ingest.ListenAddr != "0.0.0.0:9000" {
				t.Errorf("expected listen addr 0.0.0.0:9000, got %s", cfg.Ingest.ListenAddr)
			}
			// Unset fields keep their defaults.
			if cfg.Monitor.CheckIntervalMs != 1200 {
				t.Errorf("expected default check interval, got %d", cfg.Monitor.CheckIntervalMs)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("this is not valid toml {{{\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("EXAMGUARD_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("EXAMGUARD_SIGNING_SECRET", "0123456789abcdef0123")
	t.Setenv("EXAMGUARD_LOG_LEVEL", "DEBUG")
	t.Setenv("EXAMGUARD_RATE_LIMIT", "5.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ingest.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("listen addr override not applied: %s", cfg.Ingest.ListenAddr)
	}
	if cfg.Ingest.SigningSecret != "0123456789abcdef0123" || cfg.Reporter.SigningSecret != cfg.Ingest.SigningSecret {
		t.Error("signing secret should apply to both ingest and reporter")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected lowercased level, got %s", cfg.Logging.Level)
	}
	if cfg.Ingest.RateLimit != 5.5 {
		t.Errorf("expected rate limit 5.5, got %v", cfg.Ingest.RateLimit)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"face ratio", func(c *Config) { c.Monitor.MinFaceSizeRatio = 0 }, "monitor.min_face_size_ratio"},
		{"max faces", func(c *Config) { c.Monitor.MaxFaces = 0 }, "monitor.max_faces"},
		{"interval", func(c *Config) { c.Monitor.CheckIntervalMs = 10 }, "monitor.check_interval_ms"},
		{"audio threshold", func(c *Config) { c.Monitor.AudioThreshold = 2 }, "monitor.audio_threshold"},
		{"snapshot quality", func(c *Config) { c.Monitor.SnapshotQuality = 0 }, "monitor.snapshot_quality"},
		{"blocked domain", func(c *Config) { c.Behavior.BlockedDomains = []string{"https://x.com"} }, "behavior.blocked_domains[0]"},
		{"base url", func(c *Config) { c.Reporter.BaseURL = "ftp://backend" }, "reporter.base_url"},
		{"event path", func(c *Config) { c.Reporter.EventPath = "api/event" }, "reporter.event_path"},
		{"listen addr", func(c *Config) { c.Ingest.ListenAddr = "nope" }, "ingest.listen_addr"},
		{"database", func(c *Config) { c.Ingest.DatabasePath = "" }, "ingest.database_path"},
		{"body limit", func(c *Config) { c.Ingest.MaxBodyBytes = 1024 }, "ingest.max_body_bytes"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"sample rate", func(c *Config) { c.Sentry.SampleRate = 1.5 }, "sentry.sample_rate"},
		{"statsview", func(c *Config) { c.Debug.StatsviewAddr = "localhost" }, "debug.statsview_addr"},
		{"version", func(c *Config) { c.Version = Version + 1 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestShortSecretsAreWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.Token = "short"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings should not fail validation: %v", err)
	}
	all := Check(cfg)
	if len(all.Warnings()) != 1 || all.HasErrors() {
		t.Errorf("expected exactly one warning, got %v", all)
	}
}

func TestMonitorOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.MaxFaces = 2
	cfg.Monitor.CheckIntervalMs = 2000
	cfg.Monitor.MaxWarningsBeforePause = 5
	cfg.Behavior.BlockedDomains = []string{"example.test"}
	cfg.Behavior.EnvironmentIntervalSec = 10
	cfg.Reporter.BaseURL = "https://backend.test"
	cfg.Reporter.TimeoutMs = 2500

	opts := cfg.MonitorOptions("asmt-1", "cand-1")
	if opts.AssessmentID != "asmt-1" || opts.CandidateID != "cand-1" {
		t.Errorf("ids not carried: %s/%s", opts.AssessmentID, opts.CandidateID)
	}
	if opts.MaxFaces != 2 {
		t.Errorf("expected max faces 2, got %d", opts.MaxFaces)
	}
	if opts.CheckInterval != 2*time.Second {
		t.Errorf("expected 2s interval, got %v", opts.CheckInterval)
	}
	if opts.EnvironmentInterval != 10*time.Second {
		t.Errorf("expected 10s environment interval, got %v", opts.EnvironmentInterval)
	}
	if opts.Reporter.MaxWarningsBeforePause != 5 || opts.MaxWarningsBeforePause != 5 {
		t.Error("pause threshold should reach both monitor and reporter")
	}
	if opts.Reporter.Timeout != 2500*time.Millisecond {
		t.Errorf("expected 2.5s timeout, got %v", opts.Reporter.Timeout)
	}
	if len(opts.Network.Denylist) != 1 || opts.Network.Denylist[0] != "example.test" {
		t.Errorf("unexpected denylist %v", opts.Network.Denylist)
	}

	if cfg.ReportSigner() != nil {
		t.Error("no signer without a secret")
	}
	cfg.Reporter.SigningSecret = "0123456789abcdef"
	if cfg.ReportSigner() == nil {
		t.Error("expected a signer")
	}
}

func TestIngestAndLoggingOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.ReadTimeoutSec = 7
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	ic := cfg.IngestOptions()
	if ic.ReadTimeout != 7*time.Second {
		t.Errorf("expected 7s read timeout, got %v", ic.ReadTimeout)
	}
	if ic.RateBurst != cfg.Ingest.RateBurst {
		t.Errorf("burst not carried")
	}

	lc, err := cfg.LoggingOptions("ingest")
	if err != nil {
		t.Fatalf("LoggingOptions failed: %v", err)
	}
	if lc.Component != "ingest" || lc.Level.String() != "WARN" {
		t.Errorf("unexpected logging config %+v", lc)
	}

	cfg.Logging.Level = "loud"
	if _, err := cfg.LoggingOptions("ingest"); err == nil {
		t.Error("expected error for unknown level")
	}

	if _, ok := cfg.SentryOptions("v1"); ok {
		t.Error("sentry should be disabled without a DSN")
	}
	cfg.Sentry.DSN = "https://key@sentry.example.test/1"
	so, ok := cfg.SentryOptions("v1")
	if !ok || so.Release != "v1" {
		t.Errorf("unexpected sentry options %+v", so)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Behavior.BlockedDomains = []string{"a.test"}

	clone := cfg.Clone()
	clone.Behavior.BlockedDomains[0] = "b.test"
	clone.Monitor.MaxFaces = 9

	if cfg.Behavior.BlockedDomains[0] != "a.test" {
		t.Error("clone shares the denylist")
	}
	if cfg.Monitor.MaxFaces == 9 {
		t.Error("clone shares monitor settings")
	}
}

func TestSaveAndLoadOrCreate(t *testing.T) {
	isolate(t)
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			cfg, created, err := LoadOrCreate(path)
			if err != nil {
				t.Fatalf("LoadOrCreate failed: %v", err)
			}
			if !created {
				t.Error("expected a new file")
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("config not written: %v", err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %o", info.Mode().Perm())
			}

			again, created, err := LoadOrCreate(path)
			if err != nil {
				t.Fatalf("reload failed: %v", err)
			}
			if created {
				t.Error("second call should load the existing file")
			}
			if again.Monitor != cfg.Monitor || again.Ingest != cfg.Ingest {
				t.Error("round trip changed the configuration")
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Ingest.DatabasePath = filepath.Join(dir, "a", "b", "examguard.db")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "examguardd.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{filepath.Join(dir, "a", "b"), filepath.Join(dir, "logs")} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", d)
		}
	}
}

func TestLoaderRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[monitor]\nmax_faces = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader(path).Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[ingest]\nrate_limit = 20.0\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan [2]float64, 1)
	loader.OnChange(func(old, new *Config) {
		if new.Ingest.RateLimit != 50 {
			return
		}
		select {
		case changed <- [2]float64{old.Ingest.RateLimit, new.Ingest.RateLimit}:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("[ingest]\nrate_limit = 50.0\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got[0] != 20 || got[1] != 50 {
			t.Errorf("expected 20 -> 50, got %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	if loader.Config().Ingest.RateLimit != 50 {
		t.Errorf("loader kept the old config")
	}
}

func TestEmptyBlockedDomainsBlocksNothing(t *testing.T) {
	isolate(t)
	if opts := DefaultConfig().MonitorOptions("a", "c"); opts.Network.Denylist != nil {
		t.Errorf("default should select the built-in denylist, got %v", opts.Network.Denylist)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Behavior.BlockedDomains != nil {
		t.Errorf("saved defaults should not pin a denylist: %v", cfg.Behavior.BlockedDomains)
	}

	empty := filepath.Join(dir, "empty.toml")
	if err := os.WriteFile(empty, []byte("[behavior]\nblocked_domains = []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(empty)
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.MonitorOptions("a", "c")
	if opts.Network.Denylist == nil || len(opts.Network.Denylist) != 0 {
		t.Errorf("explicit empty list should survive as empty, got %#v", opts.Network.Denylist)
	}
	if clone := cfg.Clone(); clone.Behavior.BlockedDomains == nil {
		t.Error("clone dropped the explicit empty list")
	}
}

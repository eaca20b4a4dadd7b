// examguardd - Exam integrity report ingestion daemon
//
// examguardd receives violation reports and environment scans from proctoring
// monitors, stores them in SQLite and serves them to reviewers:
//
//	examguardd                      Run with the default configuration
//	examguardd -config path.toml    Run with an explicit configuration file
//	examguardd -version             Print the version and exit
//
// The configuration file is watched; log level and rate limits are applied
// without a restart. SIGHUP rotates the log file, SIGINT and SIGTERM shut
// down gracefully.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"

	"examguard/internal/config"
	"examguard/internal/health"
	"examguard/internal/ingest"
	"examguard/internal/logging"
	"examguard/internal/metrics"
	"examguard/internal/store"
)

// Version is set at build time.
var Version = "dev"

const (
	minFreeDisk   = 256 << 20
	maxHeap       = 1 << 30
	uptimeRefresh = 15 * time.Second
	sentryFlush   = 2 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: platform config dir)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("examguardd %s\n", Version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `examguardd - Exam integrity report ingestion daemon

Usage: examguardd [options]

Options:
  -config <path>  Path to config file (TOML, JSON or YAML)
  -version        Print version and exit

Signals:
  SIGHUP          Rotate the log file
  SIGINT/SIGTERM  Graceful shutdown`)
}

func run(configPath string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	if _, created, err := config.LoadOrCreate(configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	} else if created {
		fmt.Fprintf(os.Stderr, "Created default configuration at %s\n", configPath)
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	logOpts, err := cfg.LoggingOptions("examguardd")
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	if opts, ok := cfg.SentryOptions(Version); ok {
		if err := sentry.Init(opts); err != nil {
			logger.Warn("sentry disabled", "error", err)
		} else {
			defer sentry.Flush(sentryFlush)
			defer sentry.Recover()
		}
	}

	st, err := store.Open(cfg.Ingest.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var audit *logging.AuditLogger
	if auditOpts := cfg.AuditOptions(); auditOpts != nil {
		audit, err = logging.NewAuditLogger(auditOpts)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
	}

	m := metrics.New(nil)
	checker := health.NewChecker()
	dataDir := filepath.Dir(cfg.Ingest.DatabasePath)
	checker.RegisterFunc("disk", false, health.DiskSpaceCheck(dataDir, minFreeDisk))
	checker.RegisterFunc("memory", false, health.MemoryCheck(maxHeap))

	srv, err := ingest.New(cfg.IngestOptions(), ingest.Deps{
		Store:   st,
		Metrics: m,
		Health:  checker,
		Audit:   audit,
		Logger:  logger.Logger,
	})
	if err != nil {
		return fmt.Errorf("create ingest server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader.OnChange(func(old, updated *config.Config) {
		applyChange(ctx, logger, audit, srv, old, updated)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", "path", configPath, "error", err)
	}
	go func() {
		defer sentry.Recover()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
			}
		}
	}()

	if addr := cfg.Debug.StatsviewAddr; addr != "" {
		viewer.SetConfiguration(viewer.WithTheme(viewer.ThemeWesteros), viewer.WithAddr(addr))
		mgr := statsview.New()
		go mgr.Start()
		defer mgr.Stop()
		logger.Info("statsview enabled", "addr", addr)
	}

	go refreshUptime(ctx, m)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	stopReason := make(chan string, 1)
	go func() {
		defer sentry.Recover()
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				if r := logger.Rotator(); r != nil {
					if err := r.Rotate(); err != nil {
						logger.Warn("log rotation failed", "error", err)
					} else {
						logger.Info("log rotated", "files", r.GetLogFiles())
					}
				}
				continue
			}
			logger.Info("shutdown requested", "signal", sig.String())
			stopReason <- sig.String()
			cancel()
			return
		}
	}()

	audit.LogStartup(ctx, Version, map[string]any{
		"config":   configPath,
		"addr":     cfg.Ingest.ListenAddr,
		"database": cfg.Ingest.DatabasePath,
	})
	logger.Info("examguardd starting", "version", Version, "config", configPath)

	err = srv.Start(ctx)
	reason := "server exited"
	select {
	case r := <-stopReason:
		reason = r
	default:
	}
	if err != nil {
		reason = "error"
		logger.Error("ingest server failed", "error", err)
	}
	audit.LogShutdown(context.Background(), reason)
	logger.Info("examguardd stopped", "reason", reason)
	return err
}

// applyChange applies the settings that take effect without a restart.
func applyChange(ctx context.Context, logger *logging.Logger, audit *logging.AuditLogger, srv *ingest.Server, old, updated *config.Config) {
	if old.Logging.Level != updated.Logging.Level {
		if level, err := logging.ParseLevel(updated.Logging.Level); err == nil {
			logger.SetLevel(level)
			audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, updated.Logging.Level)
		}
	}

	if old.Ingest.RateLimit != updated.Ingest.RateLimit || old.Ingest.RateBurst != updated.Ingest.RateBurst {
		srv.SetLimits(updated.Ingest.RateLimit, updated.Ingest.RateBurst)
		audit.LogConfigChange(ctx, "ingest.rate_limit",
			formatLimit(old.Ingest.RateLimit, old.Ingest.RateBurst),
			formatLimit(updated.Ingest.RateLimit, updated.Ingest.RateBurst))
	}

	if old.Ingest.ListenAddr != updated.Ingest.ListenAddr || old.Ingest.DatabasePath != updated.Ingest.DatabasePath {
		logger.Warn("listen address and database changes require a restart")
	}
	logger.Info("configuration reloaded")
}

func formatLimit(rate float64, burst int) string {
	return strconv.FormatFloat(rate, 'f', -1, 64) + "/s burst " + strconv.Itoa(burst)
}

func refreshUptime(ctx context.Context, m *metrics.Metrics) {
	defer sentry.Recover()
	ticker := time.NewTicker(uptimeRefresh)
	defer ticker.Stop()
	for {
		m.UpdateUptime()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// examguardctl is the control CLI for examguard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"examguard/internal/config"
	"examguard/internal/evidence"
	"examguard/internal/export"
	"examguard/internal/logging"
	"examguard/internal/replay"
	"examguard/internal/store"
	"examguard/internal/violation"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	verbose    = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "replay":
		cmdReplay(args)
	case "export":
		cmdExport(args)
	case "stats":
		cmdStats(args)
	case "db":
		cmdDB(args)
	case "sign":
		cmdSign(args)
	case "config":
		cmdConfig(args)
	case "version":
		fmt.Printf("examguardctl %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `examguardctl - Control utility for examguard

Usage: examguardctl [options] <command> [args]

Commands:
  replay <scenario.yaml>          Replay a scripted proctoring session
  export -o <out.xlsx> [flags]    Export stored violations to a spreadsheet
  stats [-db path]                Show database statistics
  db status|validate|migrate|rollback [-db path]
                                  Inspect or change the database schema version
  sign -assessment <id> [file]    Print the report signature for a request body
  config check [path]             Validate a configuration file
  config init [path]              Write a default configuration file
  version                         Print version
  help                            Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)
  -v              Verbose logging`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config: %v", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	opts, err := cfg.LoggingOptions("examguardctl")
	if err != nil {
		fatal("logging config: %v", err)
	}
	// Command output owns stdout.
	opts.Output = "stderr"
	opts.Level = logging.LevelWarn
	if *verbose {
		opts.Level = logging.LevelDebug
	}
	logger, err := logging.New(opts)
	if err != nil {
		fatal("create logger: %v", err)
	}
	logging.SetDefault(logger)
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: examguardctl replay [-json] <scenario.yaml>")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	logger := setupLogging(cfg)
	sc, err := replay.Load(fs.Arg(0))
	if err != nil {
		fatal("%v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	// Configured thresholds are the baseline; the scenario may override them.
	res, err := replay.RunWith(ctx, sc, cfg.MonitorOptions(sc.AssessmentID, sc.CandidateID), logger.Logger)
	if err != nil {
		fatal("replay: %v", err)
	}

	if *asJSON {
		data, err := violation.MarshalIndent(res)
		if err != nil {
			fatal("encode result: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Scenario:   %s\n", res.Scenario)
	if !res.Started {
		fmt.Printf("Start:      FAILED (%s)\n", res.StartError)
	}
	fmt.Printf("Strategy:   %s\n", res.Strategy)
	fmt.Printf("Steps:      %d\n", res.Steps)
	fmt.Printf("State:      %s\n", res.State)
	fmt.Printf("Warnings:   %d\n", res.Warnings)
	fmt.Printf("Violations: %d\n", len(res.Violations))
	if len(res.Violations) == 0 {
		return
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tMESSAGE")
	for _, ev := range res.Violations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.UTC().Format(violation.TimestampLayout), ev.Type, ev.Severity, ev.Message)
	}
	w.Flush()
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path (default: from config)")
	output := fs.String("o", "", "output .xlsx path (required)")
	assessment := fs.String("assessment", "", "only this assessment")
	candidate := fs.String("candidate", "", "only this candidate")
	since := fs.String("since", "", "only violations at or after this RFC3339 time")
	fs.Parse(args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Usage: examguardctl export -o <out.xlsx> [-db path] [-assessment id] [-candidate id] [-since time]")
		os.Exit(1)
	}

	cfg := loadConfig()
	logger := setupLogging(cfg)
	if *dbPath == "" {
		*dbPath = cfg.Ingest.DatabasePath
	}
	if _, err := os.Stat(*dbPath); err != nil {
		fatal("database %s: %v", *dbPath, err)
	}

	filter := store.Filter{AssessmentID: *assessment, CandidateID: *candidate}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fatal("invalid -since: %v", err)
		}
		filter.Since = t
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()
	records, err := st.ListViolations(ctx, filter)
	if err != nil {
		fatal("%v", err)
	}

	out, err := export.ToExcel(records, *output)
	if err != nil {
		fatal("export: %v", err)
	}
	logger.Info("export written", "path", out, "rows", len(records))

	if auditOpts := cfg.AuditOptions(); auditOpts != nil {
		auditOpts.Component = "examguardctl"
		audit, err := logging.NewAuditLogger(auditOpts)
		if err != nil {
			logger.Warn("audit log unavailable", "error", err)
		} else {
			audit.LogExport(ctx, *assessment, out, len(records))
			audit.Close()
		}
	}

	fmt.Printf("Exported %d violations to %s\n", len(records), out)
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path (default: from config)")
	assessment := fs.String("assessment", "", "limit type counts to this assessment")
	fs.Parse(args)

	cfg := loadConfig()
	setupLogging(cfg)
	if *dbPath == "" {
		*dbPath = cfg.Ingest.DatabasePath
	}
	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		fmt.Println("No database found")
		return
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Println("=== examguard Database ===")
	fmt.Printf("Path:        %s\n", *dbPath)
	fmt.Printf("Violations:  %d\n", stats.Violations)
	fmt.Printf("Assessments: %d\n", stats.Assessments)
	fmt.Printf("Scans:       %d\n", stats.Scans)
	if stats.Violations > 0 {
		fmt.Printf("Oldest:      %s\n", stats.Oldest.UTC().Format(time.RFC3339))
		fmt.Printf("Newest:      %s\n", stats.Newest.UTC().Format(time.RFC3339))
	}

	counts, err := st.CountByType(ctx, *assessment)
	if err != nil {
		fatal("%v", err)
	}
	if len(counts) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSEVERITY\tCOUNT")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.Type, c.Severity, c.Count)
	}
	w.Flush()
}

func cmdDB(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: examguardctl db status|validate|migrate|rollback [-db path]")
		os.Exit(1)
	}
	action := args[0]
	fs := flag.NewFlagSet("db "+action, flag.ExitOnError)
	dbPath := fs.String("db", "", "database path (default: from config)")
	fs.Parse(args[1:])

	cfg := loadConfig()
	logger := setupLogging(cfg)
	if *dbPath == "" {
		*dbPath = cfg.Ingest.DatabasePath
	}

	st, err := store.OpenExisting(*dbPath)
	if err != nil {
		fatal("%v", err)
	}
	defer st.Close()
	db := st.DB()

	switch action {
	case "status":
		status, err := store.GetMigrationStatus(db)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Path:    %s\n", *dbPath)
		fmt.Printf("Version: %d of %d\n", status.CurrentVersion, status.LatestVersion)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED\tDESCRIPTION")
		for _, m := range status.Applied {
			fmt.Fprintf(w, "%d\tapplied\t%s\t%s\n", m.Version, m.AppliedAt.UTC().Format(time.RFC3339), m.Description)
		}
		for _, m := range status.Pending {
			fmt.Fprintf(w, "%d\tpending\t-\t%s\n", m.Version, m.Description)
		}
		w.Flush()
	case "validate":
		if err := store.ValidateSchema(db); err != nil {
			fatal("%s: %v", *dbPath, err)
		}
		fmt.Printf("%s: schema OK\n", *dbPath)
	case "migrate":
		if err := store.MigrateDB(db); err != nil {
			fatal("migrate: %v", err)
		}
		fmt.Printf("%s: migrated\n", *dbPath)
	case "rollback":
		if err := store.RollbackMigration(db); err != nil {
			fatal("rollback: %v", err)
		}
		logger.Warn("schema rolled back", "path", *dbPath)
		fmt.Printf("%s: rolled back one migration\n", *dbPath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown db action: %s\n", action)
		os.Exit(1)
	}
}

// cmdSign prints the signature header the monitor would attach to a report
// body, for exercising a signing ingest service by hand.
func cmdSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	assessment := fs.String("assessment", "", "assessment id (required)")
	fs.Parse(args)
	if *assessment == "" {
		fmt.Fprintln(os.Stderr, "Usage: examguardctl sign -assessment <id> [file]")
		os.Exit(1)
	}

	cfg := loadConfig()
	setupLogging(cfg)
	signer := cfg.ReportSigner()
	if signer == nil {
		fatal("reporter.signing_secret is not set")
	}

	var body []byte
	var err error
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		body, err = os.ReadFile(fs.Arg(0))
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fatal("read body: %v", err)
	}

	sig, err := signer.Sign(*assessment, body)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s: %s\n", evidence.SignatureHeader, sig)
}

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: examguardctl config check|init [path]")
		os.Exit(1)
	}
	path := *configPath
	if len(args) >= 2 {
		path = args[1]
	}
	if path == "" {
		path = config.ConfigPath()
	}

	switch args[0] {
	case "check":
		configCheck(path)
	case "init":
		configInit(path)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		os.Exit(1)
	}
}

func configCheck(path string) {
	if _, err := os.Stat(path); err != nil {
		fatal("%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal("%v", err)
	}

	findings := config.Check(cfg)
	for _, w := range findings.Warnings() {
		fmt.Printf("warning: %s: %s\n", w.Field, w.Message)
	}
	errs := findings.Errors()
	for _, e := range errs {
		fmt.Printf("error:   %s: %s\n", e.Field, e.Message)
	}
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "%s: %d error(s)\n", path, len(errs))
		os.Exit(1)
	}
	fmt.Printf("%s: OK\n", path)
}

func configInit(path string) {
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fatal("%s exists but is invalid: %s", path, strings.TrimSpace(verrs.Error()))
		}
		fatal("%v", err)
	}
	if !created {
		fmt.Printf("%s already exists\n", path)
		return
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
}

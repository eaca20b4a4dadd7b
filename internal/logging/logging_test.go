package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("level %v does not round trip: %v %v", level, parsed, err)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected info level, got %v", cfg.Level)
	}
	if cfg.Component != "examguard" {
		t.Errorf("expected component examguard, got %s", cfg.Component)
	}
	if !strings.Contains(cfg.FilePath, "examguard") {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func newCapture(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: format, Component: "test", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONFormatAndComponent(t *testing.T) {
	l, buf := newCapture(t, FormatJSON)
	l.Info("started", "addr", "127.0.0.1:8087")
	l.WithComponent("ingest").Warn("slow")

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["component"] != "test" || lines[0]["addr"] != "127.0.0.1:8087" {
		t.Errorf("unexpected record %v", lines[0])
	}
	if lines[1]["level"] != "WARN" {
		t.Errorf("expected WARN, got %v", lines[1]["level"])
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newCapture(t, FormatJSON)
	l.Info("auth",
		"token", "abc",
		"signing_secret", "s3cr3t",
		"sentry_dsn", "https://k@host/1",
		"assessment_id", "asmt-1",
	)

	rec := decodeLines(t, buf)[0]
	for _, k := range []string{"token", "signing_secret", "sentry_dsn"} {
		if rec[k] != "[REDACTED]" {
			t.Errorf("%s not redacted: %v", k, rec[k])
		}
	}
	if rec["assessment_id"] != "asmt-1" {
		t.Errorf("assessment_id should not be redacted")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := map[string]bool{
		"password":      true,
		"Authorization": true,
		"X-Signature":   true,
		"key":           false,
		"candidate_id":  false,
		"snapshot":      false,
	}
	for key, want := range tests {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestSnapshotTruncation(t *testing.T) {
	l, buf := newCapture(t, FormatJSON)
	snapshot := "data:image/jpeg;base64," + strings.Repeat("A", 4096)
	l.Info("violation", "snapshot", snapshot)

	got, _ := decodeLines(t, buf)[0]["snapshot"].(string)
	if len(got) > 64 {
		t.Errorf("snapshot not truncated: %d chars", len(got))
	}
	if !strings.HasPrefix(got, "data:image/jpeg;base64,") || !strings.Contains(got, "4119 bytes") {
		t.Errorf("unexpected truncation %q", got)
	}
	if TruncateSnapshot("data:x") != "data:x" {
		t.Error("short values are kept")
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	l, buf := newCapture(t, FormatText)
	child := l.WithComponent("child")

	child.Debug("visible")
	l.SetLevel(LevelWarn)
	child.Info("hidden")
	child.Warn("shown")

	out := buf.String()
	if !strings.Contains(out, "visible") || !strings.Contains(out, "shown") {
		t.Errorf("missing records: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged after SetLevel(warn): %s", out)
	}
	if child.Level() != LevelWarn {
		t.Errorf("child level %v", child.Level())
	}
}

func TestRequestIDs(t *testing.T) {
	l, buf := newCapture(t, FormatJSON)

	a, b := l.NewRequestID(), l.NewRequestID()
	if a == b || !strings.HasPrefix(a, "test-") {
		t.Errorf("unexpected request ids %q %q", a, b)
	}

	ctx := ContextWithRequestID(context.Background(), "req-7")
	if RequestIDFromContext(ctx) != "req-7" {
		t.Error("request id lost")
	}
	if RequestIDFromContext(nil) != "" || RequestIDFromContext(context.Background()) != "" {
		t.Error("expected empty request id")
	}

	l.WithContext(ctx).Info("handled")
	if decodeLines(t, buf)[0]["request_id"] != "req-7" {
		t.Error("request_id attribute missing")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "examguardd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path
	cfg.Format = FormatJSON

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("to file")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestFileRotatorSizeRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "test.log"),
		MaxSize:    1, // 1 MB
		MaxBackups: 2,
	}
	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 512*1024)
	for i := 0; i < 5; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files := r.GetLogFiles()
	if files[0] != cfg.FilePath {
		t.Errorf("current file should be first: %v", files)
	}
	if rotated := len(files) - 1; rotated != 2 {
		t.Errorf("expected 2 retained backups, got %d (%v)", rotated, files)
	}
}

func TestFileRotatorDailyAndCompress(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	now := day
	cfg := &Config{
		FilePath: filepath.Join(dir, "daily.log"),
		MaxSize:  100,
		Compress: true,
	}
	r, err := newFileRotator(cfg, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newFileRotator failed: %v", err)
	}

	r.Write([]byte("monday\n"))
	now = day.Add(2 * time.Minute)
	r.Write([]byte("tuesday\n"))
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	gz, _ := filepath.Glob(filepath.Join(dir, "daily-*.log.gz"))
	if len(gz) != 1 {
		t.Fatalf("expected one compressed backup, got %v", gz)
	}
	data, _ := os.ReadFile(cfg.FilePath)
	if string(data) != "tuesday\n" {
		t.Errorf("current file holds %q", data)
	}
}

func TestForcedRotate(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRotator(&Config{FilePath: filepath.Join(dir, "hup.log"), MaxSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	r.Write([]byte("before\n"))
	if err := r.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if err := r.Rotate(); err != nil {
		t.Fatalf("second Rotate failed: %v", err)
	}
	r.Close()

	if n := len(r.GetLogFiles()); n != 3 {
		t.Errorf("expected current plus two rotated files, got %d", n)
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewAuditLogger(&AuditLoggerConfig{Component: "examguardd", Writer: &buf})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	a.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if err := a.LogStartup(ctx, "v1.0.0", nil); err != nil {
		t.Fatal(err)
	}
	if err := a.LogAuthFailure(ctx, AuditEventSignatureRejected, "10.0.0.1", "/api/proctoring/event", "bad signature"); err != nil {
		t.Fatal(err)
	}
	if err := a.LogExport(ctx, "asmt-1", "/tmp/out.xlsx", 12); err != nil {
		t.Fatal(err)
	}

	var events []AuditEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid audit line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Component != "examguardd" || events[0].RequestID != "req-1" || events[0].Result != AuditSuccess {
		t.Errorf("defaults not applied: %+v", events[0])
	}
	if events[1].Result != AuditDenied || events[1].SourceIP != "10.0.0.1" {
		t.Errorf("unexpected auth event %+v", events[1])
	}
	if events[2].AssessmentID != "asmt-1" {
		t.Errorf("unexpected export event %+v", events[2])
	}

	var nilAudit *AuditLogger
	if err := nilAudit.Log(ctx, AuditEvent{}); err != nil {
		t.Error("nil audit logger should discard")
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path, MaxSize: 10})
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	if err := a.LogShutdown(context.Background(), "signal"); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), `"event_type":"shutdown"`) {
		t.Errorf("audit file content %q (%v)", data, err)
	}
}

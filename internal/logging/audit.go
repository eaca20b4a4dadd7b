package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup           AuditEventType = "startup"
	AuditEventShutdown          AuditEventType = "shutdown"
	AuditEventConfigChange      AuditEventType = "config_change"
	AuditEventAuthentication    AuditEventType = "authentication"
	AuditEventSignatureRejected AuditEventType = "signature_rejected"
	AuditEventRateLimited       AuditEventType = "rate_limited"
	AuditEventViolation         AuditEventType = "violation"
	AuditEventEnvironmentScan   AuditEventType = "environment_scan"
	AuditEventExport            AuditEventType = "export"
)

// Audit results.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditDenied  = "denied"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    AuditEventType `json:"event_type"`
	Component    string         `json:"component"`
	AssessmentID string         `json:"assessment_id,omitempty"`
	CandidateID  string         `json:"candidate_id,omitempty"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource,omitempty"`
	Result       string         `json:"result"`
	Details      map[string]any `json:"details,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	Error        string         `json:"error,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// Writer replaces the rotating file when set.
	Writer io.Writer
}

// AuditLogger writes the reviewer-facing audit trail as JSON lines. A nil
// *AuditLogger discards every event.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	w       io.Writer
	now     func() time.Time
	mu      sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("audit logger config is nil")
	}

	a := &AuditLogger{config: cfg, w: cfg.Writer, now: time.Now}
	if a.w == nil {
		rotator, err := NewFileRotator(&Config{
			FilePath:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("create audit rotator: %w", err)
		}
		a.rotator = rotator
		a.w = rotator
	}
	return a, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = AuditSuccess
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogStartup logs a service start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "start",
		Details:   details,
	})
}

// LogShutdown logs a service stop.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "stop",
		Details:   map[string]any{"reason": reason},
	})
}

// LogConfigChange logs a hot-reloaded setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "reload",
		Resource:  setting,
		Details: map[string]any{
			"old": oldValue,
			"new": newValue,
		},
	})
}

// LogAuthFailure logs a rejected bearer token or signature.
func (a *AuditLogger) LogAuthFailure(ctx context.Context, eventType AuditEventType, sourceIP, resource, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: eventType,
		Action:    "authenticate",
		Resource:  resource,
		Result:    AuditDenied,
		SourceIP:  sourceIP,
		Error:     reason,
	})
}

// LogExport logs an evidence export.
func (a *AuditLogger) LogExport(ctx context.Context, assessmentID, outputPath string, rows int) error {
	return a.Log(ctx, AuditEvent{
		EventType:    AuditEventExport,
		AssessmentID: assessmentID,
		Action:       "export",
		Resource:     outputPath,
		Details:      map[string]any{"rows": rows},
	})
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

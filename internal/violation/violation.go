// Package violation defines the integrity violation event shared by every
// detector, the reporter and the ingest service.
//
// A violation is created once, inside a detector callback, and never
// mutated afterwards. Severity is not chosen by the detector; it is derived
// from the violation type through a fixed classification table.
package violation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of integrity anomaly.
type Type string

const (
	NoFace           Type = "no_face"
	MultiFace        Type = "multi_face"
	OffScreen        Type = "off_screen"
	Movement         Type = "movement"
	AudioNoise       Type = "audio_noise"
	TabSwitch        Type = "tab_switch"
	WindowBlur       Type = "window_blur"
	DevToolsOpen     Type = "dev_tools_open"
	DevToolsAttempt  Type = "dev_tools_attempt"
	RightClick       Type = "right_click"
	CopyPasteAttempt Type = "copy_paste_attempt"
	KeyboardShortcut Type = "keyboard_shortcut"
	KeystrokeAnomaly Type = "keystroke_anomaly"
	ScreenCapture    Type = "screen_capture"
	VirtualMachine   Type = "virtual_machine"
	BlockedDomain    Type = "blocked_domain"
	WebSocket        Type = "websocket"
	ConsoleUsage     Type = "console_usage"
	EnvironmentScan  Type = "environment_scan"

	// ScreenShare is only produced by external screen-sharing detectors that
	// report through the security endpoint. The monitor never emits it.
	ScreenShare Type = "screen_share"
)

// AllTypes lists every type the monitor can emit, in declaration order.
var AllTypes = []Type{
	NoFace, MultiFace, OffScreen, Movement, AudioNoise,
	TabSwitch, WindowBlur, DevToolsOpen, DevToolsAttempt, RightClick,
	CopyPasteAttempt, KeyboardShortcut, KeystrokeAnomaly, ScreenCapture,
	VirtualMachine, BlockedDomain, WebSocket, ConsoleUsage, EnvironmentScan,
}

// Valid reports whether t is a known type. ScreenShare is accepted.
func (t Type) Valid() bool {
	if t == ScreenShare {
		return true
	}
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Informational reports whether t is a notice rather than a violation.
// Informational events are reported but never count toward a pause.
func (t Type) Informational() bool {
	return t == EnvironmentScan
}

func (t Type) String() string { return string(t) }

// Severity is the reviewer-facing weight of a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity parses a severity name. Unknown names yield an error.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	default:
		return "", fmt.Errorf("unknown severity: %q", s)
	}
}

// Rank orders severities: low < medium < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

var severityTable = map[Type]Severity{
	DevToolsOpen:     SeverityHigh,
	VirtualMachine:   SeverityHigh,
	WebSocket:        SeverityHigh,
	ScreenShare:      SeverityHigh,
	CopyPasteAttempt: SeverityMedium,
	BlockedDomain:    SeverityMedium,
	KeystrokeAnomaly: SeverityMedium,
	ConsoleUsage:     SeverityMedium,
}

// Classify returns the fixed severity for a violation type.
func Classify(t Type) Severity {
	if s, ok := severityTable[t]; ok {
		return s
	}
	return SeverityLow
}

// Event is a single detected integrity anomaly.
type Event struct {
	ID           string         `json:"id"`
	AssessmentID string         `json:"assessmentId"`
	CandidateID  string         `json:"candidateId"`
	Type         Type           `json:"type"`
	Message      string         `json:"message"`
	Severity     Severity       `json:"severity"`
	Timestamp    time.Time      `json:"timestamp"`
	Snapshot     string         `json:"snapshot,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// New creates an event with a fresh id and the classified severity.
func New(assessmentID, candidateID string, t Type, message string, at time.Time) Event {
	return Event{
		ID:           uuid.NewString(),
		AssessmentID: assessmentID,
		CandidateID:  candidateID,
		Type:         t,
		Message:      message,
		Severity:     Classify(t),
		Timestamp:    at,
	}
}

// WithSnapshot returns a copy of e carrying the given evidence image.
func (e Event) WithSnapshot(dataURL string) Event {
	e.Snapshot = dataURL
	return e
}

// WithData returns a copy of e carrying structured detail.
func (e Event) WithData(data map[string]any) Event {
	e.Data = data
	return e
}

// TimestampLayout is the wire layout for event times (ISO 8601, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// EventPayload is the body accepted by the per-event ingestion endpoint.
type EventPayload struct {
	AssessmentID string `json:"assessmentId"`
	CandidateID  string `json:"candidateId"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	At           string `json:"at"`
	Snapshot     string `json:"snapshot,omitempty"`
}

// SecurityPayload is the body accepted by the secondary (security) endpoint.
type SecurityPayload struct {
	AssessmentID  string         `json:"assessmentId"`
	ViolationType string         `json:"violationType"`
	Severity      string         `json:"severity"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data"`
}

// EventPayload converts e to the per-event wire shape.
func (e Event) EventPayload() EventPayload {
	return EventPayload{
		AssessmentID: e.AssessmentID,
		CandidateID:  e.CandidateID,
		Type:         string(e.Type),
		Message:      e.Message,
		At:           e.Timestamp.UTC().Format(TimestampLayout),
		Snapshot:     e.Snapshot,
	}
}

// SecurityPayload converts e to the secondary wire shape. When the event has
// no structured detail the id/timestamp pair is sent instead.
func (e Event) SecurityPayload() SecurityPayload {
	data := e.Data
	if data == nil {
		data = map[string]any{
			"id":        e.ID,
			"timestamp": e.Timestamp.UTC().Format(TimestampLayout),
		}
	}
	return SecurityPayload{
		AssessmentID:  e.AssessmentID,
		ViolationType: string(e.Type),
		Severity:      string(e.Severity),
		Message:       e.Message,
		Data:          data,
	}
}

// ParseTimestamp parses a wire timestamp. RFC 3339 with or without
// fractional seconds is accepted.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// MarshalIndent is a convenience for CLI output.
func MarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

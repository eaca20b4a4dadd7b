// Package store provides SQLite-based storage for ingested proctoring
// violations and environment scans.
package store

import (
	"time"

	"examguard/internal/violation"
)

// Source records which endpoint a violation arrived on.
type Source string

const (
	// SourceEvent is the per-event endpoint.
	SourceEvent Source = "event"
	// SourceSecurity is the secondary (security) endpoint.
	SourceSecurity Source = "security"
)

// Violation is one stored violation report.
type Violation struct {
	ID           int64
	EventID      string
	AssessmentID string
	CandidateID  string
	Type         violation.Type
	Severity     violation.Severity
	Message      string
	At           time.Time
	// Snapshot is the evidence data URL. It is only populated by ListViolations
	// when Filter.IncludeSnapshots is set.
	Snapshot       string
	SnapshotDigest string
	SnapshotBytes  int
	Action         string
	RiskScore      float64
	Data           map[string]any
	Source         Source
	ReceivedAt     time.Time
}

// Scan is one stored environment scan.
type Scan struct {
	ID              int64
	AssessmentID    string
	RiskScore       float64
	Recommendation  string
	AllowAssessment bool
	Data            map[string]any
	ReceivedAt      time.Time
}

// Filter selects violations. Zero fields do not constrain.
type Filter struct {
	AssessmentID     string
	CandidateID      string
	Type             violation.Type
	Since            time.Time
	Until            time.Time
	Limit            int
	IncludeSnapshots bool
}

// TypeCount is one row of CountByType.
type TypeCount struct {
	Type     violation.Type
	Severity violation.Severity
	Count    int64
}

// Stats summarizes the store contents.
type Stats struct {
	Violations  int64
	Scans       int64
	Assessments int64
	Oldest      time.Time
	Newest      time.Time
}

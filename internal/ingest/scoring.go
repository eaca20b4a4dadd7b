package ingest

import (
	"math"

	"examguard/internal/violation"
)

// Actions taken by the backend for a secondary-endpoint violation.
const (
	ActionLogged               = "logged"
	ActionWarningIssued        = "warning_issued"
	ActionAssessmentPaused     = "assessment_paused"
	ActionFlaggedForReview     = "flagged_for_review"
	ActionAssessmentTerminated = "assessment_terminated"
)

var baseScores = map[violation.Severity]float64{
	violation.SeverityHigh:   25,
	violation.SeverityMedium: 15,
	violation.SeverityLow:    5,
}

var typeMultipliers = map[violation.Type]float64{
	violation.DevToolsOpen:     2.0,
	violation.VirtualMachine:   2.5,
	violation.ScreenShare:      3.0,
	violation.CopyPasteAttempt: 1.5,
	violation.BlockedDomain:    1.8,
	violation.WebSocket:        1.3,
}

// ActionFor returns the action recorded for a violation.
func ActionFor(t violation.Type, sev violation.Severity) string {
	switch sev {
	case violation.SeverityHigh:
		switch t {
		case violation.DevToolsOpen:
			return ActionAssessmentPaused
		case violation.VirtualMachine:
			return ActionFlaggedForReview
		case violation.ScreenShare:
			return ActionAssessmentTerminated
		}
		return ActionLogged
	case violation.SeverityMedium:
		return ActionWarningIssued
	}
	return ActionLogged
}

// RiskScore returns base(severity) × multiplier(type), rounded.
func RiskScore(t violation.Type, sev violation.Severity) float64 {
	base, ok := baseScores[sev]
	if !ok {
		base = baseScores[violation.SeverityLow]
	}
	mult, ok := typeMultipliers[t]
	if !ok {
		mult = 1.0
	}
	return math.Round(base * mult)
}

// Recommendation is the verdict on an environment scan.
type Recommendation struct {
	Level           string `json:"level"`
	Text            string `json:"recommendation"`
	AllowAssessment bool   `json:"allowAssessment"`
}

// Recommend maps an environment risk score to a recommendation. Scores of
// 50 and above block the assessment.
func Recommend(riskScore float64) Recommendation {
	r := Recommendation{AllowAssessment: riskScore < 50}
	switch {
	case riskScore >= 75:
		r.Level = "high"
		r.Text = "High risk - Assessment should be blocked or conducted under strict supervision"
	case riskScore >= 50:
		r.Level = "medium"
		r.Text = "Medium risk - Enhanced monitoring recommended"
	case riskScore >= 25:
		r.Level = "low"
		r.Text = "Low risk - Standard monitoring sufficient"
	default:
		r.Level = "minimal"
		r.Text = "Minimal risk - Proceed with normal assessment"
	}
	return r
}

package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examguard/internal/evidence"
	"examguard/internal/logging"
	"examguard/internal/security"
	"examguard/internal/store"
	"examguard/internal/violation"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// httpError is a handler failure with the status it maps to.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(format string, args ...any) *httpError {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// fail writes err and counts the rejection.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.deps.Metrics.IngestRejected.Inc()
	var he *httpError
	if errors.As(err, &he) {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", he.status, "error", he.msg)
		writeError(w, he.status, he.msg)
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// readBody reads the capped request body and validates it against the
// named schema.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &httpError{status: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		}
		return nil, badRequest("read body: %v", err)
	}
	if _, err := s.deps.Validator.Validate(schema, bytes.NewReader(body)); err != nil {
		return nil, badRequest("invalid payload: %v", err)
	}
	return body, nil
}

// verify checks the identifiers and the report signature.
func (s *Server) verify(r *http.Request, body []byte, assessmentID, candidateID string) error {
	if err := s.ids.Validate(assessmentID); err != nil {
		return badRequest("assessmentId: %v", err)
	}
	if candidateID != "" {
		if err := s.ids.Validate(candidateID); err != nil {
			return badRequest("candidateId: %v", err)
		}
	}
	if s.signer == nil {
		return nil
	}
	sig := r.Header.Get(evidence.SignatureHeader)
	if sig != "" && s.signer.Verify(assessmentID, body, sig) {
		return nil
	}
	reason := "invalid signature"
	if sig == "" {
		reason = "missing signature"
	}
	s.deps.Audit.LogAuthFailure(r.Context(), logging.AuditEventSignatureRejected, clientIP(r), r.URL.Path, reason)
	return &httpError{status: http.StatusUnauthorized, msg: reason}
}

// authorize enforces the bearer token on reviewer routes.
func (s *Server) authorize(r *http.Request) error {
	if s.cfg.Token == "" {
		return nil
	}
	ip := clientIP(r)
	if s.failures.IsLocked(ip) {
		return &httpError{status: http.StatusTooManyRequests, msg: "too many failed attempts"}
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if ok && security.SecureCompare(token, s.cfg.Token) {
		s.failures.RecordSuccess(ip)
		return nil
	}
	s.failures.RecordFailure(ip)
	s.deps.Audit.LogAuthFailure(r.Context(), logging.AuditEventAuthentication, ip, r.URL.Path, "invalid bearer token")
	return &httpError{status: http.StatusUnauthorized, msg: "unauthorized"}
}

// snapshot decodes and digests an evidence data URL.
func (s *Server) snapshot(dataURL string) (digest string, size int, err error) {
	if dataURL == "" {
		return "", 0, nil
	}
	img, err := security.ParseImageDataURL(dataURL, s.cfg.MaxSnapshotBytes)
	if err != nil {
		if errors.Is(err, security.ErrDataURLTooLarge) {
			return "", 0, &httpError{status: http.StatusRequestEntityTooLarge, msg: "snapshot too large"}
		}
		return "", 0, badRequest("snapshot: %v", err)
	}
	s.deps.Metrics.RecordSnapshot(len(img.Data))
	return evidence.Digest(dataURL), len(img.Data), nil
}

func parseType(s string) (violation.Type, error) {
	t := violation.Type(s)
	if !t.Valid() {
		return "", badRequest("unknown violation type %q", s)
	}
	return t, nil
}

func (s *Server) accept(r *http.Request, v *store.Violation) error {
	if _, err := s.deps.Store.InsertViolation(r.Context(), v); err != nil {
		return err
	}
	s.deps.Metrics.IngestAccepted.Inc()
	s.deps.Metrics.RecordViolation(v.Type)
	s.deps.Audit.Log(r.Context(), logging.AuditEvent{
		EventType:    logging.AuditEventViolation,
		AssessmentID: v.AssessmentID,
		CandidateID:  v.CandidateID,
		Action:       "ingest",
		Resource:     string(v.Type),
		SourceIP:     clientIP(r),
		Details: map[string]any{
			"severity": string(v.Severity),
			"action":   v.Action,
			"source":   string(v.Source),
		},
	})
	s.logger.Info("violation received",
		"request_id", logging.RequestIDFromContext(r.Context()),
		"assessment_id", v.AssessmentID,
		"candidate_id", v.CandidateID,
		"type", string(v.Type),
		"severity", string(v.Severity),
		"action", v.Action,
	)
	return nil
}

// handleEvent accepts the per-event shape.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r, violation.SchemaEvent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var p violation.EventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		s.fail(w, r, badRequest("decode: %v", err))
		return
	}
	if err := s.verify(r, body, p.AssessmentID, p.CandidateID); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := parseType(p.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	at := time.Now()
	if p.At != "" {
		if at, err = violation.ParseTimestamp(p.At); err != nil {
			s.fail(w, r, badRequest("at: %v", err))
			return
		}
	}
	digest, size, err := s.snapshot(p.Snapshot)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ev := violation.New(p.AssessmentID, p.CandidateID, t, p.Message, at)
	v := &store.Violation{
		EventID:        ev.ID,
		AssessmentID:   ev.AssessmentID,
		CandidateID:    ev.CandidateID,
		Type:           ev.Type,
		Severity:       ev.Severity,
		Message:        ev.Message,
		At:             ev.Timestamp,
		Snapshot:       p.Snapshot,
		SnapshotDigest: digest,
		SnapshotBytes:  size,
		Action:         ActionFor(ev.Type, ev.Severity),
		RiskScore:      RiskScore(ev.Type, ev.Severity),
		Source:         store.SourceEvent,
	}
	if err := s.accept(r, v); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":      true,
		"id":      v.ID,
		"eventId": v.EventID,
	})
}

// handleSecurity accepts the secondary shape and scores it.
func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r, violation.SchemaSecurity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var p violation.SecurityPayload
	if err := json.Unmarshal(body, &p); err != nil {
		s.fail(w, r, badRequest("decode: %v", err))
		return
	}
	if err := s.verify(r, body, p.AssessmentID, ""); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := parseType(p.ViolationType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sev := violation.Classify(t)
	if p.Severity != "" {
		if sev, err = violation.ParseSeverity(p.Severity); err != nil {
			s.fail(w, r, badRequest("severity: %v", err))
			return
		}
	}

	at := time.Now()
	eventID := ""
	if ts, ok := p.Data["timestamp"].(string); ok {
		if parsed, err := violation.ParseTimestamp(ts); err == nil {
			at = parsed
		}
	}
	if id, ok := p.Data["id"].(string); ok && s.ids.Validate(id) == nil {
		eventID = id
	}
	candidateID, _ := p.Data["candidateId"].(string)
	if candidateID != "" && s.ids.Validate(candidateID) != nil {
		candidateID = ""
	}
	if eventID == "" {
		eventID = violation.New(p.AssessmentID, candidateID, t, p.Message, at).ID
	}

	action := ActionFor(t, sev)
	risk := RiskScore(t, sev)
	v := &store.Violation{
		EventID:      eventID,
		AssessmentID: p.AssessmentID,
		CandidateID:  candidateID,
		Type:         t,
		Severity:     sev,
		Message:      p.Message,
		At:           at,
		Action:       action,
		RiskScore:    risk,
		Data:         p.Data,
		Source:       store.SourceSecurity,
	}
	if err := s.accept(r, v); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":          true,
		"id":          v.ID,
		"actionTaken": action,
		"riskScore":   risk,
	})
}

type scanRequest struct {
	AssessmentID string         `json:"assessmentId"`
	ScanData     map[string]any `json:"scanData"`
}

// handleEnvironmentScan stores a pre-assessment scan and returns the
// recommendation for its risk score.
func (s *Server) handleEnvironmentScan(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r, violation.SchemaEnvironmentScan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var p scanRequest
	if err := json.Unmarshal(body, &p); err != nil {
		s.fail(w, r, badRequest("decode: %v", err))
		return
	}
	if err := s.verify(r, body, p.AssessmentID, ""); err != nil {
		s.fail(w, r, err)
		return
	}
	risk, _ := p.ScanData["riskScore"].(float64)
	rec := Recommend(risk)

	sc := &store.Scan{
		AssessmentID:    p.AssessmentID,
		RiskScore:       risk,
		Recommendation:  rec.Level,
		AllowAssessment: rec.AllowAssessment,
		Data:            p.ScanData,
	}
	if _, err := s.deps.Store.InsertScan(r.Context(), sc); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Metrics.IngestAccepted.Inc()
	s.deps.Audit.Log(r.Context(), logging.AuditEvent{
		EventType:    logging.AuditEventEnvironmentScan,
		AssessmentID: p.AssessmentID,
		Action:       "scan",
		SourceIP:     clientIP(r),
		Details: map[string]any{
			"risk_score":       risk,
			"recommendation":   rec.Level,
			"allow_assessment": rec.AllowAssessment,
		},
	})
	s.logger.Info("environment scan received",
		"assessment_id", p.AssessmentID,
		"risk_score", risk,
		"recommendation", rec.Level,
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":              true,
		"id":              sc.ID,
		"riskScore":       risk,
		"level":           rec.Level,
		"recommendation":  rec.Text,
		"allowAssessment": rec.AllowAssessment,
	})
}

// violationView is the reviewer-facing JSON form of a stored violation.
type violationView struct {
	ID             int64          `json:"id"`
	EventID        string         `json:"eventId"`
	AssessmentID   string         `json:"assessmentId"`
	CandidateID    string         `json:"candidateId,omitempty"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	At             string         `json:"at"`
	Snapshot       string         `json:"snapshot,omitempty"`
	SnapshotDigest string         `json:"snapshotDigest,omitempty"`
	SnapshotBytes  int            `json:"snapshotBytes,omitempty"`
	Action         string         `json:"actionTaken"`
	RiskScore      float64        `json:"riskScore"`
	Data           map[string]any `json:"data,omitempty"`
	Source         string         `json:"source"`
}

// handleListEvents lists stored violations for a reviewer.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		AssessmentID:     q.Get("assessmentId"),
		CandidateID:      q.Get("candidateId"),
		Limit:            defaultListLimit,
		IncludeSnapshots: q.Get("includeSnapshots") == "true",
	}
	if f.AssessmentID == "" {
		s.fail(w, r, badRequest("assessmentId is required"))
		return
	}
	if t := q.Get("type"); t != "" {
		typ, err := parseType(t)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.Type = typ
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.fail(w, r, badRequest("limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	rows, err := s.deps.Store.ListViolations(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]violationView, 0, len(rows))
	for _, v := range rows {
		out = append(out, violationView{
			ID:             v.ID,
			EventID:        v.EventID,
			AssessmentID:   v.AssessmentID,
			CandidateID:    v.CandidateID,
			Type:           string(v.Type),
			Severity:       string(v.Severity),
			Message:        v.Message,
			At:             v.At.UTC().Format(violation.TimestampLayout),
			Snapshot:       v.Snapshot,
			SnapshotDigest: v.SnapshotDigest,
			SnapshotBytes:  v.SnapshotBytes,
			Action:         v.Action,
			RiskScore:      v.RiskScore,
			Data:           v.Data,
			Source:         string(v.Source),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"count":  len(out),
		"events": out,
	})
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"examguard/internal/violation"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store represents the SQLite violation store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if path != MemoryPath {
		// Evidence snapshots are personal data.
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("set database permissions: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// OpenExisting opens a database without applying migrations, for the
// maintenance commands that inspect or change the schema version.
func OpenExisting(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := "file::memory:?_foreign_keys=on"
	if path != MemoryPath {
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.PingContext(ctx)
}

// InsertViolation stores v and returns its row ID. A zero ReceivedAt is
// set to the current time.
func (s *Store) InsertViolation(ctx context.Context, v *Violation) (int64, error) {
	if v.ReceivedAt.IsZero() {
		v.ReceivedAt = time.Now()
	}
	data, err := encodeData(v.Data)
	if err != nil {
		return 0, err
	}

	var snapshot any
	if v.Snapshot != "" {
		snapshot = v.Snapshot
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (event_id, assessment_id, candidate_id, type, severity, message, at_ms,
			snapshot, snapshot_digest, snapshot_bytes, action, risk_score, data, source, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.EventID, v.AssessmentID, v.CandidateID, string(v.Type), string(v.Severity), v.Message, v.At.UnixMilli(),
		snapshot, v.SnapshotDigest, v.SnapshotBytes, v.Action, v.RiskScore, data, string(v.Source), v.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert violation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	v.ID = id
	return id, nil
}

const violationColumns = `id, event_id, assessment_id, candidate_id, type, severity, message, at_ms,
	snapshot_digest, snapshot_bytes, action, risk_score, data, source, received_at_ms`

// GetViolation retrieves a violation by row ID, snapshot included.
func (s *Store) GetViolation(ctx context.Context, id int64) (*Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+`, snapshot
		FROM violations WHERE id = ?`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get violation: %w", err)
	}
	defer rows.Close()

	out, err := scanViolations(rows, true)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("violation %d: %w", id, ErrNotFound)
	}
	return &out[0], nil
}

// ListViolations returns the violations matching f, oldest first.
func (s *Store) ListViolations(ctx context.Context, f Filter) ([]Violation, error) {
	var (
		where []string
		args  []any
	)
	if f.AssessmentID != "" {
		where = append(where, "assessment_id = ?")
		args = append(args, f.AssessmentID)
	}
	if f.CandidateID != "" {
		where = append(where, "candidate_id = ?")
		args = append(args, f.CandidateID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "at_ms <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	q := "SELECT " + violationColumns
	if f.IncludeSnapshots {
		q += ", snapshot"
	}
	q += " FROM violations"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY at_ms ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	return scanViolations(rows, f.IncludeSnapshots)
}

// CountByType returns per-type counts for an assessment, most frequent
// first. An empty assessmentID counts across all assessments.
func (s *Store) CountByType(ctx context.Context, assessmentID string) ([]TypeCount, error) {
	q := `SELECT type, severity, COUNT(*) FROM violations`
	var args []any
	if assessmentID != "" {
		q += ` WHERE assessment_id = ?`
		args = append(args, assessmentID)
	}
	q += ` GROUP BY type, severity ORDER BY COUNT(*) DESC, type ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}
	defer rows.Close()

	var counts []TypeCount
	for rows.Next() {
		var c TypeCount
		var t, sev string
		if err := rows.Scan(&t, &sev, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		c.Type = violation.Type(t)
		c.Severity = violation.Severity(sev)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// InsertScan stores an environment scan and returns its row ID.
func (s *Store) InsertScan(ctx context.Context, sc *Scan) (int64, error) {
	if sc.ReceivedAt.IsZero() {
		sc.ReceivedAt = time.Now()
	}
	data, err := encodeData(sc.Data)
	if err != nil {
		return 0, err
	}
	if data == nil {
		data = "{}"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO environment_scans (assessment_id, risk_score, recommendation, allow_assessment, data, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sc.AssessmentID, sc.RiskScore, sc.Recommendation, sc.AllowAssessment, data, sc.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert scan: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	sc.ID = id
	return id, nil
}

// ListScans returns the scans of an assessment, oldest first.
func (s *Store) ListScans(ctx context.Context, assessmentID string) ([]Scan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assessment_id, risk_score, recommendation, allow_assessment, data, received_at_ms
		FROM environment_scans
		WHERE assessment_id = ?
		ORDER BY received_at_ms ASC, id ASC`, assessmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		var sc Scan
		var data string
		var receivedAt int64
		if err := rows.Scan(&sc.ID, &sc.AssessmentID, &sc.RiskScore, &sc.Recommendation, &sc.AllowAssessment, &data, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan environment scan: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &sc.Data); err != nil {
			return nil, fmt.Errorf("unmarshal scan data: %w", err)
		}
		sc.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		scans = append(scans, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return scans, nil
}

// GetStats returns row counts and the violation time range.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT assessment_id), MIN(at_ms), MAX(at_ms)
		FROM violations`,
	).Scan(&st.Violations, &st.Assessments, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("violation stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM environment_scans`).Scan(&st.Scans); err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}

	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = time.UnixMilli(newest.Int64)
	}
	return &st, nil
}

func encodeData(data map[string]any) (any, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

// scanViolations is a helper to scan violation rows into a slice.
func scanViolations(rows *sql.Rows, withSnapshot bool) ([]Violation, error) {
	var out []Violation

	for rows.Next() {
		var (
			v                Violation
			typ, sev, source string
			atMs, receivedMs int64
			data, snapshot   sql.NullString
		)
		dest := []any{&v.ID, &v.EventID, &v.AssessmentID, &v.CandidateID, &typ, &sev, &v.Message, &atMs,
			&v.SnapshotDigest, &v.SnapshotBytes, &v.Action, &v.RiskScore, &data, &source, &receivedMs}
		if withSnapshot {
			dest = append(dest, &snapshot)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}

		v.Type = violation.Type(typ)
		v.Severity = violation.Severity(sev)
		v.Source = Source(source)
		v.At = time.UnixMilli(atMs).UTC()
		v.ReceivedAt = time.UnixMilli(receivedMs).UTC()
		v.Snapshot = snapshot.String
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &v.Data); err != nil {
				return nil, fmt.Errorf("unmarshal violation data: %w", err)
			}
		}

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}

	return out, nil
}

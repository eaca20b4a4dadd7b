package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with violations",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add environment_scans table",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add snapshot digest and size to violations",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS violations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT NOT NULL,
    assessment_id   TEXT NOT NULL,
    candidate_id    TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL,
    severity        TEXT NOT NULL,
    message         TEXT NOT NULL DEFAULT '',
    at_ms           INTEGER NOT NULL,
    snapshot        TEXT,
    action          TEXT NOT NULL DEFAULT '',
    risk_score      REAL NOT NULL DEFAULT 0,
    data            TEXT,
    source          TEXT NOT NULL,
    received_at_ms  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_assessment ON violations(assessment_id, at_ms);
CREATE INDEX IF NOT EXISTS idx_violations_candidate ON violations(candidate_id, at_ms);
CREATE INDEX IF NOT EXISTS idx_violations_type ON violations(type);
`

const migrationV1Down = `
DROP TABLE IF EXISTS violations;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS environment_scans (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    assessment_id     TEXT NOT NULL,
    risk_score        REAL NOT NULL,
    recommendation    TEXT NOT NULL,
    allow_assessment  INTEGER NOT NULL,
    data              TEXT NOT NULL,
    received_at_ms    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scans_assessment ON environment_scans(assessment_id, received_at_ms);
`

const migrationV2Down = `
DROP TABLE IF EXISTS environment_scans;
`

const migrationV3Up = `
ALTER TABLE violations ADD COLUMN snapshot_digest TEXT NOT NULL DEFAULT '';
ALTER TABLE violations ADD COLUMN snapshot_bytes INTEGER NOT NULL DEFAULT 0;
`

const migrationV3Down = `
ALTER TABLE violations DROP COLUMN snapshot_bytes;
ALTER TABLE violations DROP COLUMN snapshot_digest;
`

// MigrateDB applies every pending migration, each in its own transaction.
func MigrateDB(db *sql.DB) error {
	// Ensure migrations table exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: migrations[len(migrations)-1].Version,
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"violations",
		"environment_scans",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}

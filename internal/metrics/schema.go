package metrics

import (
	"database/sql"
	"fmt"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS health_snapshots (
	       id               INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp        INTEGER NOT NULL,
	       health_score     INTEGER NOT NULL CHECK (health_score BETWEEN 0 AND 100),
	       health_status    TEXT NOT NULL,
	       active_alerts    INTEGER NOT NULL,
	       temp_average     REAL NOT NULL,
	       temp_max         REAL NOT NULL,
	       fan_speed_avg    REAL NOT NULL,
	       fans_stopped     INTEGER NOT NULL,
	       auto_control     INTEGER NOT NULL CHECK (auto_control IN (0, 1)),
	       emergency        INTEGER NOT NULL CHECK (emergency IN (0, 1))
	   );
	   CREATE INDEX IF NOT EXISTS idx_health_snapshots_timestamp
	       ON health_snapshots (timestamp);`

	insertSnapshotSQL = `
    INSERT INTO health_snapshots (
        timestamp,
        health_score, health_status, active_alerts,
        temp_average, temp_max,
        fan_speed_avg, fans_stopped,
        auto_control, emergency
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSnapshotsSQL = `
    SELECT
        timestamp,
        health_score, health_status, active_alerts,
        temp_average, temp_max,
        fan_speed_avg, fans_stopped,
        auto_control, emergency
    FROM health_snapshots
    WHERE timestamp BETWEEN ? AND ?
    ORDER BY timestamp ASC, id ASC`
)

// InitSchema creates the tables and records SchemaVersion in one
// transaction.
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Msg("Failed to roll back schema creation")
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, fmt.Sprintf("create tables: %v", err))
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion,
	); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, fmt.Sprintf("record version: %v", err))
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the newest recorded schema version, or 0 for a
// database without one.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil || !exists {
		return 0, err
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, errFactory.WithData(ErrSchemaValidationFailed, fmt.Sprintf("read version: %v", err))
	}

	return version, nil
}

func TableExists(db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`,
		table,
	).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, fmt.Sprintf("lookup table %s: %v", table, err))
	}

	return exists, nil
}

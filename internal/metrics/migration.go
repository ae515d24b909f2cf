package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
)

// staleTables are dropped before a schema rebuild. "metrics" is the table
// name used by pre-release builds.
var staleTables = []string{"metrics", "health_snapshots", "schema_versions"}

// backupDatabase copies the database into dir before a destructive schema
// rebuild and returns the path of the copy.
func backupDatabase(db *sql.DB, dir string, version int, log logger.Logger) (string, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", errFactory.WithData(ErrSchemaMigrationFailed, fmt.Sprintf("create backup dir %s: %v", dir, err))
	}

	name := fmt.Sprintf("snapshots_v%d_%s.db", version, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	// VACUUM INTO must run outside a transaction
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return "", errFactory.WithData(ErrSchemaMigrationFailed, fmt.Sprintf("backup to %s: %v", path, err))
	}

	log.Info().
		Str("path", path).
		Int("version", version).
		Msg("Database backup created")

	return path, nil
}

// ValidateAndUpdateSchema makes sure db carries SchemaVersion. An empty
// database is initialized; a database on any other version is backed up
// into backupDir and rebuilt. Recorded snapshots are not carried over.
func ValidateAndUpdateSchema(db *sql.DB, backupDir string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := GetSchemaVersion(db)
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	switch version {
	case SchemaVersion:
		log.Debug().Int("version", version).Msg("Schema version is current")
		return nil
	case 0:
		log.Debug().Msg("Empty database, creating schema")
	default:
		log.Warn().
			Int("found", version).
			Int("expected", SchemaVersion).
			Msg("Schema version mismatch, rebuilding")

		if _, err := backupDatabase(db, backupDir, version, log); err != nil {
			return err
		}
	}

	if err := dropTables(db, log); err != nil {
		return err
	}

	return InitSchema(db, log)
}

func dropTables(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Debug().Err(err).Msg("Failed to roll back table drop")
		}
	}()

	for _, table := range staleTables {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, fmt.Sprintf("drop %s: %v", table, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	committed = true

	return nil
}

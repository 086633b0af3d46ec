package record

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       id           INTEGER PRIMARY KEY AUTOINCREMENT,
	       type         TEXT    NOT NULL,
	       started_at   INTEGER NOT NULL,
	       finished_at  INTEGER NOT NULL,
	       start_value  REAL    NOT NULL,
	       end_value    REAL    NOT NULL,
	       points       INTEGER NOT NULL CHECK (points >= 2),
	       averages     INTEGER NOT NULL CHECK (averages >= 1),
	       frequency    REAL    NOT NULL,
	       ac_level     REAL    NOT NULL,
	       state        TEXT    NOT NULL,
	       completed    INTEGER NOT NULL,
	       vendor       TEXT    NOT NULL,
	       model        TEXT    NOT NULL,
	       serial       TEXT    NOT NULL,
	       firmware     TEXT    NOT NULL,
	       error        TEXT
	   );
	   CREATE TABLE IF NOT EXISTS records (
	       run_id      INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	       step        INTEGER NOT NULL,
	       timestamp   INTEGER NOT NULL,
	       set_value   REAL    NOT NULL,
	       measured_a  REAL    NOT NULL,
	       measured_b  REAL    NOT NULL,
	       derived     REAL    NOT NULL,
	       PRIMARY KEY (run_id, step)
	   );`

	insertRunSQL = `
    INSERT INTO runs (
        type, started_at, finished_at,
        start_value, end_value, points, averages, frequency, ac_level,
        state, completed,
        vendor, model, serial, firmware, error
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertRecordSQL = `
    INSERT INTO records (
        run_id, step, timestamp, set_value, measured_a, measured_b, derived
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates the tables and records the current version.
func InitSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Debug().
		Int("version", SchemaVersion).
		Msg("Record schema initialized")

	return nil
}

// GetSchemaVersion returns the stored schema version, or 0 for an empty
// database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, table).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: table,
			Error: err.Error(),
		})
	}
	return exists, nil
}

package record

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// Store keeps every run and its records in a SQLite database.
type Store struct {
	db     *sql.DB
	cfg    StoreConfig
	logger logger.Logger
	mu     sync.Mutex
}

// StoredRun is a run as read back from the store.
type StoredRun struct {
	ID        int64
	Type      string
	State     string
	Completed int
	Points    int
	Identity  acquisition.Identity
	Error     string
	Records   []acquisition.Record
}

func NewStore(ctx context.Context, cfg StoreConfig, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	dsn := cfg.Path + "?_journal=WAL&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(ctx, db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Debug().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Msg("Record store opened")

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// Save writes the run and all its records in one transaction.
func (s *Store) Save(ctx context.Context, plan acquisition.SweepPlan, result acquisition.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Debug().Err(err).Msg("Failed to rollback run insert")
			}
		}
	}()

	var runErr sql.NullString
	if result.Err != nil {
		runErr = sql.NullString{String: result.Err.Error(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, insertRunSQL,
		plan.Type,
		result.StartedAt.UnixMilli(),
		result.FinishedAt.UnixMilli(),
		plan.Start,
		plan.End,
		plan.Points,
		plan.Averages,
		plan.Frequency,
		plan.ACLevel,
		result.State.String(),
		result.Completed,
		result.Identity.Vendor,
		result.Identity.Model,
		result.Identity.Serial,
		result.Identity.Firmware,
		runErr,
	)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	runID, err := res.LastInsertId()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for i, rec := range result.Records {
		if _, err := stmt.ExecContext(ctx,
			runID,
			i,
			rec.Timestamp.UnixMilli(),
			rec.SetValue,
			rec.A,
			rec.B,
			rec.Derived,
		); err != nil {
			return errFactory.WithData(ErrTransactionFailed, struct {
				Phase string
				Step  int
				Error string
			}{
				Phase: "insert_record",
				Step:  i,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	s.logger.Info().
		Int64("run_id", runID).
		Int("records", len(result.Records)).
		Str("path", s.cfg.Path).
		Msg("Run stored")

	return nil
}

// Run reads back a stored run with its records.
func (s *Store) Run(ctx context.Context, id int64) (StoredRun, error) {
	errFactory := errors.New()

	run := StoredRun{ID: id}
	var runErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT type, state, completed, points, vendor, model, serial, firmware, error
        FROM runs WHERE id = ?
    `, id).Scan(
		&run.Type, &run.State, &run.Completed, &run.Points,
		&run.Identity.Vendor, &run.Identity.Model, &run.Identity.Serial, &run.Identity.Firmware,
		&runErr,
	)
	if err != nil {
		return StoredRun{}, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	run.Error = runErr.String

	rows, err := s.db.QueryContext(ctx, `
        SELECT timestamp, set_value, measured_a, measured_b, derived
        FROM records WHERE run_id = ? ORDER BY step
    `, id)
	if err != nil {
		return StoredRun{}, errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		rec := acquisition.Record{Identity: run.Identity}
		if err := rows.Scan(&ts, &rec.SetValue, &rec.A, &rec.B, &rec.Derived); err != nil {
			return StoredRun{}, errFactory.Wrap(ErrTransactionFailed, err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		run.Records = append(run.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return StoredRun{}, errFactory.Wrap(ErrTransactionFailed, err)
	}

	return run, nil
}

// LastRunID returns the id of the most recent run, or 0 if there is none.
func (s *Store) LastRunID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM runs").Scan(&id); err != nil {
		return 0, errors.New().Wrap(ErrTransactionFailed, err)
	}
	return id.Int64, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

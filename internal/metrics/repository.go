package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// repository buffers snapshots and writes them in batches. A batch is
// flushed when it reaches BatchSize, every BatchTimeout, before a query and
// on close.
type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config

	mu     sync.Mutex
	buffer []*Snapshot
	closed bool

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, fmt.Sprintf("create directory for %s: %v", cfg.DBPath, err))
	}

	// WAL keeps readers off the writer's back; incremental auto vacuum
	// returns space after retention deletes.
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000")
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, fmt.Sprintf("open %s: %v", cfg.DBPath, err))
	}
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Metrics repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*Snapshot, 0, max(cfg.BatchSize, 1)),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(snapshot *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().WithMessage(ErrStorageAccess, "repository closed")
	}

	r.buffer = append(r.buffer, snapshot)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// Query returns snapshots with start <= timestamp <= end, oldest first.
func (r *repository) Query(start, end time.Time) ([]Snapshot, error) {
	errFactory := errors.New()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errFactory.WithMessage(ErrStorageAccess, "repository closed")
	}
	if err := r.flush(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	rows, err := r.db.Query(selectSnapshotsSQL, start.Unix(), end.Unix())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			s           Snapshot
			ts          int64
			auto, emerg int
		)
		if err := rows.Scan(
			&ts,
			&s.Health.Score, &s.Health.Status, &s.Health.ActiveAlerts,
			&s.Temperature.Average, &s.Temperature.Max,
			&s.Fans.AverageSpeed, &s.Fans.Stopped,
			&auto, &emerg,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		s.Timestamp = time.Unix(ts, 0).UTC()
		s.SystemState.AutoControl = auto == 1
		s.SystemState.Emergency = emerg == 1
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// The flusher writes whatever is still buffered before it exits
	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush buffered snapshots")
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, fmt.Sprintf("checkpoint WAL: %v", err))
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, fmt.Sprintf("close database: %v", err))
	}

	r.logger.Info().Msg("Metrics repository closed")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic snapshot flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. Must be called with mu held.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rollback := func(cause error) error {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, cause)
	}

	stmt, err := tx.Prepare(insertSnapshotSQL)
	if err != nil {
		return rollback(err)
	}
	defer stmt.Close()

	for _, s := range r.buffer {
		if _, err := stmt.Exec(
			s.Timestamp.Unix(),
			s.Health.Score, s.Health.Status, s.Health.ActiveAlerts,
			s.Temperature.Average, s.Temperature.Max,
			s.Fans.AverageSpeed, s.Fans.Stopped,
			boolToInt(s.SystemState.AutoControl), boolToInt(s.SystemState.Emergency),
		); err != nil {
			return rollback(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed snapshots to database")
	r.buffer = r.buffer[:0]

	return nil
}

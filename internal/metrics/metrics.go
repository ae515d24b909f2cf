// Package metrics optionally records system health snapshots to SQLite.
package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

type noopRecorder struct{}

// NewService returns a Recorder backed by SQLite, or a no-op recorder when
// recording is disabled.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	log = log.With("metrics")

	if !cfg.Enabled {
		log.Debug().Msg("Snapshot recording disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, snapshot *Snapshot) error {
	errFactory := errors.New()

	if snapshot == nil {
		return errFactory.New(ErrInvalidMetrics)
	}

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}

	if err := s.repo.Record(snapshot); err != nil {
		return errFactory.Wrap(ErrMetricsCollection, err)
	}

	return nil
}

func (s *service) Query(ctx context.Context, start, end time.Time) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Query(start, end)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}
	return nil
}

func (noopRecorder) Record(context.Context, *Snapshot) error { return nil }

func (noopRecorder) Query(context.Context, time.Time, time.Time) ([]Snapshot, error) {
	return nil, nil
}

func (noopRecorder) Close() error { return nil }

package receipt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SweepResult summarizes one orphan sweep
type SweepResult struct {
	Scanned  int
	Deleted  int
	Errors   int
	Duration time.Duration
}

// Sweeper removes blobs that no receipt references once they are older than
// the grace period. Such blobs are left behind when a record insert fails
// after the upload succeeded.
type Sweeper struct {
	storage  Storage
	db       DB
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper
func NewSweeper(storage Storage, db DB, grace, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		storage:  storage,
		db:       db,
		grace:    grace,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start runs the sweep immediately and then on every interval until Stop or ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Sweeper started",
		slog.String("interval", s.interval.String()),
		slog.String("grace", s.grace.String()),
	)
}

// Stop stops the background loop and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Concurrent calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	cutoff := s.now().Add(-s.grace)

	err := s.storage.Walk(ctx, func(obj Object) error {
		result.Scanned++
		if obj.ModTime.After(cutoff) {
			return nil
		}

		referenced, err := s.db.HasStoragePath(ctx, obj.Path)
		if err != nil {
			s.logger.Error("Failed to look up blob reference", slog.String("path", obj.Path), slog.Any("error", err))
			result.Errors++
			return nil
		}
		if referenced {
			return nil
		}

		if err := s.storage.Delete(ctx, obj.Path); err != nil && !errors.Is(err, ErrObjectNotFound) {
			s.logger.Error("Failed to delete orphaned blob", slog.String("path", obj.Path), slog.Any("error", err))
			result.Errors++
			return nil
		}
		s.logger.Info("Deleted orphaned blob", slog.String("path", obj.Path), slog.Time("modified", obj.ModTime))
		result.Deleted++
		return nil
	})
	if err != nil {
		s.logger.Error("Sweep aborted", slog.Any("error", err))
		result.Errors++
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDeletedTotal.Add(float64(result.Deleted))
	sweepErrorsTotal.Add(float64(result.Errors))

	s.logger.Debug("Sweep finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

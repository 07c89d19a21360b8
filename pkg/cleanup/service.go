// Package cleanup enforces retention on the Postgres backend: terminal runs
// past their retention window are deleted (events cascade), and expired
// session stickiness leases are purged.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = time.Hour

// RetentionStore is the slice of the scheduler the sweep needs.
type RetentionStore interface {
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpiredSessionLeases(ctx context.Context) (int64, error)
}

// Service runs the retention sweep on a ticker. All operations are
// idempotent and safe to run from multiple replicas.
type Service struct {
	store         RetentionStore
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweep over store. retentionDays <= 0 disables it.
func NewService(store RetentionStore, retentionDays int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		retentionDays: retentionDays,
		interval:      defaultInterval,
		logger:        logger.With("component", "cleanup"),
	}
}

// SetInterval overrides the sweep interval. Tests only.
func (s *Service) SetInterval(d time.Duration) {
	s.interval = d
}

// Start launches the background sweep loop. No-op when retention is
// disabled or the service already started.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	if s.retentionDays <= 0 {
		s.logger.Info("Retention sweep disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"retention_days", s.retentionDays,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

// runAll executes one sweep. Sweeps use a background context so shutdown
// never aborts a delete mid-statement.
func (s *Service) runAll() {
	s.deleteExpiredRuns()
	s.purgeExpiredLeases()
}

func (s *Service) deleteExpiredRuns() {
	cutoff := time.Now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	count, err := s.store.DeleteTerminalRunsBefore(context.Background(), cutoff)
	if err != nil {
		s.logger.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted expired runs", "count", count)
	}
}

func (s *Service) purgeExpiredLeases() {
	count, err := s.store.PurgeExpiredSessionLeases(context.Background())
	if err != nil {
		s.logger.Error("Retention: lease purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: purged expired session leases", "count", count)
	}
}

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"rentfeed/internal/domain"
)

// FeedSyncer pulls the scraper feed and enqueues parse jobs.
type FeedSyncer interface {
	SyncFeed(ctx context.Context) (*domain.IngestStats, error)
}

type Scheduler struct {
	syncer   FeedSyncer
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(syncer FeedSyncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	s.runSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if _, err := s.syncer.SyncFeed(syncCtx); err != nil {
		s.logger.Error("feed sync failed", "error", err)
	}
}

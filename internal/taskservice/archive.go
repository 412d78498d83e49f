package taskservice

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartAutoArchiveLoop starts a background sweep, distinct from the
// Watchdog, that flags old terminal tasks as archived: a plain ticker,
// one pass per tick, warn and continue on a single task's failure rather
// than aborting the sweep.
func (s *Service) StartAutoArchiveLoop(ctx context.Context, sweepInterval, archiveAfter time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runAutoArchive(ctx, archiveAfter)
			}
		}
	}()
	s.logger.Info("auto-archive loop started", zap.Duration("interval", sweepInterval))
}

func (s *Service) runAutoArchive(ctx context.Context, archiveAfter time.Duration) {
	cutoff := s.clock.Now().Add(-archiveAfter)
	tasks, err := s.store.ListArchivable(ctx, cutoff)
	if err != nil {
		s.logger.Error("auto-archive: failed to list candidates", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	s.logger.Info("auto-archive: found candidates", zap.Int("count", len(tasks)))
	now := s.clock.Now()
	for _, task := range tasks {
		task.Archived = true
		task.ArchivedAt = &now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Warn("auto-archive: failed to archive task",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		s.logger.Debug("auto-archive: archived task", zap.String("task_id", task.ID))
	}
}

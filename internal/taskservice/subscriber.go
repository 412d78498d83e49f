package taskservice

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
)

// handleEvent is the Service's Event Bus subscriber: the sole bridge from
// a runner's in-memory event stream to persisted Task state. It never
// blocks the publisher for long; Store writes here should be fast local
// transactions.
func (s *Service) handleEvent(e events.Event) {
	ctx := context.Background()
	env := e.Meta()
	if env.TaskID == "" {
		return
	}

	switch ev := e.(type) {
	case events.IterationStart:
		s.bumpIteration(ctx, env.TaskID, env.Task)
	case events.IterationComplete:
		s.bumpIteration(ctx, env.TaskID, env.Task)
	case events.VerificationComplete:
		s.recordVerification(ctx, env.TaskID, ev)
	case events.StatusUpdate:
		s.recordStatus(ctx, env.TaskID, ev.Message)
	case events.TaskComplete:
		s.finish(ctx, env.TaskID, models.StatusCompleted, &ev.Result, nil)
	case events.TaskFailed:
		s.finish(ctx, env.TaskID, models.StatusFailed, nil, &ev.Error)
	case events.TaskCancelled:
		s.finish(ctx, env.TaskID, models.StatusCancelled, &ev.Result, nil)
	case events.TaskPaused:
		s.setStatus(ctx, env.TaskID, models.StatusPaused)
	case events.TaskResumed:
		s.setStatus(ctx, env.TaskID, models.StatusRunning)
	}
}

// bumpIteration persists the runner's current iteration count, carried on
// the event's task snapshot, and refreshes the progress clock the
// Watchdog reads.
func (s *Service) bumpIteration(ctx context.Context, taskID string, snapshot *models.Task) {
	_ = s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if snapshot != nil {
			task.CurrentIteration = snapshot.CurrentIteration
		}
		task.LastProgressAt = &now
		return s.store.UpdateTask(ctx, task)
	})
}

func (s *Service) recordVerification(ctx context.Context, taskID string, ev events.VerificationComplete) {
	payload, err := json.Marshal(map[string]interface{}{
		"passed":     ev.Passed,
		"feedback":   ev.Feedback,
		"confidence": ev.Confidence,
	})
	if err != nil {
		s.logger.Error("failed to marshal verification result", zap.Error(err))
		return
	}
	serialized := string(payload)

	_ = s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		task.LastVerificationResult = &serialized
		task.LastProgressAt = &now
		return s.store.UpdateTask(ctx, task)
	})
}

func (s *Service) recordStatus(ctx context.Context, taskID, message string) {
	_ = s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		task.StatusMessage = &message
		task.LastProgressAt = &now
		return s.store.UpdateTask(ctx, task)
	})
}

func (s *Service) setStatus(ctx context.Context, taskID string, status models.TaskStatus) {
	_ = s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task.Status = status
		return s.store.UpdateTask(ctx, task)
	})
}

// finish applies a runner-reported terminal transition and re-evaluates
// the session's queue, since a session slot just freed up. It is a no-op
// if the task is already terminal (a runner reporting twice, or racing
// with a force-cancel that already landed).
func (s *Service) finish(ctx context.Context, taskID string, status models.TaskStatus, result, errMsg *string) {
	var sessionID string
	var alreadyTerminal bool
	_ = s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		sessionID = task.SessionID
		if task.Status.Terminal() {
			alreadyTerminal = true
			return nil
		}
		now := s.clock.Now()
		task.Status = status
		task.Result = result
		task.Error = errMsg
		task.CompletedAt = &now
		return s.store.UpdateTask(ctx, task)
	})
	if alreadyTerminal || sessionID == "" {
		return
	}
	if err := s.processQueue(ctx, sessionID); err != nil {
		s.logger.Error("failed to process queue after task finish",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

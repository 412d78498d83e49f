// Package taskservice implements the Task Service: the only code that
// mutates task records in the Store. Runners never write to the
// Store directly; they communicate only through the Event Bus, and the
// Service's own subscriber (see subscriber.go) is what turns those events
// into persisted state.
package taskservice

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/clock"
	apperrors "github.com/kandev/ralph/internal/common/errors"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/runner"
	"github.com/kandev/ralph/internal/store"
)

// CreateInput carries the fields a caller may set when creating a task.
type CreateInput struct {
	SessionID          string
	Name               string
	Prompt             string
	RunnerKind         models.RunnerKind
	MaxIterations      int
	VerificationPrompt *string
	AutoStart          bool
}

// Service is the public façade over the task lifecycle.
type Service struct {
	store   store.Store
	runners *runner.Registry
	bus     events.Bus
	clock   clock.Clock
	logger  *logger.Logger
}

// New constructs a Service and registers its event subscriber on bus.
func New(s store.Store, runners *runner.Registry, bus events.Bus, clk clock.Clock, log *logger.Logger) *Service {
	svc := &Service{
		store:   s,
		runners: runners,
		bus:     bus,
		clock:   clk,
		logger:  log.WithFields(zap.String("component", "task-service")),
	}
	bus.Subscribe(svc.handleEvent)
	return svc
}

// Create inserts a pending task, then transitions it to running when
// AutoStart is set.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Task, error) {
	if in.SessionID == "" {
		return nil, apperrors.ValidationError("session_id", "is required")
	}
	if in.Name == "" {
		return nil, apperrors.ValidationError("name", "is required")
	}
	if in.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "is required")
	}
	runnerKind := in.RunnerKind
	if runnerKind == "" {
		runnerKind = models.RunnerIterative
	}
	maxIter := in.MaxIterations
	if maxIter == 0 {
		maxIter = models.DefaultMaxIterations
	}
	if maxIter < models.MinMaxIterations || maxIter > models.MaxMaxIterations {
		return nil, apperrors.ValidationError("max_iterations", fmt.Sprintf("must be between %d and %d", models.MinMaxIterations, models.MaxMaxIterations))
	}

	task := &models.Task{
		SessionID:          in.SessionID,
		Name:               in.Name,
		Prompt:             in.Prompt,
		RunnerKind:         runnerKind,
		Status:             models.StatusPending,
		MaxIterations:      maxIter,
		VerificationPrompt: in.VerificationPrompt,
		CreatedAt:          s.clock.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if in.AutoStart {
		if err := s.Start(ctx, task.ID); err != nil {
			return task, err
		}
		return s.store.GetTask(ctx, task.ID)
	}
	return task, nil
}

// Start transitions a pending task to running, enforcing the
// single-active-task-per-session invariant inside one transaction.
func (s *Service) Start(ctx context.Context, id string) error {
	var picked *models.Task
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != models.StatusPending {
			return apperrors.InvalidTransition(fmt.Sprintf("task %s must be pending to start, is %s", id, task.Status))
		}
		active, err := s.store.ActiveTaskForSession(ctx, task.SessionID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperrors.ConcurrencyConflict("another task already running on this session")
		}

		now := s.clock.Now()
		task.Status = models.StatusRunning
		task.StartedAt = &now
		task.LastProgressAt = &now
		task.HealthCheckFailures = 0
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		picked = task
		return nil
	})
	if err != nil {
		return err
	}

	r, err := s.runners.For(picked)
	if err != nil {
		return err
	}
	if err := r.Start(ctx, picked); err != nil {
		return err
	}
	return nil
}

// Pause routes to the task's runner.
func (s *Service) Pause(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusRunning {
		return apperrors.InvalidTransition(fmt.Sprintf("task %s must be running to pause, is %s", id, task.Status))
	}
	r, err := s.runners.For(task)
	if err != nil {
		return err
	}
	return r.Pause(ctx, id)
}

// Resume routes to the task's runner.
func (s *Service) Resume(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusPaused {
		return apperrors.InvalidTransition(fmt.Sprintf("task %s must be paused to resume, is %s", id, task.Status))
	}
	r, err := s.runners.For(task)
	if err != nil {
		return err
	}
	return r.Resume(ctx, id)
}

// Cancel routes to the task's runner. Cancelling an already-terminal task
// is a no-op. force bypasses the runner and
// writes directly to the Store, used both for an explicit force-cancel
// request and by the Watchdog.
func (s *Service) Cancel(ctx context.Context, id string, force bool) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	if force {
		return s.forceCancel(ctx, task, "force-cancelled")
	}

	r, err := s.runners.For(task)
	if err != nil {
		return err
	}
	return r.Cancel(ctx, id)
}

// ForceCancel is the Watchdog's entry point into the force-cancel path,
// letting it attach a reason specific to the SLA breach that triggered it
// (e.g. "unresponsive after 5 recovery attempts") instead of the generic
// message Cancel(force=true) uses for an explicit API request.
func (s *Service) ForceCancel(ctx context.Context, id, reason string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.forceCancel(ctx, task, reason)
}

// forceCancel is the force-cancel path: used when the runner no
// longer tracks the task or cannot be reached, and directly by the
// Watchdog. It writes terminal state straight to the Store and
// re-evaluates the session's queue. Idempotent.
func (s *Service) forceCancel(ctx context.Context, task *models.Task, reason string) error {
	if task.Status.Terminal() {
		return nil
	}
	now := s.clock.Now()
	task.Status = models.StatusCancelled
	task.Error = &reason
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if r, err := s.runners.For(task); err == nil {
		_ = r.Cancel(ctx, task.ID)
	}

	return s.processQueue(ctx, task.SessionID)
}

// CompleteManual is only valid for manual tasks; the runner is purely
// bookkeeping for that variant so the Service drives its terminal
// transition directly via ManualRunner.Complete.
func (s *Service) CompleteManual(ctx context.Context, id, result string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.RunnerKind != models.RunnerManual {
		return apperrors.InvalidTransition("complete_manual is only valid for manual tasks")
	}
	if task.Status != models.StatusRunning {
		return apperrors.InvalidTransition(fmt.Sprintf("task %s must be running to complete, is %s", id, task.Status))
	}
	r, err := s.runners.For(task)
	if err != nil {
		return err
	}
	manual, ok := r.(*runner.ManualRunner)
	if !ok {
		return apperrors.InvalidTransition("runner for manual task is not a ManualRunner")
	}
	manual.Complete(id, result)
	return nil
}

// FailManual is the manual-task counterpart invoked when a human marks a
// manual task failed via the external API.
func (s *Service) FailManual(ctx context.Context, id, reason string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.RunnerKind != models.RunnerManual {
		return apperrors.InvalidTransition("fail_manual is only valid for manual tasks")
	}
	r, err := s.runners.For(task)
	if err != nil {
		return err
	}
	manual, ok := r.(*runner.ManualRunner)
	if !ok {
		return apperrors.InvalidTransition("runner for manual task is not a ManualRunner")
	}
	manual.Fail(id, reason)
	return nil
}

// Queue transitions a pending task to queued, assigning it the next
// queue position for its session, then tries to start it immediately if
// nothing else is active.
func (s *Service) Queue(ctx context.Context, id string) error {
	var sessionID string
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != models.StatusPending {
			return apperrors.InvalidTransition(fmt.Sprintf("task %s must be pending to queue, is %s", id, task.Status))
		}
		pos, err := s.store.NextQueuePosition(ctx, task.SessionID)
		if err != nil {
			return err
		}
		task.Status = models.StatusQueued
		task.QueuePosition = &pos
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		sessionID = task.SessionID
		return nil
	})
	if err != nil {
		return err
	}
	return s.processQueue(ctx, sessionID)
}

// Unqueue restores a queued task to pending, clearing its position.
func (s *Service) Unqueue(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != models.StatusQueued {
			return apperrors.InvalidTransition(fmt.Sprintf("task %s must be queued to unqueue, is %s", id, task.Status))
		}
		task.Status = models.StatusPending
		task.QueuePosition = nil
		return s.store.UpdateTask(ctx, task)
	})
}

// UpdateInput carries the fields Update may change; nil means "leave as is".
type UpdateInput struct {
	Name               *string
	Prompt             *string
	MaxIterations      *int
	VerificationPrompt *string
}

// Update is only allowed while a task is pending.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != models.StatusPending {
			return apperrors.InvalidTransition(fmt.Sprintf("task %s must be pending to update, is %s", id, task.Status))
		}
		if in.Name != nil {
			task.Name = *in.Name
		}
		if in.Prompt != nil {
			task.Prompt = *in.Prompt
		}
		if in.MaxIterations != nil {
			if *in.MaxIterations < models.MinMaxIterations || *in.MaxIterations > models.MaxMaxIterations {
				return apperrors.ValidationError("max_iterations", fmt.Sprintf("must be between %d and %d", models.MinMaxIterations, models.MaxMaxIterations))
			}
			task.MaxIterations = *in.MaxIterations
		}
		if in.VerificationPrompt != nil {
			task.VerificationPrompt = in.VerificationPrompt
		}
		return s.store.UpdateTask(ctx, task)
	})
}

// Delete cancels an active task first, then removes its record.
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Active() {
		if err := s.Cancel(ctx, id, true); err != nil {
			return err
		}
	}
	return s.store.DeleteTask(ctx, id)
}

// processQueue promotes the session's lowest-position queued task to
// pending and starts it, provided no task is already active. On a
// start failure it reverts the task to queued and records the error so
// the queue isn't silently stuck.
func (s *Service) processQueue(ctx context.Context, sessionID string) error {
	active, err := s.store.ActiveTaskForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}

	queued, err := s.store.ListQueuedBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}
	next := queued[0]

	pos := next.QueuePosition
	next.Status = models.StatusPending
	next.QueuePosition = nil
	if err := s.store.UpdateTask(ctx, next); err != nil {
		return err
	}

	if err := s.Start(ctx, next.ID); err != nil {
		s.logger.Warn("failed to auto-start queued task, reverting to queued",
			zap.String("task_id", next.ID), zap.Error(err))
		reverted, getErr := s.store.GetTask(ctx, next.ID)
		if getErr != nil {
			return getErr
		}
		msg := err.Error()
		reverted.Status = models.StatusQueued
		reverted.QueuePosition = pos
		reverted.Error = &msg
		return s.store.UpdateTask(ctx, reverted)
	}
	return nil
}

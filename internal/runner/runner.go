// Package runner implements the Runner Framework: the abstract Runner
// contract and its three concrete variants (IterativeRunner,
// SingleShotRunner, ManualRunner). A Runner owns one
// background coroutine per running task; it drives the Terminal Driver,
// polls the Activity Detector, consults the LLM Verifier, and emits
// events. It never mutates a Task record directly (that is the Task
// Service's exclusive job); it only communicates through the Event Bus.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/kandev/ralph/internal/models"
)

// ErrUnsupported is returned by runner variants that don't implement
// pause/resume (SingleShotRunner, ManualRunner).
var ErrUnsupported = errors.New("operation not supported by this runner")

// ErrAlreadyRunning is returned by Start when the task is already tracked.
var ErrAlreadyRunning = errors.New("task already running in this runner")

// ErrNotTracked is returned by Pause/Resume when taskID is not tracked by
// this runner (Cancel treats the same situation as an idempotent no-op
// instead, per the abstract contract).
var ErrNotTracked = errors.New("task not tracked by this runner")

// errCancelled is an internal sentinel used to unwind prepare-session on
// a cancellation signal; it never crosses the Runner interface boundary.
var errCancelled = errors.New("task cancelled")

// Status is the synchronous, point-in-time view of a tracked task.
// Callers that ask about an untracked task get a zeroed Status, not an
// error.
type Status struct {
	Running   bool
	Iteration int
	Paused    bool
}

// Runner is the abstract contract every variant implements.
type Runner interface {
	// Accepts reports whether this runner handles task.RunnerKind.
	Accepts(task *models.Task) bool
	// Start launches task's background loop. Fails if task.ID is already
	// tracked by this runner.
	Start(ctx context.Context, task *models.Task) error
	// Pause and Resume are optional per variant; unsupported variants
	// return ErrUnsupported.
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	// Cancel is idempotent: it must terminate cleanly even if the
	// underlying subprocess is unresponsive, and cancelling an untracked
	// task is a no-op, not an error.
	Cancel(ctx context.Context, taskID string) error
	// Status returns a zeroed Status if taskID is not tracked.
	Status(taskID string) Status
}

// Registry is the Task Service's lookup of the Runner that accepts a
// given task's runner_kind.
type Registry struct {
	runners []Runner
}

// NewRegistry constructs a Registry trying runners in order.
func NewRegistry(runners ...Runner) *Registry {
	return &Registry{runners: runners}
}

// For returns the first registered Runner that accepts task.
func (reg *Registry) For(task *models.Task) (Runner, error) {
	for _, r := range reg.runners {
		if r.Accepts(task) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no runner registered for runner_kind %q", task.RunnerKind)
}

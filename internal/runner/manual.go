package runner

import (
	"context"

	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
)

// ManualRunner is purely bookkeeping: Start marks running and
// emits iteration:start; Complete/Fail are invoked by the Task Service
// when a human acts via the external API. Pause/resume are unsupported;
// Cancel emits task:cancelled.
type ManualRunner struct {
	bus events.Bus
	reg *registry
}

func NewManualRunner(bus events.Bus) *ManualRunner {
	return &ManualRunner{bus: bus, reg: newRegistry()}
}

func (r *ManualRunner) Accepts(task *models.Task) bool {
	return task.RunnerKind == models.RunnerManual
}

func (r *ManualRunner) Start(ctx context.Context, task *models.Task) error {
	if _, ok := r.reg.get(task.ID); ok {
		return ErrAlreadyRunning
	}
	rec := newRecord(task, "")
	rec.setIteration(1)
	r.reg.add(task.ID, rec)
	r.bus.Publish(events.IterationStart{Envelope: envelopeFor(rec)})
	return nil
}

func (r *ManualRunner) Pause(ctx context.Context, taskID string) error  { return ErrUnsupported }
func (r *ManualRunner) Resume(ctx context.Context, taskID string) error { return ErrUnsupported }

func (r *ManualRunner) Cancel(ctx context.Context, taskID string) error {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return nil
	}
	rec.requestCancel()
	r.bus.Publish(events.TaskCancelled{Envelope: envelopeFor(rec)})
	r.reg.remove(taskID)
	return nil
}

func (r *ManualRunner) Status(taskID string) Status {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return Status{}
	}
	return Status{Running: !rec.isCancelled(), Iteration: rec.iteration()}
}

// Complete is called by the Task Service when a human marks a manual
// task done via the API.
func (r *ManualRunner) Complete(taskID, result string) {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return
	}
	r.bus.Publish(events.TaskComplete{Envelope: envelopeFor(rec), Result: result})
	r.reg.remove(taskID)
}

// Fail is called by the Task Service when a human marks a manual task
// failed via the API.
func (r *ManualRunner) Fail(taskID, reason string) {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return
	}
	r.bus.Publish(events.TaskFailed{Envelope: envelopeFor(rec), Error: reason})
	r.reg.remove(taskID)
}

var _ Runner = (*ManualRunner)(nil)

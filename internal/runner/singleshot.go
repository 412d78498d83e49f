package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/activity"
	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/terminal"
)

// SingleShotRunner is identical to IterativeRunner but runs exactly one
// iteration and skips verification entirely: quiescence alone is
// taken as success.
type SingleShotRunner struct {
	driver   terminal.Driver
	detector *activity.Detector
	bus      events.Bus
	sessions SessionLookup
	clock    clock.Clock
	logger   *logger.Logger
	cols     int
	rows     int

	reg *registry
}

func NewSingleShotRunner(driver terminal.Driver, detector *activity.Detector, bus events.Bus, sessions SessionLookup, clk clock.Clock, log *logger.Logger, cols, rows int) *SingleShotRunner {
	if cols <= 0 {
		cols = 220
	}
	if rows <= 0 {
		rows = 50
	}
	return &SingleShotRunner{
		driver:   driver,
		detector: detector,
		bus:      bus,
		sessions: sessions,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "single-shot-runner")),
		cols:     cols,
		rows:     rows,
		reg:      newRegistry(),
	}
}

func (r *SingleShotRunner) Accepts(task *models.Task) bool {
	return task.RunnerKind == models.RunnerSingleShot
}

func (r *SingleShotRunner) Start(ctx context.Context, task *models.Task) error {
	if _, ok := r.reg.get(task.ID); ok {
		return ErrAlreadyRunning
	}
	session, err := r.sessions.GetSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	name, _, err := ensureAlive(ctx, r.driver, r.sessions, r.clock, r.cols, r.rows, session)
	if err != nil {
		return fmt.Errorf("could not ensure session alive: %w", err)
	}

	rec := newRecord(task, name)
	r.reg.add(task.ID, rec)
	go r.run(rec, session)
	return nil
}

func (r *SingleShotRunner) run(rec *record, session *models.Session) {
	rec.setIteration(1)
	r.bus.Publish(events.IterationStart{Envelope: envelopeFor(rec)})

	name := rec.terminalName()
	if ok := r.driver.SendKeys(name, rec.prompt()); !ok {
		newName, _, err := ensureAlive(context.Background(), r.driver, r.sessions, r.clock, r.cols, r.rows, session)
		if err != nil || !r.driver.SendKeys(newName, rec.prompt()) {
			r.fail(rec, "could not send to session")
			return
		}
		rec.setTerminal(newName)
		name = newName
	}

	completed := r.wait(rec, name)
	taskID, _ := rec.ids()

	if !completed {
		r.bus.Publish(events.TaskFailed{Envelope: envelopeFor(rec), Error: "timed out"})
		r.reg.remove(taskID)
		return
	}

	output, err := r.driver.CaptureScrollback(name, terminal.VerificationScrollbackMax)
	if err != nil {
		r.fail(rec, fmt.Sprintf("could not capture output: %v", err))
		return
	}
	r.bus.Publish(events.IterationComplete{Envelope: envelopeFor(rec), Output: output})
	r.bus.Publish(events.TaskComplete{Envelope: envelopeFor(rec), Result: output})
	r.detector.Forget(name)
	r.reg.remove(taskID)
}

func (r *SingleShotRunner) wait(rec *record, name string) bool {
	start := r.clock.Now()
	for r.clock.Now().Sub(start) < iterationTimeout {
		if rec.isCancelled() {
			return false
		}
		_ = r.detector.Poll(name)
		if state, _ := r.detector.Classify(name); state != activity.Active {
			r.clock.Sleep(1 * time.Second)
			_ = r.detector.Poll(name)
			if state2, _ := r.detector.Classify(name); state2 != activity.Active {
				return true
			}
		}
		r.clock.Sleep(pollInterval)
	}
	return false
}

func (r *SingleShotRunner) fail(rec *record, reason string) {
	r.bus.Publish(events.TaskFailed{Envelope: envelopeFor(rec), Error: reason})
	taskID, _ := rec.ids()
	r.reg.remove(taskID)
}

// Pause/Resume are unsupported by SingleShotRunner.
func (r *SingleShotRunner) Pause(ctx context.Context, taskID string) error  { return ErrUnsupported }
func (r *SingleShotRunner) Resume(ctx context.Context, taskID string) error { return ErrUnsupported }

func (r *SingleShotRunner) Cancel(ctx context.Context, taskID string) error {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return nil
	}
	name := rec.terminalName()
	r.driver.SendEscape(name, 2)
	captured, _ := r.driver.CaptureScrollback(name, 2000)
	rec.requestCancel()
	r.bus.Publish(events.TaskCancelled{Envelope: envelopeFor(rec), Result: captured})
	r.reg.remove(taskID)
	return nil
}

func (r *SingleShotRunner) Status(taskID string) Status {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return Status{}
	}
	return Status{Running: !rec.isCancelled(), Iteration: rec.iteration()}
}

var _ Runner = (*SingleShotRunner)(nil)

package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/activity"
	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/common/tracing"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/terminal"
	"github.com/kandev/ralph/internal/verifier"
)

// Tunable loop constants.
const (
	pollInterval         = 2 * time.Second
	statusUpdateInterval = 5 * time.Second
	iterationTimeout     = 300 * time.Second
	idleWaitTimeout      = 30 * time.Second
	progressHeartbeat    = 10 * time.Second
)

// IterativeRunner is the core "Ralph technique" loop: send prompt, wait
// for quiescence, capture output, ask the Verifier, and either finish or
// inject corrective feedback and iterate.
type IterativeRunner struct {
	driver   terminal.Driver
	detector *activity.Detector
	verifier *verifier.Verifier
	bus      events.Bus
	sessions SessionLookup
	clock    clock.Clock
	logger   *logger.Logger
	cols     int
	rows     int

	reg *registry
}

// NewIterativeRunner constructs an IterativeRunner. cols/rows size any
// terminal session created by a revive; they default to 220x50 when zero.
func NewIterativeRunner(driver terminal.Driver, detector *activity.Detector, v *verifier.Verifier, bus events.Bus, sessions SessionLookup, clk clock.Clock, log *logger.Logger, cols, rows int) *IterativeRunner {
	if cols <= 0 {
		cols = 220
	}
	if rows <= 0 {
		rows = 50
	}
	return &IterativeRunner{
		driver:   driver,
		detector: detector,
		verifier: v,
		bus:      bus,
		sessions: sessions,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "iterative-runner")),
		cols:     cols,
		rows:     rows,
		reg:      newRegistry(),
	}
}

func (r *IterativeRunner) Accepts(task *models.Task) bool {
	return task.RunnerKind == models.RunnerIterative
}

func (r *IterativeRunner) Start(ctx context.Context, task *models.Task) error {
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

// run is the loop coroutine. It is intentionally detached from the
// caller's request context: its only cancellation signal is rec's
// cancellation channel, set via Cancel.
func (r *IterativeRunner) run(rec *record, session *models.Session) {
	taskID, _ := rec.ids()

	if err := r.prepareSession(rec, session); err != nil {
		if err == errCancelled {
			r.reg.remove(taskID)
			return
		}
		r.fail(rec, fmt.Sprintf("could not prepare session: %v", err))
		return
	}

	r.iterationLoop(rec, session)
}

func (r *IterativeRunner) prepareSession(rec *record, session *models.Session) error {
	name, revived, err := ensureAlive(context.Background(), r.driver, r.sessions, r.clock, r.cols, r.rows, session)
	if err != nil {
		return err
	}
	rec.setTerminal(name)
	if revived {
		r.clock.Sleep(3 * time.Second)
	}

	r.bus.Publish(events.StatusUpdate{Envelope: envelopeFor(rec), Message: "Waiting for session to be idle..."})

	start := r.clock.Now()
	for {
		if rec.isCancelled() {
			return errCancelled
		}
		_ = r.detector.Poll(name)
		state, _ := r.detector.Classify(name)
		if state != activity.Active {
			break
		}
		if r.clock.Now().Sub(start) >= idleWaitTimeout {
			r.bus.Publish(events.StatusUpdate{Envelope: envelopeFor(rec), Message: "Session busy, interrupting..."})
			r.driver.SendCtrlC(name)
			r.clock.Sleep(500 * time.Millisecond)
			r.driver.SendEscape(name, 2)
			r.clock.Sleep(1 * time.Second)
			break
		}
		r.clock.Sleep(pollInterval)
	}

	r.driver.SendCtrlC(name)
	r.clock.Sleep(300 * time.Millisecond)
	r.driver.SendEscape(name, 2)
	r.clock.Sleep(300 * time.Millisecond)
	return nil
}

func (r *IterativeRunner) iterationLoop(rec *record, session *models.Session) {
	prompt := rec.prompt()

	for {
		if rec.isCancelled() {
			taskID, _ := rec.ids()
			r.reg.remove(taskID)
			return
		}
		for rec.isPaused() {
			r.clock.Sleep(1 * time.Second)
			if rec.isCancelled() {
				taskID, _ := rec.ids()
				r.reg.remove(taskID)
				return
			}
		}

		if rec.iteration() >= rec.maxIterations() {
			r.fail(rec, "max iterations reached")
			return
		}

		rec.setIteration(rec.iteration() + 1)
		r.bus.Publish(events.IterationStart{Envelope: envelopeFor(rec)})
		r.bus.Publish(events.StatusUpdate{Envelope: envelopeFor(rec), Message: fmt.Sprintf("Iteration %d starting...", rec.iteration())})

		name := rec.terminalName()
		if ok := r.driver.SendKeys(name, prompt); !ok {
			newName, _, err := ensureAlive(context.Background(), r.driver, r.sessions, r.clock, r.cols, r.rows, session)
			if err != nil || !r.driver.SendKeys(newName, prompt) {
				r.fail(rec, "could not send to session")
				return
			}
			rec.setTerminal(newName)
			name = newName
		}

		sidecarNote := ""
		completed := true
		if sc, hit := readSidecarStatus(session.ProjectPath); hit && sc.Status == "completed" {
			completed = true
		} else {
			if hit && sc.Status == "error" && sc.Error != "" {
				sidecarNote = sc.Error
			}
			var waitNote string
			completed, waitNote = r.waitForCompletion(rec, name, session.ProjectPath)
			if waitNote != "" {
				sidecarNote = waitNote
			}
		}

		if !completed {
			r.bus.Publish(events.IterationComplete{Envelope: envelopeFor(rec), Output: "timeout"})
			prompt = "The previous operation timed out. Please continue or retry."
			continue
		}

		output, err := r.driver.CaptureScrollback(name, terminal.VerificationScrollbackMax)
		if err != nil {
			r.fail(rec, fmt.Sprintf("could not capture output: %v", err))
			return
		}
		if sidecarNote != "" {
			output += "\n[status-file] error: " + sidecarNote
		}
		r.bus.Publish(events.IterationComplete{Envelope: envelopeFor(rec), Output: output})

		r.bus.Publish(events.VerificationStart{Envelope: envelopeFor(rec)})
		taskID, _ := rec.ids()
		verifyCtx, verifySpan := tracing.Tracer("ralphd-runner").Start(context.Background(), "runner.verify")
		verifySpan.SetAttributes(attribute.String("task_id", taskID), attribute.Int("iteration", rec.iteration()))
		result := r.verifier.Verify(verifyCtx, rec.snapshot(), output)
		verifySpan.End()
		r.bus.Publish(events.VerificationComplete{
			Envelope:   envelopeFor(rec),
			Passed:     result.Passed,
			Feedback:   result.Feedback,
			Confidence: result.Confidence,
		})

		if result.Passed {
			r.detector.Forget(name)
			r.bus.Publish(events.TaskComplete{Envelope: envelopeFor(rec), Result: output})
			taskID, _ := rec.ids()
			r.reg.remove(taskID)
			return
		}

		prompt = fmt.Sprintf(
			"The previous attempt was not successful. Here's the feedback:\n%s\nPlease address the issues mentioned above and continue working on the task.",
			result.Feedback,
		)
	}
}

// waitForCompletion polls until the session quiesces or ITERATION_TIMEOUT
// elapses. It returns whether quiescence was reached and, if
// the status-file sidecar reported an error along the way, that message.
func (r *IterativeRunner) waitForCompletion(rec *record, name, projectPath string) (bool, string) {
	start := r.clock.Now()
	lastStatusUpdate := start
	lastHeartbeat := start
	sidecarNote := ""

	for r.clock.Now().Sub(start) < iterationTimeout {
		if rec.isCancelled() {
			return false, sidecarNote
		}

		_ = r.detector.Poll(name)
		if state, _ := r.detector.Classify(name); state != activity.Active {
			r.clock.Sleep(1 * time.Second)
			_ = r.detector.Poll(name)
			if state2, _ := r.detector.Classify(name); state2 != activity.Active {
				return true, sidecarNote
			}
		}

		now := r.clock.Now()
		if now.Sub(lastStatusUpdate) >= statusUpdateInterval {
			lastStatusUpdate = now
			tail, _ := r.driver.CaptureRecent(name, 500)
			text := ""
			if tail != nil {
				text = *tail
			}
			phrase := r.verifier.StatusSummary(context.Background(), rec.snapshot().Name, text)
			r.bus.Publish(events.StatusUpdate{Envelope: envelopeFor(rec), Message: phrase})

			if sc, hit := readSidecarStatus(projectPath); hit {
				if sc.Status == "completed" {
					return true, sidecarNote
				}
				if sc.Status == "error" && sc.Error != "" {
					sidecarNote = sc.Error
				}
			}
		}

		if now.Sub(lastHeartbeat) >= progressHeartbeat {
			lastHeartbeat = now
			r.bus.Publish(events.StatusUpdate{Envelope: envelopeFor(rec), Message: fmt.Sprintf("Iteration %d in progress", rec.iteration())})
		}

		r.clock.Sleep(pollInterval)
	}
	return false, sidecarNote
}

func (r *IterativeRunner) fail(rec *record, reason string) {
	r.bus.Publish(events.TaskFailed{Envelope: envelopeFor(rec), Error: reason})
	taskID, _ := rec.ids()
	r.reg.remove(taskID)
}

func (r *IterativeRunner) Pause(ctx context.Context, taskID string) error {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return ErrNotTracked
	}
	r.driver.SendEscape(rec.terminalName(), 2)
	rec.setPaused(true)
	r.bus.Publish(events.TaskPaused{Envelope: envelopeFor(rec)})
	return nil
}

func (r *IterativeRunner) Resume(ctx context.Context, taskID string) error {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return ErrNotTracked
	}
	r.driver.SendKeys(rec.terminalName(), "continue")
	rec.setPaused(false)
	r.bus.Publish(events.TaskResumed{Envelope: envelopeFor(rec)})
	return nil
}

// Cancel is idempotent: cancelling an untracked task is a no-op.
func (r *IterativeRunner) Cancel(ctx context.Context, taskID string) error {
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

func (r *IterativeRunner) Status(taskID string) Status {
	rec, ok := r.reg.get(taskID)
	if !ok {
		return Status{}
	}
	return Status{Running: !rec.isCancelled(), Iteration: rec.iteration(), Paused: rec.isPaused()}
}

var _ Runner = (*IterativeRunner)(nil)

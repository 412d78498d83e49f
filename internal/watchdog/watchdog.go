// Package watchdog implements the periodic SLA scanner: it warns,
// nudges, revives, and ultimately force-cancels tasks that stop making
// progress, and unblocks a session's queue when its active task has
// overstayed its welcome. It never drives a task directly; every
// corrective action either pokes the terminal session itself or goes
// through the Task Service's force-cancel path.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/activity"
	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/common/tracing"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/runner"
	"github.com/kandev/ralph/internal/store"
	"github.com/kandev/ralph/internal/terminal"
)

// healthCheckFreshWindow is how recent a session's last output change
// must be for the health check to count it as live progress.
const healthCheckFreshWindow = 30 * time.Second

// nudgeEscapeCount mirrors the Runner's own interrupt sequence.
const nudgeEscapeCount = 2

// TaskCanceller is the narrow Task Service slice the Watchdog drives.
type TaskCanceller interface {
	ForceCancel(ctx context.Context, id, reason string) error
}

// Config holds the SLA thresholds and sweep cadence.
type Config struct {
	Interval          time.Duration
	Warning           time.Duration
	Stuck             time.Duration
	Critical          time.Duration
	CriticalStarted   time.Duration
	QueueBlock        time.Duration
	MaxHealthFailures int
	Cols, Rows        int
}

// Watchdog is the periodic scanner.
type Watchdog struct {
	store    store.Store
	sessions runner.SessionLookup
	driver   terminal.Driver
	detector *activity.Detector
	tasks    TaskCanceller
	clock    clock.Clock
	logger   *logger.Logger
	cfg      Config

	mu      sync.Mutex
	backoff map[string]backoffState
}

type backoffState struct {
	delay time.Duration
	next  time.Time
}

// New constructs a Watchdog. cfg's zero Cols/Rows default to 220x50, the
// same default the Runner Framework uses for a revive.
func New(s store.Store, driver terminal.Driver, detector *activity.Detector, tasks TaskCanceller, clk clock.Clock, log *logger.Logger, cfg Config) *Watchdog {
	if cfg.Cols <= 0 {
		cfg.Cols = 220
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 50
	}
	return &Watchdog{
		store:    s,
		sessions: s,
		driver:   driver,
		detector: detector,
		tasks:    tasks,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "watchdog")),
		cfg:      cfg,
		backoff:  make(map[string]backoffState),
	}
}

// Run blocks, scanning every cfg.Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("watchdog started", zap.Duration("interval", w.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C():
			w.scan(ctx)
		}
	}
}

// scan is one sweep: a health check + threshold evaluation for every
// active task, followed by the queue-block check across sessions.
func (w *Watchdog) scan(ctx context.Context) {
	ctx, span := tracing.Tracer("ralphd-watchdog").Start(ctx, "watchdog.scan")
	defer span.End()

	tasks, err := w.store.ListTasksByStatuses(ctx, models.StatusRunning, models.StatusPaused)
	if err != nil {
		w.logger.Error("watchdog: failed to list active tasks", zap.Error(err))
		return
	}

	now := w.clock.Now()
	for _, task := range tasks {
		task = w.healthCheck(ctx, task, now)
		w.applyThresholds(ctx, task, now)
	}

	w.checkQueueBlocks(ctx, now)
}

// healthCheck asks two questions: does the session
// exist (reviving it within a retry budget if not); and if output arrived
// within the last 30s, progress is fresh and failures reset. It returns
// the task record as it stands after any reset, for the threshold pass
// that follows.
func (w *Watchdog) healthCheck(ctx context.Context, task *models.Task, now time.Time) *models.Task {
	session, err := w.sessions.GetSession(ctx, task.SessionID)
	if err != nil {
		w.logger.Warn("watchdog: session lookup failed", zap.String("task_id", task.ID), zap.Error(err))
		return task
	}
	name := session.TerminalSessionName

	if !w.driver.IsAlive(name) {
		if task.HealthCheckFailures >= w.cfg.MaxHealthFailures || !w.readyToRevive(name, now) {
			return task
		}
		if _, _, err := runner.EnsureAlive(ctx, w.driver, w.sessions, w.clock, w.cfg.Cols, w.cfg.Rows, session); err != nil {
			w.bumpBackoff(name, now)
			w.logger.Warn("watchdog: revive attempt failed", zap.String("task_id", task.ID), zap.String("session", name), zap.Error(err))
		} else {
			w.clearBackoff(name)
			w.logger.Info("watchdog: revived session", zap.String("task_id", task.ID), zap.String("session", name))
		}
		return task
	}

	_ = w.detector.Poll(name)
	since, ok := w.detector.Since(name)
	if ok && since <= healthCheckFreshWindow {
		w.clearBackoff(name)
		return w.resetProgress(ctx, task, now)
	}
	return task
}

func (w *Watchdog) resetProgress(ctx context.Context, task *models.Task, now time.Time) *models.Task {
	updated := task.Clone()
	updated.HealthCheckFailures = 0
	updated.LastProgressAt = &now
	if err := w.store.UpdateTask(ctx, updated); err != nil {
		w.logger.Error("watchdog: failed to reset progress", zap.String("task_id", task.ID), zap.Error(err))
		return task
	}
	return updated
}

// applyThresholds evaluates the Warning/Stuck/Critical table
// against how long task has gone without progress.
func (w *Watchdog) applyThresholds(ctx context.Context, task *models.Task, now time.Time) {
	if task.Status != models.StatusRunning {
		return
	}

	var sinceProgress time.Duration
	haveProgress := task.LastProgressAt != nil
	if haveProgress {
		sinceProgress = now.Sub(*task.LastProgressAt)
	} else if task.StartedAt != nil {
		sinceProgress = now.Sub(*task.StartedAt)
	}

	if sinceProgress >= w.cfg.Critical || (!haveProgress && task.StartedAt != nil && now.Sub(*task.StartedAt) >= w.cfg.CriticalStarted) {
		w.logger.Warn("watchdog: critical SLA breach, force-cancelling",
			zap.String("task_id", task.ID), zap.Duration("since_progress", sinceProgress))
		if err := w.tasks.ForceCancel(ctx, task.ID, "watchdog: no progress past the critical threshold"); err != nil {
			w.logger.Error("watchdog: force-cancel failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	if sinceProgress >= w.cfg.Stuck {
		w.handleStuck(ctx, task, now)
		return
	}

	if sinceProgress >= w.cfg.Warning {
		w.logger.Warn("watchdog: task stalled", zap.String("task_id", task.ID), zap.Duration("since_progress", sinceProgress))
	}
}

// handleStuck increments health_check_failures, nudges the session
// (Ctrl-C, 500ms, Escape x2) when it is alive, and force-cancels once the
// failure budget is exhausted. A dead session is not revived here; the
// revive attempt belongs to healthCheck, earlier in the same scan.
func (w *Watchdog) handleStuck(ctx context.Context, task *models.Task, now time.Time) {
	failures := task.HealthCheckFailures + 1
	updated := task.Clone()
	updated.HealthCheckFailures = failures
	if err := w.store.UpdateTask(ctx, updated); err != nil {
		w.logger.Error("watchdog: failed to bump health_check_failures", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if failures >= w.cfg.MaxHealthFailures {
		reason := fmt.Sprintf("unresponsive after %d recovery attempts", failures)
		w.logger.Warn("watchdog: recovery budget exhausted, force-cancelling", zap.String("task_id", task.ID), zap.Int("failures", failures))
		if err := w.tasks.ForceCancel(ctx, task.ID, reason); err != nil {
			w.logger.Error("watchdog: force-cancel failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	session, err := w.sessions.GetSession(ctx, task.SessionID)
	if err != nil {
		return
	}
	name := session.TerminalSessionName
	if !w.driver.IsAlive(name) {
		return
	}
	w.logger.Info("watchdog: nudging stuck session", zap.String("task_id", task.ID), zap.String("session", name))
	w.driver.SendCtrlC(name)
	w.clock.Sleep(500 * time.Millisecond)
	w.driver.SendEscape(name, nudgeEscapeCount)
}

// checkQueueBlocks force-cancels a session's active task once its oldest
// queued task has waited QueueBlock and the blocker has itself run for at
// least QueueBlock, unsticking the queue.
func (w *Watchdog) checkQueueBlocks(ctx context.Context, now time.Time) {
	queued, err := w.store.ListTasksByStatuses(ctx, models.StatusQueued)
	if err != nil {
		w.logger.Error("watchdog: failed to list queued tasks", zap.Error(err))
		return
	}

	oldestWaitBySession := make(map[string]time.Duration)
	for _, t := range queued {
		wait := now.Sub(t.CreatedAt)
		if cur, ok := oldestWaitBySession[t.SessionID]; !ok || wait > cur {
			oldestWaitBySession[t.SessionID] = wait
		}
	}

	for sessionID, wait := range oldestWaitBySession {
		if wait < w.cfg.QueueBlock {
			continue
		}
		blocker, err := w.store.ActiveTaskForSession(ctx, sessionID)
		if err != nil || blocker == nil || blocker.StartedAt == nil {
			continue
		}
		if now.Sub(*blocker.StartedAt) < w.cfg.QueueBlock {
			continue
		}
		w.logger.Warn("watchdog: queue blocked, force-cancelling blocker",
			zap.String("session_id", sessionID), zap.String("blocker_task_id", blocker.ID))
		if err := w.tasks.ForceCancel(ctx, blocker.ID, "watchdog: force-cancelled to unblock session queue"); err != nil {
			w.logger.Error("watchdog: force-cancel failed", zap.String("task_id", blocker.ID), zap.Error(err))
		}
	}
}

func (w *Watchdog) readyToRevive(name string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.backoff[name]
	if !ok {
		return true
	}
	return !now.Before(st.next)
}

func (w *Watchdog) bumpBackoff(name string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.backoff[name]
	delay := time.Second
	if ok {
		delay = st.delay * 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	w.backoff[name] = backoffState{delay: delay, next: now.Add(delay)}
}

func (w *Watchdog) clearBackoff(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.backoff, name)
}

package taskservice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/common/clock"
	apperrors "github.com/kandev/ralph/internal/common/errors"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/events"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/runner"
	"github.com/kandev/ralph/internal/store"
)

// fakeRunner is a minimal runner.Runner double that the test drives
// directly: Start just marks the task tracked, and the test triggers
// terminal events itself via the bus to exercise the subscriber.
type fakeRunner struct {
	mu        sync.Mutex
	kind      models.RunnerKind
	started   map[string]bool
	startErr  error
	cancelled map[string]bool
}

func newFakeRunner(kind models.RunnerKind) *fakeRunner {
	return &fakeRunner{kind: kind, started: make(map[string]bool), cancelled: make(map[string]bool)}
}

func (f *fakeRunner) Accepts(task *models.Task) bool { return task.RunnerKind == f.kind }

func (f *fakeRunner) Start(ctx context.Context, task *models.Task) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started[task.ID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) Pause(ctx context.Context, taskID string) error  { return nil }
func (f *fakeRunner) Resume(ctx context.Context, taskID string) error { return nil }
func (f *fakeRunner) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.cancelled[taskID] = true
	f.mu.Unlock()
	return nil
}
func (f *fakeRunner) Status(taskID string) runner.Status { return runner.Status{} }

func (f *fakeRunner) wasStarted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[id]
}

func newTestService(t *testing.T) (*Service, store.Store, *fakeRunner, events.Bus, *clock.Mock) {
	t.Helper()
	s := store.NewMemoryStore()
	r := newFakeRunner(models.RunnerIterative)
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := events.NewInProcessBus(clk, logger.Default(), nil)
	reg := runner.NewRegistry(r)
	svc := New(s, reg, bus, clk, logger.Default())
	return svc, s, r, bus, clk
}

func mustCreateSession(t *testing.T, s store.Store) *models.Session {
	t.Helper()
	sess := &models.Session{Name: "s1", ProjectPath: "/tmp/proj", AgentKind: models.AgentClaude, TerminalSessionName: "ralph-s1"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestCreate_DefaultsAndValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	sess := mustCreateSession(t, svc.store)

	task, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "do work"})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, task.Status)
	require.Equal(t, models.DefaultMaxIterations, task.MaxIterations)
	require.Equal(t, models.RunnerIterative, task.RunnerKind)

	_, err = svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "", Prompt: "x"})
	require.Error(t, err, "expected validation error for missing name")

	_, err = svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "n", Prompt: "x", MaxIterations: 101})
	require.Error(t, err, "expected validation error for max_iterations out of range")
}

func TestStart_RejectsDuplicateActiveTaskPerSession(t *testing.T) {
	svc, s, r, _, _ := newTestService(t)
	sess := mustCreateSession(t, s)

	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background(), t1.ID))
	require.True(t, r.wasStarted(t1.ID), "expected runner.Start to be called for t1")

	t2, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t2", Prompt: "p2"})
	require.NoError(t, err)
	err = svc.Start(context.Background(), t2.ID)
	require.Error(t, err, "expected Start(t2) to fail while t1 is active")

	got, err := s.GetTask(context.Background(), t2.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status, "t2 status after rejected start")
}

func TestQueue_AssignsPositionAndAutoPromotesOnCompletion(t *testing.T) {
	svc, s, _, bus, _ := newTestService(t)
	sess := mustCreateSession(t, s)

	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background(), t1.ID))

	t2, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t2", Prompt: "p2"})
	require.NoError(t, err)
	require.NoError(t, svc.Queue(context.Background(), t2.ID))

	got, err := s.GetTask(context.Background(), t2.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.NotNil(t, got.QueuePosition)
	require.Equal(t, 1, *got.QueuePosition)

	// Complete t1 via a runner-reported task:complete event; the
	// subscriber should finish t1 and auto-promote t2.
	done := make(chan struct{})
	unsub := bus.Subscribe(func(e events.Event) {
		if e.Kind() == events.KindTaskComplete {
			close(done)
		}
	})
	defer unsub()
	bus.Publish(events.TaskComplete{
		Envelope: events.Envelope{TaskID: t1.ID, SessionID: sess.ID, Task: t1},
		Result:   "ok",
	})
	<-done

	waitForCondition(t, func() bool {
		got, _ := s.GetTask(context.Background(), t1.ID)
		return got.Status == models.StatusCompleted
	})
	waitForCondition(t, func() bool {
		got, _ := s.GetTask(context.Background(), t2.ID)
		return got.Status == models.StatusRunning
	})

	final2, err := s.GetTask(context.Background(), t2.ID)
	require.NoError(t, err)
	require.Nil(t, final2.QueuePosition, "want nil queue_position after promotion")
}

func TestUnqueue_RestoresPendingState(t *testing.T) {
	svc, s, _, _, _ := newTestService(t)
	sess := mustCreateSession(t, s)
	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)
	require.NoError(t, svc.Queue(context.Background(), t1.ID))
	require.NoError(t, svc.Unqueue(context.Background(), t1.ID))

	got, err := s.GetTask(context.Background(), t1.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Nil(t, got.QueuePosition)
}

func TestCancel_TerminalTaskIsNoOp(t *testing.T) {
	svc, s, _, _, clk := newTestService(t)
	sess := mustCreateSession(t, s)
	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)

	now := clk.Now()
	t1.Status = models.StatusCompleted
	t1.CompletedAt = &now
	require.NoError(t, s.UpdateTask(context.Background(), t1))

	err = svc.Cancel(context.Background(), t1.ID, false)
	require.NoError(t, err, "Cancel on terminal task should be a no-op")

	got, err := s.GetTask(context.Background(), t1.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status, "status should not change after no-op cancel")
}

func TestForceCancel_WritesDirectlyAndProcessesQueue(t *testing.T) {
	svc, s, r, _, _ := newTestService(t)
	sess := mustCreateSession(t, s)
	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background(), t1.ID))

	t2, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t2", Prompt: "p2"})
	require.NoError(t, err)
	require.NoError(t, svc.Queue(context.Background(), t2.ID))

	require.NoError(t, svc.ForceCancel(context.Background(), t1.ID, "watchdog: unresponsive"))

	got1, err := s.GetTask(context.Background(), t1.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got1.Status)
	require.NotNil(t, got1.Error)
	require.Equal(t, "watchdog: unresponsive", *got1.Error)
	require.True(t, r.cancelled[t1.ID], "expected runner.Cancel to be invoked for t1")
	require.True(t, r.wasStarted(t2.ID), "expected t2 to be auto-started once t1's slot freed up")

	// Idempotent: a second force-cancel on the now-terminal t1 is a no-op.
	require.NoError(t, svc.ForceCancel(context.Background(), t1.ID, "again"))
	got1Again, err := s.GetTask(context.Background(), t1.ID)
	require.NoError(t, err)
	require.Equal(t, "watchdog: unresponsive", *got1Again.Error, "error should not be overwritten by idempotent force-cancel")
}

func TestUpdate_OnlyAllowedWhilePending(t *testing.T) {
	svc, s, _, _, _ := newTestService(t)
	sess := mustCreateSession(t, s)
	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)

	newName := "renamed"
	require.NoError(t, svc.Update(context.Background(), t1.ID, UpdateInput{Name: &newName}))
	got, err := s.GetTask(context.Background(), t1.ID)
	require.NoError(t, err)
	require.Equal(t, newName, got.Name)

	require.NoError(t, svc.Start(context.Background(), t1.ID))
	err = svc.Update(context.Background(), t1.ID, UpdateInput{Name: &newName})
	require.Error(t, err, "expected Update to fail once task is running")
}

func TestCompleteManual_RejectsNonManualTasks(t *testing.T) {
	svc, s, _, _, _ := newTestService(t)
	sess := mustCreateSession(t, s)
	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1", RunnerKind: models.RunnerIterative})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background(), t1.ID))

	err = svc.CompleteManual(context.Background(), t1.ID, "result")
	require.Error(t, err, "expected CompleteManual to reject a non-manual task")
}

func TestDelete_CancelsActiveTaskFirst(t *testing.T) {
	svc, s, r, _, _ := newTestService(t)
	sess := mustCreateSession(t, s)
	t1, err := svc.Create(context.Background(), CreateInput{SessionID: sess.ID, Name: "t1", Prompt: "p1"})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background(), t1.ID))

	require.NoError(t, svc.Delete(context.Background(), t1.ID))
	require.True(t, r.cancelled[t1.ID], "expected Delete to cancel the active task before removing it")

	_, err = s.GetTask(context.Background(), t1.ID)
	require.True(t, apperrors.IsNotFound(err), "expected task to be gone after Delete, got err=%v", err)
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

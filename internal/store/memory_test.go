package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/models"
)

func newTestSession(s *MemoryStore, t *testing.T) *models.Session {
	t.Helper()
	sess := &models.Session{
		Name:                "test-session",
		ProjectPath:         "/tmp/project",
		TerminalSessionName: "ralph-test-session",
		AgentKind:           models.AgentClaude,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestMemoryStore_CreateAndGetTask(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)

	task := &models.Task{
		SessionID:     sess.ID,
		Name:          "do the thing",
		Prompt:        "do the thing",
		RunnerKind:    models.RunnerIterative,
		Status:        models.StatusPending,
		MaxIterations: 10,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	require.NotEmpty(t, task.ID, "expected CreateTask to assign an ID")

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Name, got.Name)

	// GetTask must return a copy: mutating it must not affect the store.
	got.Name = "mutated"
	again, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, "do the thing", again.Name, "store was mutated through a returned clone")
}

func TestMemoryStore_GetTask_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetTask(context.Background(), "missing")
	require.Error(t, err, "expected an error for a missing task")
}

func TestMemoryStore_WithTx_NestedReusesOuter(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)

	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		task := &models.Task{SessionID: sess.ID, Name: "n", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPending}
		if err := s.CreateTask(ctx, task); err != nil {
			return err
		}
		// Nested WithTx must reuse the already-held lock, not deadlock.
		return s.WithTx(ctx, func(ctx context.Context) error {
			task.Status = models.StatusQueued
			return s.UpdateTask(ctx, task)
		})
	})
	require.NoError(t, err)
}

func TestMemoryStore_WithTx_RollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)

	task := &models.Task{SessionID: sess.ID, Name: "n", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPending}
	require.NoError(t, s.CreateTask(context.Background(), task))

	wantErr := context.Canceled
	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		task.Status = models.StatusRunning
		if err := s.UpdateTask(ctx, task); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// The write made inside fn is undone because fn returned an error.
	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status, "expected WithTx to roll back the in-progress write")
}

func TestMemoryStore_ActiveTaskForSession(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)
	ctx := context.Background()

	none, err := s.ActiveTaskForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, none, "expected no active task")

	running := &models.Task{SessionID: sess.ID, Name: "n", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusRunning}
	require.NoError(t, s.CreateTask(ctx, running))

	active, err := s.ActiveTaskForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, active, "expected to find the running task")
	require.Equal(t, running.ID, active.ID)
}

func TestMemoryStore_NextQueuePosition(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)
	ctx := context.Background()

	pos, err := s.NextQueuePosition(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pos, "first queue position")

	p1 := 1
	queued := &models.Task{SessionID: sess.ID, Name: "n", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusQueued, QueuePosition: &p1}
	require.NoError(t, s.CreateTask(ctx, queued))

	pos, err = s.NextQueuePosition(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 2, pos, "next queue position")
}

func TestMemoryStore_ListQueuedBySession_OrderedByPosition(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)
	ctx := context.Background()

	p2, p1, p3 := 2, 1, 3
	for _, p := range []*int{&p2, &p1, &p3} {
		task := &models.Task{SessionID: sess.ID, Name: "n", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusQueued, QueuePosition: p}
		require.NoError(t, s.CreateTask(ctx, task))
	}

	queued, err := s.ListQueuedBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	for i, want := range []int{1, 2, 3} {
		require.Equal(t, want, *queued[i].QueuePosition, "queued[%d].QueuePosition", i)
	}
}

func TestMemoryStore_ListArchivable(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-60 * 24 * time.Hour)
	recent := now.Add(-1 * time.Hour)

	oldTask := &models.Task{SessionID: sess.ID, Name: "old", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusCompleted, CompletedAt: &old}
	recentTask := &models.Task{SessionID: sess.ID, Name: "recent", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusCompleted, CompletedAt: &recent}
	activeTask := &models.Task{SessionID: sess.ID, Name: "active", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusRunning}

	for _, task := range []*models.Task{oldTask, recentTask, activeTask} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	cutoff := now.Add(-30 * 24 * time.Hour)
	archivable, err := s.ListArchivable(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, archivable, 1, "want only the old completed task")
	require.Equal(t, oldTask.ID, archivable[0].ID)
}

func TestMemoryStore_DeleteSession_CascadesTasks(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(s, t)
	ctx := context.Background()

	task := &models.Task{SessionID: sess.ID, Name: "n", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPending}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err := s.GetTask(ctx, task.ID)
	require.Error(t, err, "expected task to be cascade-deleted with its session")
}

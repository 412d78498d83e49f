package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/models"
)

// errRollbackMarker is a sentinel used only to force WithTx down its
// rollback path in TestSQLiteStore_WithTxCommitsAndRollsBack.
var errRollbackMarker = errors.New("rollback marker")

func createTestSQLiteStore(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create sqlite store")
	return s, func() { s.Close() }
}

func TestSQLiteStore_SeedsDefaultVerifierConfig(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	cfg, err := s.GetVerifierConfig(ctx)
	require.NoError(t, err)
	require.False(t, cfg.Enabled, "expected verifier disabled by default")
	require.Equal(t, "gpt-4o-mini", cfg.Model)
}

func TestSQLiteStore_SessionCRUD(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	sess := &models.Session{
		Name:                "s1",
		ProjectPath:         "/tmp/proj",
		TerminalSessionName: "ralph-s1",
		AgentKind:           models.AgentClaude,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID, "expected session ID to be set")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "s1", got.Name)

	byName, err := s.GetSessionByName(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, sess.ID, byName.ID, "GetSessionByName returned a different session")

	require.NoError(t, s.UpdateSessionTerminal(ctx, sess.ID, "ralph-s1-1700000000"))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "ralph-s1-1700000000", got.TerminalSessionName, "terminal name not updated")

	now := time.Now().UTC()
	require.NoError(t, s.MarkSessionAccessed(ctx, sess.ID, now))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	require.Error(t, err, "expected session to be deleted")
}

func TestSQLiteStore_SessionNotFound(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.GetSession(ctx, "nonexistent")
	require.Error(t, err, "expected error for nonexistent session")

	err = s.MarkSessionAccessed(ctx, "nonexistent", time.Now())
	require.Error(t, err, "expected error marking nonexistent session accessed")

	err = s.DeleteSession(ctx, "nonexistent")
	require.Error(t, err, "expected error deleting nonexistent session")
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{Name: "a", ProjectPath: "/a", TerminalSessionName: "ralph-a", AgentKind: models.AgentClaude}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{Name: "b", ProjectPath: "/b", TerminalSessionName: "ralph-b", AgentKind: models.AgentOpenCode}))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func mustSession(t *testing.T, s *SQLiteStore, ctx context.Context) *models.Session {
	t.Helper()
	sess := &models.Session{Name: "s1", ProjectPath: "/tmp", TerminalSessionName: "ralph-s1", AgentKind: models.AgentClaude}
	require.NoError(t, s.CreateSession(ctx, sess))
	return sess
}

func TestSQLiteStore_TaskCRUD(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	sess := mustSession(t, s, ctx)

	task := &models.Task{
		SessionID:     sess.ID,
		Name:          "t1",
		Prompt:        "do the thing",
		RunnerKind:    models.RunnerIterative,
		Status:        models.StatusPending,
		MaxIterations: 10,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID, "expected task ID to be set")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "do the thing", got.Prompt)

	got.Status = models.StatusRunning
	now := time.Now().UTC()
	got.StartedAt = &now
	require.NoError(t, s.UpdateTask(ctx, got))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt, "expected started_at to round-trip")

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	require.Error(t, err, "expected task to be deleted")
}

func TestSQLiteStore_TaskNotFound(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.GetTask(ctx, "nonexistent")
	require.Error(t, err, "expected error for nonexistent task")

	err = s.UpdateTask(ctx, &models.Task{ID: "nonexistent"})
	require.Error(t, err, "expected error updating nonexistent task")

	err = s.DeleteTask(ctx, "nonexistent")
	require.Error(t, err, "expected error deleting nonexistent task")
}

func TestSQLiteStore_ActiveTaskForSession(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	sess := mustSession(t, s, ctx)

	none, err := s.ActiveTaskForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, none, "expected no active task before any exist")

	task := &models.Task{SessionID: sess.ID, Name: "t1", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusRunning}
	require.NoError(t, s.CreateTask(ctx, task))

	active, err := s.ActiveTaskForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, active, "expected the running task to be returned as active")
	require.Equal(t, task.ID, active.ID)
}

func TestSQLiteStore_QueueOrderingAndNextPosition(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	sess := mustSession(t, s, ctx)

	pos, err := s.NextQueuePosition(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pos, "first queue position")

	p1, p2 := 1, 2
	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "q1", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusQueued, QueuePosition: &p1}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "q2", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusQueued, QueuePosition: &p2}))

	pos, err = s.NextQueuePosition(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 3, pos, "next queue position")

	queued, err := s.ListQueuedBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "q1", queued[0].Name)
	require.Equal(t, "q2", queued[1].Name)
}

func TestSQLiteStore_ListTasksByStatuses(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	sess := mustSession(t, s, ctx)

	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "running", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusRunning}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "paused", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPaused}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "pending", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPending}))

	tasks, err := s.ListTasksByStatuses(ctx, models.StatusRunning, models.StatusPaused)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestSQLiteStore_ListArchivable(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	sess := mustSession(t, s, ctx)

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC().Add(-1 * time.Hour)

	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "old-done", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusCompleted, CompletedAt: &old}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{SessionID: sess.ID, Name: "recent-done", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusCompleted, CompletedAt: &recent}))

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	archivable, err := s.ListArchivable(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, archivable, 1)
	require.Equal(t, "old-done", archivable[0].Name)
}

func TestSQLiteStore_VerifierConfigRoundTrip(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	cfg := models.VerifierConfig{Enabled: true, APIURL: "https://example.com/v1", APIKey: "sk-test", Model: "gpt-4o", MaxTokens: 750}
	require.NoError(t, s.SetVerifierConfig(ctx, cfg))

	got, err := s.GetVerifierConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestSQLiteStore_WithTxCommitsAndRollsBack(t *testing.T) {
	s, cleanup := createTestSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	sess := mustSession(t, s, ctx)

	err := s.WithTx(ctx, func(txCtx context.Context) error {
		return s.CreateTask(txCtx, &models.Task{SessionID: sess.ID, Name: "committed", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPending})
	})
	require.NoError(t, err, "WithTx commit path")

	tasks, err := s.ListTasksBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "expected the committed task to be visible")

	errBoom := s.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.CreateTask(txCtx, &models.Task{SessionID: sess.ID, Name: "rolled-back", Prompt: "p", RunnerKind: models.RunnerIterative, Status: models.StatusPending}); err != nil {
			return err
		}
		return errRollbackMarker
	})
	require.ErrorIs(t, errBoom, errRollbackMarker, "expected WithTx to surface the marker error")

	tasks, err = s.ListTasksBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "expected the rolled-back task to not persist")
}

func TestSQLiteStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "persist.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	sess := &models.Session{Name: "persisted", ProjectPath: "/tmp", TerminalSessionName: "ralph-persisted", AgentKind: models.AgentClaude}
	require.NoError(t, s1.CreateSession(ctx, sess))
	s1.Close()

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err, "reopen NewSQLiteStore")
	defer s2.Close()

	got, err := s2.GetSessionByName(ctx, "persisted")
	require.NoError(t, err, "GetSessionByName after reopen")
	require.Equal(t, sess.ID, got.ID, "expected the same session to be readable after reopening the database")
}

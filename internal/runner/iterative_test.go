package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/activity"
	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/verifier"
)

func newTestIterativeRunner() (*IterativeRunner, *fakeDriver, *fakeSessions) {
	driver := newFakeDriver()
	sessions := newFakeSessions()
	clk := clock.NewMock(time.Now())
	det := activity.New(driver, clk, 3*time.Second, 6*time.Second)
	bus := newTestBus()
	v := verifier.New(noopConfigSource{}, logger.Default())
	r := NewIterativeRunner(driver, det, v, bus, sessions, clk, logger.Default(), 80, 24)
	return r, driver, sessions
}

type noopConfigSource struct{}

func (noopConfigSource) VerifierConfig(ctx context.Context) (models.VerifierConfig, error) {
	return models.VerifierConfig{Enabled: false}, nil
}

func TestIterativeRunner_AcceptsOnlyIterativeTasks(t *testing.T) {
	r, _, _ := newTestIterativeRunner()
	require.True(t, r.Accepts(&models.Task{RunnerKind: models.RunnerIterative}))
	require.False(t, r.Accepts(&models.Task{RunnerKind: models.RunnerSingleShot}))
}

func TestIterativeRunner_StartRejectsDuplicate(t *testing.T) {
	r, driver, sessions := newTestIterativeRunner()
	sess := &models.Session{ID: "s1", TerminalSessionName: "ralph-s1", AgentKind: models.AgentClaude}
	sessions.sessions["s1"] = sess
	driver.alive["ralph-s1"] = true
	task := &models.Task{ID: "t1", SessionID: "s1", Prompt: "p", RunnerKind: models.RunnerIterative, MaxIterations: 10}

	require.NoError(t, r.Start(context.Background(), task))
	err := r.Start(context.Background(), task)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestIterativeRunner_StartFailsWhenSessionMissing(t *testing.T) {
	r, _, _ := newTestIterativeRunner()
	task := &models.Task{ID: "t1", SessionID: "missing", Prompt: "p", RunnerKind: models.RunnerIterative}

	err := r.Start(context.Background(), task)
	require.Error(t, err, "expected an error when the backing session does not exist")
}

func TestIterativeRunner_PauseResumeRequireTracking(t *testing.T) {
	r, _, _ := newTestIterativeRunner()
	err := r.Pause(context.Background(), "untracked")
	require.ErrorIs(t, err, ErrNotTracked)
	err = r.Resume(context.Background(), "untracked")
	require.ErrorIs(t, err, ErrNotTracked)
}

func TestIterativeRunner_PauseThenResumeTogglesStatus(t *testing.T) {
	r, driver, sessions := newTestIterativeRunner()
	sess := &models.Session{ID: "s1", TerminalSessionName: "ralph-s1", AgentKind: models.AgentClaude}
	sessions.sessions["s1"] = sess
	driver.alive["ralph-s1"] = true
	task := &models.Task{ID: "t1", SessionID: "s1", Prompt: "p", RunnerKind: models.RunnerIterative, MaxIterations: 10}
	require.NoError(t, r.Start(context.Background(), task))

	require.NoError(t, r.Pause(context.Background(), "t1"))
	require.True(t, r.Status("t1").Paused)

	require.NoError(t, r.Resume(context.Background(), "t1"))
	require.False(t, r.Status("t1").Paused)
}

func TestIterativeRunner_CancelOnUntrackedTaskIsNoOp(t *testing.T) {
	r, _, _ := newTestIterativeRunner()
	err := r.Cancel(context.Background(), "never-started")
	require.NoError(t, err)
}

func TestIterativeRunner_CancelDeregistersTrackedTask(t *testing.T) {
	r, driver, sessions := newTestIterativeRunner()
	sess := &models.Session{ID: "s1", TerminalSessionName: "ralph-s1", AgentKind: models.AgentClaude}
	sessions.sessions["s1"] = sess
	driver.alive["ralph-s1"] = true
	task := &models.Task{ID: "t1", SessionID: "s1", Prompt: "p", RunnerKind: models.RunnerIterative, MaxIterations: 10}
	require.NoError(t, r.Start(context.Background(), task))

	require.NoError(t, r.Cancel(context.Background(), "t1"))
	require.False(t, r.Status("t1").Running, "expected task to be deregistered after Cancel")
}

func TestIterativeRunner_StatusForUntrackedTaskIsZeroValue(t *testing.T) {
	r, _, _ := newTestIterativeRunner()
	status := r.Status("unknown")
	require.False(t, status.Running)
	require.Zero(t, status.Iteration)
	require.False(t, status.Paused)
}

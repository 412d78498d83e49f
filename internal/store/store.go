// Package store defines the Session Store: typed persistence for
// sessions, tasks, and the verifier's persisted config record.
// Store is a narrow interface so the rest of the supervisor never
// depends on a concrete SQL driver; sqlite.go and postgres.go are the two
// concrete implementations the composition root picks between via
// config.DatabaseConfig.Driver.
package store

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/kandev/ralph/internal/common/errors"
	"github.com/kandev/ralph/internal/models"
)

// ErrNotFound is wrapped into apperrors.NotFound by callers that know the
// resource kind; it exists so driver code has one sentinel to return.
var ErrNotFound = errors.New("not found")

// Store is the Session Store contract. Every read-modify-write sequence
// (queue position allocation, the single-active-task-per-session check)
// must run inside WithTx so the store itself serializes the race.
type Store interface {
	// Sessions

	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByName(ctx context.Context, name string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	MarkSessionAccessed(ctx context.Context, id string, at time.Time) error
	// UpdateSessionTerminal rebinds the terminal session name, used when
	// a revive renames the underlying terminal-multiplexer session.
	UpdateSessionTerminal(ctx context.Context, id string, terminalSessionName string) error

	// Tasks

	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// UpdateTask replaces every mutable field of the stored task with t's.
	UpdateTask(ctx context.Context, t *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasksBySession(ctx context.Context, sessionID string) ([]*models.Task, error)
	// ListQueuedBySession returns queued tasks ordered by queue_position ascending.
	ListQueuedBySession(ctx context.Context, sessionID string) ([]*models.Task, error)
	// ActiveTaskForSession returns the task with status in
	// {running, paused} for sessionID, or nil if there is none.
	ActiveTaskForSession(ctx context.Context, sessionID string) (*models.Task, error)
	// ListTasksByStatuses returns every task whose status is one of statuses,
	// across all sessions, the watchdog's scan primitive.
	ListTasksByStatuses(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error)
	// ListArchivable returns terminal, non-archived tasks completed
	// before cutoff, the auto-archive sweep's primitive.
	ListArchivable(ctx context.Context, cutoff time.Time) ([]*models.Task, error)
	// NextQueuePosition returns max(queue_position for session's queued
	// tasks) + 1, computed inside the caller's transaction.
	NextQueuePosition(ctx context.Context, sessionID string) (int, error)

	// WithTx runs fn with a context that binds every Store call inside it
	// to one transaction. fn's error rolls the transaction back; a nil
	// return commits.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Verifier config (persisted key/value record)

	GetVerifierConfig(ctx context.Context) (models.VerifierConfig, error)
	SetVerifierConfig(ctx context.Context, cfg models.VerifierConfig) error

	Close() error
}

// NotFoundError wraps ErrNotFound as the typed application error so
// callers above the store can branch on apperrors.IsNotFound.
func NotFoundError(resource, id string) error {
	e := apperrors.NotFound(resource, id)
	e.Err = ErrNotFound
	return e
}

// WrapStoreError wraps any driver-level error (not a not-found) as a
// StoreError so callers above the store can propagate it untouched.
func WrapStoreError(message string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.StoreError(message, err)
}

package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/models"
	"github.com/kandev/ralph/internal/terminal"
)

// SessionLookup is the narrow slice of store.Store the runner framework
// needs: reading a session's attributes and rebinding its terminal name
// after a revive. Runners never touch task records through this
// interface; that stays the Task Service's job.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionTerminal(ctx context.Context, id string, terminalSessionName string) error
	MarkSessionAccessed(ctx context.Context, id string, at time.Time) error
}

// agentCommand maps a session's agent kind to the command its terminal
// session runs on (re)create.
func agentCommand(kind models.AgentKind) string {
	switch kind {
	case models.AgentBash:
		return "bash"
	default:
		return string(kind)
	}
}

// EnsureAlive is ensureAlive exported for the Watchdog's health check,
// which needs the identical revive mechanics outside this package.
func EnsureAlive(ctx context.Context, driver terminal.Driver, sessions SessionLookup, clk clock.Clock, cols, rows int, session *models.Session) (name string, revived bool, err error) {
	return ensureAlive(ctx, driver, sessions, clk, cols, rows, session)
}

// ensureAlive makes sure session's terminal session exists, reviving it
// if dead, and reports whether a revive happened (callers use this to
// decide whether to pay the post-revive settle delay).
func ensureAlive(ctx context.Context, driver terminal.Driver, sessions SessionLookup, clk clock.Clock, cols, rows int, session *models.Session) (name string, revived bool, err error) {
	name = session.TerminalSessionName
	if driver.IsAlive(name) {
		return name, false, nil
	}
	name, err = revive(ctx, driver, sessions, clk, cols, rows, session)
	return name, true, err
}

// revive recreates session's terminal session running its agent command,
// trying the existing name first and falling back to a timestamp-suffixed
// name if the first Create collides with a stale entry. The initial
// prompt, if any, is replayed once the session exists.
func revive(ctx context.Context, driver terminal.Driver, sessions SessionLookup, clk clock.Clock, cols, rows int, session *models.Session) (string, error) {
	command := agentCommand(session.AgentKind)
	name := session.TerminalSessionName

	if err := driver.Create(name, session.ProjectPath, command, cols, rows); err != nil {
		name = fmt.Sprintf("%s-%d", session.TerminalSessionName, clk.Now().UnixNano())
		if err2 := driver.Create(name, session.ProjectPath, command, cols, rows); err2 != nil {
			return "", fmt.Errorf("revive failed: %w", err2)
		}
	}

	if name != session.TerminalSessionName {
		if err := sessions.UpdateSessionTerminal(ctx, session.ID, name); err != nil {
			return "", err
		}
		// Keep the caller's in-memory copy current so a later ensureAlive
		// on the same task sees the renamed session as alive.
		session.TerminalSessionName = name
	}
	if session.InitialPrompt != nil && *session.InitialPrompt != "" {
		driver.SendKeys(name, *session.InitialPrompt)
	}
	_ = sessions.MarkSessionAccessed(ctx, session.ID, clk.Now())
	return name, nil
}

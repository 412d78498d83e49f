// Package terminal is the opaque driver over a detached terminal
// multiplexer: create/kill/alive/list sessions, send keys and control
// bytes, capture recent output and scrollback. The multiplexer itself is
// treated as an external collaborator; this package never reproduces
// its behavior, it only shells out to it.
package terminal

// Driver is the contract the rest of the supervisor depends on. All
// operations are synchronous from the caller's point of view (each shells
// out to one external-binary invocation) and fail-soft where noted:
// missing sessions are reported as ordinary return values, never panics.
type Driver interface {
	// Create spawns a detached session named name, in directory cwd,
	// running command, sized cols x rows. Failure is fatal to the
	// caller: the driver constructor already verified the binary
	// exists, so a Create failure means something is wrong with this
	// specific invocation (bad cwd, name collision).
	Create(name, cwd, command string, cols, rows int) error

	// Kill is best-effort; killing an absent session silently succeeds.
	Kill(name string) error

	// IsAlive reports whether name currently exists.
	IsAlive(name string) bool

	// List returns the names of all supervisor-owned sessions.
	List() ([]string, error)

	// SendKeys appends text followed by a newline. Returns false, not an
	// error, when the session is missing.
	SendKeys(name, text string) bool

	// SendCtrlC sends an interrupt byte. Best-effort.
	SendCtrlC(name string) bool

	// SendEscape sends Escape count times. Best-effort.
	SendEscape(name string, count int) bool

	// CaptureRecent returns the last lines lines of the pane, or nil if
	// the session is missing.
	CaptureRecent(name string, lines int) (*string, error)

	// CaptureScrollback returns up to lines lines of scrollback.
	CaptureScrollback(name string, lines int) (string, error)
}

// Recommended capture sizes.
const (
	PersistenceScrollbackLines = 10000
	VerificationScrollbackMax  = 5000
)

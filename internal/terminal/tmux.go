package terminal

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// TmuxDriver shells out to the tmux binary, one process per call; no
// persistent daemon connection is held on our side (tmux itself is the
// daemon). Per the subprocess-driver design note, absence of the binary
// is a startup-time fatal error, checked once here, never per call.
type TmuxDriver struct {
	bin    string
	prefix string
	logger *logger.Logger
}

// NewTmuxDriver resolves bin on PATH and returns a Driver restricted to
// sessions named prefix+<suffix>. It returns an error if tmux cannot be
// found; callers should treat that as fatal at startup.
func NewTmuxDriver(bin, prefix string, log *logger.Logger) (*TmuxDriver, error) {
	if bin == "" {
		bin = "tmux"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("tmux binary %q not found on PATH: %w", bin, err)
	}
	return &TmuxDriver{bin: path, prefix: prefix, logger: log.WithFields(zap.String("component", "terminal-driver"))}, nil
}

func (d *TmuxDriver) qualify(name string) string {
	if strings.HasPrefix(name, d.prefix) {
		return name
	}
	return d.prefix + name
}

func (d *TmuxDriver) run(args ...string) ([]byte, error) {
	return exec.Command(d.bin, args...).CombinedOutput()
}

// Create spawns a detached tmux session running command.
func (d *TmuxDriver) Create(name, cwd, command string, cols, rows int) error {
	full := d.qualify(name)
	args := []string{
		"new-session", "-d", "-s", full,
		"-c", cwd,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
		command,
	}
	out, err := d.run(args...)
	if err != nil {
		return fmt.Errorf("tmux new-session failed: %w: %s", err, string(out))
	}
	return nil
}

// Kill is best-effort: killing a session that does not exist is not an error.
func (d *TmuxDriver) Kill(name string) error {
	_, _ = d.run("kill-session", "-t", d.qualify(name))
	return nil
}

// IsAlive reports whether name exists as a tmux session.
func (d *TmuxDriver) IsAlive(name string) bool {
	_, err := d.run("has-session", "-t", d.qualify(name))
	return err == nil
}

// List returns supervisor-owned session names with the prefix stripped.
func (d *TmuxDriver) List() ([]string, error) {
	out, err := d.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits non-zero when the server has no sessions at all.
		if strings.Contains(string(out), "no server running") || strings.Contains(string(out), "no current server") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions failed: %w: %s", err, string(out))
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, d.prefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(line, d.prefix))
	}
	return names, nil
}

// SendKeys appends text and a newline to the session's pane.
func (d *TmuxDriver) SendKeys(name, text string) bool {
	if !d.IsAlive(name) {
		return false
	}
	_, err := d.run("send-keys", "-t", d.qualify(name), text, "Enter")
	return err == nil
}

// SendCtrlC sends the interrupt byte.
func (d *TmuxDriver) SendCtrlC(name string) bool {
	if !d.IsAlive(name) {
		return false
	}
	_, err := d.run("send-keys", "-t", d.qualify(name), "C-c")
	return err == nil
}

// SendEscape sends Escape count times with a short gap between presses
// so the pane's program has a chance to consume each one.
func (d *TmuxDriver) SendEscape(name string, count int) bool {
	if !d.IsAlive(name) {
		return false
	}
	target := d.qualify(name)
	ok := true
	for i := 0; i < count; i++ {
		if _, err := d.run("send-keys", "-t", target, "Escape"); err != nil {
			ok = false
		}
		if i < count-1 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	return ok
}

// CaptureRecent returns the last lines lines of the pane, nil if absent.
func (d *TmuxDriver) CaptureRecent(name string, lines int) (*string, error) {
	if !d.IsAlive(name) {
		return nil, nil
	}
	out, err := d.captureLines(name, lines)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureScrollback returns up to lines lines of pane history.
func (d *TmuxDriver) CaptureScrollback(name string, lines int) (string, error) {
	if !d.IsAlive(name) {
		return "", nil
	}
	return d.captureLines(name, lines)
}

func (d *TmuxDriver) captureLines(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 1
	}
	out, err := d.run("capture-pane", "-p", "-t", d.qualify(name), "-S", strconv.Itoa(-lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane failed: %w: %s", err, string(out))
	}
	return string(out), nil
}

// Package activity classifies a terminal session as active, idle, or
// waiting_for_input by hashing recent scrollback across polls and
// pattern-matching its last few lines. It is a state machine, not
// a pattern search: agents emit sporadic output during long operations,
// so "silence long enough to act on" (the hash/timestamp) and "an
// explicit interactive prompt" (the pattern list) are tracked separately.
package activity

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/terminal"
)

// State is the closed set of activity classifications.
type State string

const (
	Active          State = "active"
	Idle            State = "idle"
	WaitingForInput State = "waiting_for_input"
)

const (
	pollLines    = 15
	patternLines = 5
)

// waitingPatterns covers generic shell prompts plus the confirmation
// phrasings the supported agents use when asking for permission.
var waitingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?\s*$`),
	regexp.MustCompile(`(?i)\(y/n\)`),
	regexp.MustCompile(`\[Y/n\]`),
	regexp.MustCompile(`\[y/N\]`),
	regexp.MustCompile(`(?i)press any key`),
	regexp.MustCompile(`(?i)continue\?`),
	regexp.MustCompile(`(?i)enter.*:\s*$`),
	regexp.MustCompile(`(?i)password:`),
	regexp.MustCompile(`(?i)do you want to proceed`),
	regexp.MustCompile(`(?i)would you like me to`),
	regexp.MustCompile(`(?i)should i continue`),
	regexp.MustCompile(`(?i)may i make this change`),
	regexp.MustCompile(`(?i)shall i proceed`),
	regexp.MustCompile(`(?i)allow this action`),
	regexp.MustCompile(`(?i)approve the following`),
	regexp.MustCompile(`\[allow\]`),
	regexp.MustCompile(`\[deny\]`),
}

type sample struct {
	lastOutputAt time.Time
	lastHash     uint64
}

// Detector keeps a mapping from session-name to its last sample, and
// classifies sessions against it using thresholds supplied at construction.
type Detector struct {
	driver              terminal.Driver
	clock               clock.Clock
	activeIdleThreshold time.Duration
	waitingThreshold    time.Duration

	mu      sync.Mutex
	samples map[string]sample
}

// New constructs a Detector. activeIdleThreshold and waitingThreshold
// default to 3s/6s when zero.
func New(driver terminal.Driver, clk clock.Clock, activeIdleThreshold, waitingThreshold time.Duration) *Detector {
	if activeIdleThreshold <= 0 {
		activeIdleThreshold = 3 * time.Second
	}
	if waitingThreshold <= 0 {
		waitingThreshold = 6 * time.Second
	}
	return &Detector{
		driver:              driver,
		clock:               clk,
		activeIdleThreshold: activeIdleThreshold,
		waitingThreshold:    waitingThreshold,
		samples:             make(map[string]sample),
	}
}

// Poll captures the last 15 lines of session and updates its sample: if
// the hash changed (or no prior sample exists), last_output_at becomes
// now.
func (d *Detector) Poll(session string) error {
	out, err := d.driver.CaptureRecent(session, pollLines)
	if err != nil {
		return err
	}
	text := ""
	if out != nil {
		text = *out
	}
	h := xxhash.Sum64String(text)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.samples[session]
	if !ok || prev.lastHash != h {
		d.samples[session] = sample{lastOutputAt: now, lastHash: h}
	}
	return nil
}

// Classify derives the current ActivityState for session from its sample
// and (for the waiting_for_input branch) a fresh 5-line capture.
func (d *Detector) Classify(session string) (State, error) {
	d.mu.Lock()
	s, ok := d.samples[session]
	d.mu.Unlock()
	if !ok {
		return Idle, nil
	}

	delta := d.clock.Now().Sub(s.lastOutputAt)
	if delta < d.activeIdleThreshold {
		return Active, nil
	}
	if delta >= d.waitingThreshold {
		out, err := d.driver.CaptureRecent(session, patternLines)
		if err != nil {
			return Idle, err
		}
		if out != nil && matchesWaitingPattern(*out) {
			return WaitingForInput, nil
		}
	}
	return Idle, nil
}

func matchesWaitingPattern(capture string) bool {
	lines := strings.Split(strings.TrimRight(capture, "\n"), "\n")
	start := len(lines) - 3
	if start < 0 {
		start = 0
	}
	tail := strings.Join(lines[start:], "\n")
	for _, p := range waitingPatterns {
		if p.MatchString(tail) {
			return true
		}
	}
	return false
}

// Since reports how long it has been since session's last observed output
// change, and whether any sample exists at all. The Watchdog's health
// check uses this directly rather than Classify's active/idle/waiting
// thresholds, which answer a different question ("is it busy right now?").
func (d *Detector) Since(session string) (time.Duration, bool) {
	d.mu.Lock()
	s, ok := d.samples[session]
	d.mu.Unlock()
	if !ok {
		return 0, false
	}
	return d.clock.Now().Sub(s.lastOutputAt), true
}

// Forget drops session's sample, e.g. once its task has finished.
func (d *Detector) Forget(session string) {
	d.mu.Lock()
	delete(d.samples, session)
	d.mu.Unlock()
}

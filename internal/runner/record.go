package runner

import (
	"sync"

	"github.com/kandev/ralph/internal/models"
)

// record is the in-memory running-task record: the task snapshot
// plus a cancellation signal, a paused flag, and the terminal session
// name currently bound. Created on Start, destroyed on terminal
// transition (removed from its runner's registry).
type record struct {
	mu        sync.Mutex
	task      *models.Task
	terminal  string
	cancel    chan struct{}
	cancelled bool
	paused    bool
}

func newRecord(task *models.Task, terminalName string) *record {
	return &record{task: task.Clone(), terminal: terminalName, cancel: make(chan struct{})}
}

// requestCancel sets the cancellation signal. Safe to call more than
// once (Cancel is idempotent).
func (r *record) requestCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		close(r.cancel)
	}
}

func (r *record) isCancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

func (r *record) setPaused(p bool) {
	r.mu.Lock()
	r.paused = p
	r.mu.Unlock()
}

func (r *record) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *record) setIteration(n int) {
	r.mu.Lock()
	r.task.CurrentIteration = n
	r.mu.Unlock()
}

func (r *record) iteration() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.CurrentIteration
}

func (r *record) maxIterations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.MaxIterations
}

func (r *record) prompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Prompt
}

// snapshot returns a deep copy of the record's task, safe to hand to the
// event bus or the verifier.
func (r *record) snapshot() *models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Clone()
}

func (r *record) setTerminal(name string) {
	r.mu.Lock()
	r.terminal = name
	r.mu.Unlock()
}

func (r *record) terminalName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *record) ids() (taskID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.ID, r.task.SessionID
}

// registry is the per-runner mapping of task id -> running record. It is
// concurrency-safe for lookup from Status/Pause/Resume/Cancel while the
// loop goroutine mutates its own record.
type registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*record)}
}

func (reg *registry) add(taskID string, r *record) {
	reg.mu.Lock()
	reg.records[taskID] = r
	reg.mu.Unlock()
}

func (reg *registry) get(taskID string) (*record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.records[taskID]
	return r, ok
}

func (reg *registry) remove(taskID string) {
	reg.mu.Lock()
	delete(reg.records, taskID)
	reg.mu.Unlock()
}

// Package events implements the supervisor's typed event set: a fixed,
// closed union of ten event kinds emitted by runners and consumed by the
// Task Service (for persistence) and any external listener (for push
// notifications). Event kinds are Go types, not dynamic strings, per the
// "typed channels, not dynamic-string events" design note.
package events

import (
	"time"

	"github.com/kandev/ralph/internal/models"
)

// Kind names one of the fixed runner event types. Used only for logging
// and for the NATS subject suffix; dispatch inside the process always
// happens on the concrete Go type via a type switch, never on this string.
type Kind string

const (
	KindIterationStart       Kind = "iteration:start"
	KindIterationComplete    Kind = "iteration:complete"
	KindVerificationStart    Kind = "verification:start"
	KindVerificationComplete Kind = "verification:complete"
	KindStatusUpdate         Kind = "status:update"
	KindTaskComplete         Kind = "task:complete"
	KindTaskFailed           Kind = "task:failed"
	KindTaskPaused           Kind = "task:paused"
	KindTaskResumed          Kind = "task:resumed"
	KindTaskCancelled        Kind = "task:cancelled"
)

// Envelope carries the fields common to every event: an id, the full task
// snapshot at emission time, and a per-task monotonic sequence number used
// to de-duplicate NATS mirror deliveries after a reconnect.
type Envelope struct {
	ID        string
	TaskID    string
	SessionID string
	Seq       uint64
	At        time.Time
	Task      *models.Task
}

// Meta returns the envelope itself; embedding Envelope promotes this
// method to every concrete event type so each satisfies Event.Meta.
func (e Envelope) Meta() Envelope { return e }

// Event is implemented by exactly one struct per Kind. Callers that need
// to branch on kind use a type switch, not string comparison.
type Event interface {
	Kind() Kind
	Meta() Envelope
}

// IterationStart is emitted at the top of each iteration.
type IterationStart struct{ Envelope }

func (e IterationStart) Kind() Kind { return KindIterationStart }

// IterationComplete is emitted once an iteration's wait-for-completion
// phase has resolved (including the synthetic "timeout" output).
type IterationComplete struct {
	Envelope
	Output string
}

func (e IterationComplete) Kind() Kind { return KindIterationComplete }

// VerificationStart is emitted just before the verifier is called.
type VerificationStart struct{ Envelope }

func (e VerificationStart) Kind() Kind { return KindVerificationStart }

// VerificationComplete carries the verifier's verdict.
type VerificationComplete struct {
	Envelope
	Passed     bool
	Feedback   string
	Confidence float64
}

func (e VerificationComplete) Kind() Kind { return KindVerificationComplete }

// StatusUpdate carries a human-readable progress message and also feeds
// the watchdog's progress-liveness accounting.
type StatusUpdate struct {
	Envelope
	Message string
}

func (e StatusUpdate) Kind() Kind { return KindStatusUpdate }

// TaskComplete marks successful, final completion of a task.
type TaskComplete struct {
	Envelope
	Result string
}

func (e TaskComplete) Kind() Kind { return KindTaskComplete }

// TaskFailed marks unsuccessful, final completion of a task.
type TaskFailed struct {
	Envelope
	Error string
}

func (e TaskFailed) Kind() Kind { return KindTaskFailed }

// TaskPaused marks a task's runner loop as paused at the next iteration
// boundary.
type TaskPaused struct{ Envelope }

func (e TaskPaused) Kind() Kind { return KindTaskPaused }

// TaskResumed marks a paused task as resumed.
type TaskResumed struct{ Envelope }

func (e TaskResumed) Kind() Kind { return KindTaskResumed }

// TaskCancelled marks a task as cancelled, carrying the final captured
// scrollback as Result.
type TaskCancelled struct {
	Envelope
	Result string
}

func (e TaskCancelled) Kind() Kind { return KindTaskCancelled }

package runner

import "github.com/kandev/ralph/internal/events"

// envelopeFor builds an unstamped envelope from rec's current snapshot;
// the bus fills in ID/At/Seq on Publish since those fields are left zero.
func envelopeFor(rec *record) events.Envelope {
	taskID, sessionID := rec.ids()
	return events.Envelope{TaskID: taskID, SessionID: sessionID, Task: rec.snapshot()}
}

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// wireEvent is the JSON form an event takes on the wire: envelope fields
// flattened alongside a kind tag and an opaque payload, so an external
// listener in another language can decode it without our Go types.
type wireEvent struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// NATSMirror forwards every published event to a NATS subject as a
// fire-and-forget side channel for other processes. It never blocks or
// fails in-process delivery; Publish errors are logged, not returned,
// since Mirror has no error-return path (see bus.Mirror).
type NATSMirror struct {
	conn      *nats.Conn
	namespace string
	logger    *logger.Logger
}

// NewNATSMirror connects to url with the same reconnect posture as the
// rest of the stack's NATS usage (bounded reconnects, buffered during
// outages) and returns a Mirror ready to attach to an InProcessBus.
func NewNATSMirror(url, namespace string, log *logger.Logger) (*NATSMirror, error) {
	m := &NATSMirror{namespace: namespace, logger: log.WithFields(zap.String("component", "nats-mirror"))}

	opts := []nats.Option{
		nats.Name("ralph-event-mirror"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS mirror disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS mirror reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS mirror error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	m.conn = conn
	return m, nil
}

// Publish marshals e to JSON and publishes it to
// "<namespace.>ralph.tasks.<task_id>.<kind>". Failures are logged only.
func (m *NATSMirror) Publish(e Event) {
	env := e.Meta()
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("failed to marshal event for mirror", zap.Error(err))
		return
	}

	wire := wireEvent{
		ID:        env.ID,
		Kind:      e.Kind(),
		TaskID:    env.TaskID,
		SessionID: env.SessionID,
		Seq:       env.Seq,
		At:        env.At,
		Payload:   payload,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		m.logger.Error("failed to marshal mirror envelope", zap.Error(err))
		return
	}

	subject := m.subject(env.TaskID, e.Kind())
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to publish mirrored event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (m *NATSMirror) subject(taskID string, kind Kind) string {
	if m.namespace != "" {
		return fmt.Sprintf("%s.ralph.tasks.%s.%s", m.namespace, taskID, kind)
	}
	return fmt.Sprintf("ralph.tasks.%s.%s", taskID, kind)
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("error draining NATS mirror connection", zap.Error(err))
		m.conn.Close()
	}
}

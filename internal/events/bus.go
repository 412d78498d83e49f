package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/logger"
)

// Handler receives events. It must not block for long: the bus delivers
// to each subscriber on its own goroutine, but a slow handler still falls
// behind its own channel and starts dropping its own deliveries.
type Handler func(Event)

// Bus is a typed, in-process, best-effort broadcast of the fixed event
// set. Delivery is in-order per subscriber; subscribers never block a
// publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(h Handler) (unsubscribe func())
}

const subscriberQueueDepth = 256

type subscriber struct {
	id int64
	ch chan Event
}

// InProcessBus is the default Bus implementation: a map of subscriber
// channels guarded by a mutex for Subscribe/unsubscribe, with Publish
// doing a non-blocking send per subscriber. Publishing is concurrent;
// delivery within one subscriber is serialized on its channel.
type InProcessBus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	seq    map[string]*uint64 // per-task monotonic sequence
	seqMu  sync.Mutex
	clock  clock.Clock
	logger *logger.Logger
	mirror Mirror
}

// Mirror is an optional fan-out sink for events leaving the process (the
// NATS mirror, a WebSocket hub). Publish failures on a Mirror never
// affect in-process delivery.
type Mirror interface {
	Publish(e Event)
}

// NewInProcessBus constructs a Bus. mirror may be nil.
func NewInProcessBus(clk clock.Clock, log *logger.Logger, mirror Mirror) *InProcessBus {
	return &InProcessBus{
		subs:   make(map[int64]*subscriber),
		seq:    make(map[string]*uint64),
		clock:  clk,
		logger: log.WithFields(zap.String("component", "event-bus")),
		mirror: mirror,
	}
}

// Subscribe registers h and returns a function that unregisters it.
// Each subscriber gets its own buffered channel drained by a dedicated
// goroutine, so one slow subscriber cannot delay another.
func (b *InProcessBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan Event, subscriberQueueDepth)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for e := range sub.ch {
			h(e)
		}
	}()

	return func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
}

// Publish stamps e's envelope with an id, timestamp, and per-task
// sequence number, then fans it out. Publish never blocks: a full
// subscriber channel causes that one delivery to be dropped and logged.
func (b *InProcessBus) Publish(e Event) {
	env := e.Meta()
	if env.ID == "" || env.At.IsZero() || env.Seq == 0 {
		env.ID = uuid.New().String()
		env.At = b.clock.Now()
		env.Seq = b.nextSeq(env.TaskID)
		e = restamp(e, env)
	}

	b.mu.RLock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("dropping event, subscriber queue full",
				zap.String("kind", string(e.Kind())),
				zap.String("task_id", env.TaskID))
		}
	}
	b.mu.RUnlock()

	if b.mirror != nil {
		b.mirror.Publish(e)
	}
}

func (b *InProcessBus) nextSeq(taskID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	counter, ok := b.seq[taskID]
	if !ok {
		var zero uint64
		counter = &zero
		b.seq[taskID] = counter
	}
	return atomic.AddUint64(counter, 1)
}

// restamp rebuilds e with env as its envelope. Events are small value
// types, so a type switch copy is cheap and keeps Event immutable to
// subscribers once published.
func restamp(e Event, env Envelope) Event {
	switch v := e.(type) {
	case IterationStart:
		v.Envelope = env
		return v
	case IterationComplete:
		v.Envelope = env
		return v
	case VerificationStart:
		v.Envelope = env
		return v
	case VerificationComplete:
		v.Envelope = env
		return v
	case StatusUpdate:
		v.Envelope = env
		return v
	case TaskComplete:
		v.Envelope = env
		return v
	case TaskFailed:
		v.Envelope = env
		return v
	case TaskPaused:
		v.Envelope = env
		return v
	case TaskResumed:
		v.Envelope = env
		return v
	case TaskCancelled:
		v.Envelope = env
		return v
	default:
		return e
	}
}

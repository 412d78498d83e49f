package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/common/clock"
	"github.com/kandev/ralph/internal/common/logger"
)

func TestPublish_StampsIDAtAndSeq(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := NewInProcessBus(clk, logger.Default(), nil)

	received := make(chan Event, 1)
	bus.Subscribe(func(e Event) { received <- e })

	bus.Publish(IterationStart{Envelope: Envelope{TaskID: "t1", SessionID: "s1"}})

	e := <-received
	env := e.Meta()
	require.NotEmpty(t, env.ID, "expected Publish to stamp a non-empty ID")
	require.True(t, env.At.Equal(clk.Now()), "At = %v, want %v", env.At, clk.Now())
	require.Equal(t, uint64(1), env.Seq)
}

func TestPublish_SeqMonotonicPerTask(t *testing.T) {
	clk := clock.NewMock(time.Now())
	bus := NewInProcessBus(clk, logger.Default(), nil)

	var mu sync.Mutex
	var seqs []uint64
	done := make(chan struct{})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		seqs = append(seqs, e.Meta().Seq)
		if len(seqs) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	bus.Publish(IterationStart{Envelope: Envelope{TaskID: "t1"}})
	bus.Publish(IterationComplete{Envelope: Envelope{TaskID: "t1"}, Output: "x"})
	bus.Publish(VerificationStart{Envelope: Envelope{TaskID: "t1"}})

	<-done
	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		require.Equal(t, uint64(i+1), s, "seqs = %v, want strictly increasing from 1", seqs)
	}
}

func TestPublish_SeqIndependentAcrossTasks(t *testing.T) {
	clk := clock.NewMock(time.Now())
	bus := NewInProcessBus(clk, logger.Default(), nil)

	seen := make(chan Event, 2)
	bus.Subscribe(func(e Event) { seen <- e })

	bus.Publish(IterationStart{Envelope: Envelope{TaskID: "t1"}})
	bus.Publish(IterationStart{Envelope: Envelope{TaskID: "t2"}})

	first := <-seen
	second := <-seen
	require.Equal(t, uint64(1), first.Meta().Seq, "expected each task's first event to have Seq=1")
	require.Equal(t, uint64(1), second.Meta().Seq, "expected each task's first event to have Seq=1")
}

func TestSubscribe_MultipleSubscribersEachReceiveEveryEvent(t *testing.T) {
	clk := clock.NewMock(time.Now())
	bus := NewInProcessBus(clk, logger.Default(), nil)

	var count1, count2 int32
	var mu sync.Mutex
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		count1++
		if count1 == 2 {
			close(done1)
		}
		mu.Unlock()
	})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		count2++
		if count2 == 2 {
			close(done2)
		}
		mu.Unlock()
	})

	bus.Publish(StatusUpdate{Envelope: Envelope{TaskID: "t1"}, Message: "a"})
	bus.Publish(StatusUpdate{Envelope: Envelope{TaskID: "t1"}, Message: "b"})

	<-done1
	<-done2
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	clk := clock.NewMock(time.Now())
	bus := NewInProcessBus(clk, logger.Default(), nil)

	received := make(chan Event, 10)
	unsub := bus.Subscribe(func(e Event) { received <- e })
	unsub()

	bus.Publish(TaskComplete{Envelope: Envelope{TaskID: "t1"}, Result: "done"})

	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// fakeMirror records every event it is asked to forward.
type fakeMirror struct {
	mu     sync.Mutex
	events []Event
}

func (m *fakeMirror) Publish(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestPublish_ForwardsToMirror(t *testing.T) {
	clk := clock.NewMock(time.Now())
	mirror := &fakeMirror{}
	bus := NewInProcessBus(clk, logger.Default(), mirror)

	bus.Publish(TaskFailed{Envelope: Envelope{TaskID: "t1"}, Error: "boom"})

	waitForCondition(t, func() bool { return mirror.count() == 1 })
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

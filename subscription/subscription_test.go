package subscription_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/subscription"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []uint64
	seen   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 100)}
}

func (recorder *recorder) callback(event protocol.Event) {
	recorder.mu.Lock()
	recorder.events = append(recorder.events, event.EventIndex)
	recorder.mu.Unlock()
	recorder.seen <- struct{}{}
}

func (recorder *recorder) wait(t *testing.T, n int) []uint64 {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-recorder.seen:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	return append([]uint64{}, recorder.events...)
}

func (recorder *recorder) quiet(t *testing.T) {
	t.Helper()

	select {
	case <-recorder.seen:
		t.Fatalf("unexpected event delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func event(eventIndex uint64, listenIndex uint64) protocol.Event {
	return protocol.Event{Service: "foo", EventIndex: eventIndex, ListenIndex: listenIndex}
}

func TestDeliveryOrderAndDeduplication(t *testing.T) {
	manager := subscription.NewManager(nil)
	recorder := newRecorder()
	sub, err := manager.Register("foo", recorder.callback)

	require.NoError(t, err)

	// buffered while pending, including one from an older listen
	manager.Deliver(event(1, 5))
	manager.Deliver(event(2, 9))
	manager.Deliver(event(3, 9))
	manager.Activate(sub, 9)
	manager.Deliver(event(3, 9))
	manager.Deliver(event(2, 9))
	manager.Deliver(event(4, 9))
	manager.Deliver(protocol.Event{Service: "bar", EventIndex: 5, ListenIndex: 9})
	manager.Deliver(event(6, 9))

	if diff := cmp.Diff([]uint64{2, 3, 4, 6}, recorder.wait(t, 4)); diff != "" {
		t.Fatalf(diff)
	}

	recorder.quiet(t)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	manager := subscription.NewManager(nil)
	recorder := newRecorder()
	sub, err := manager.Register("foo", recorder.callback)

	require.NoError(t, err)

	manager.Activate(sub, 1)
	manager.Deliver(event(1, 1))
	recorder.wait(t, 1)

	manager.Unregister(sub)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscription did not stop")
	}

	manager.Deliver(event(2, 1))
	recorder.quiet(t)

	_, ok := manager.Get("foo")

	require.False(t, ok)

	// a new registration is a fresh subscription that ignores the old listen
	again := newRecorder()
	sub, err = manager.Register("foo", again.callback)

	require.NoError(t, err)

	manager.Activate(sub, 7)
	manager.Deliver(event(3, 1))
	manager.Deliver(event(4, 7))

	if diff := cmp.Diff([]uint64{4}, again.wait(t, 1)); diff != "" {
		t.Fatalf(diff)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	manager := subscription.NewManager(nil)
	recorder := newRecorder()
	sub, err := manager.Register("foo", recorder.callback)

	require.NoError(t, err)

	manager.Activate(sub, 1)
	manager.Close()

	<-sub.Done()

	manager.Deliver(event(1, 1))
	recorder.quiet(t)

	_, err = manager.Register("foo", recorder.callback)

	require.ErrorIs(t, err, subscription.ErrClosed)
}

package service_host

import (
	"context"
	"sync"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/state_machine"
	"go.uber.org/zap"
)

// maxQueuedEvents bounds the events held for a session nobody streams
const maxQueuedEvents = 1024

type sessionKey struct {
	partition cluster.PartitionID
	session   uint64
}

// eventQueue holds the events of one session until its stream sends them
type eventQueue struct {
	mu      sync.Mutex
	events  []protocol.Event
	closed  bool
	changed chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{changed: make(chan struct{})}
}

func (queue *eventQueue) notify() {
	close(queue.changed)
	queue.changed = make(chan struct{})
}

// push returns false if the oldest event had to be dropped
func (queue *eventQueue) push(event protocol.Event) bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.closed {
		return true
	}

	dropped := false

	if len(queue.events) >= maxQueuedEvents {
		queue.events = queue.events[1:]
		dropped = true
	}

	queue.events = append(queue.events, event)
	queue.notify()

	return !dropped
}

func (queue *eventQueue) close() {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if !queue.closed {
		queue.closed = true
		queue.notify()
	}
}

// next blocks until an event is available. ok is false once the
// queue is closed and drained or ctx is done.
func (queue *eventQueue) next(ctx context.Context) (protocol.Event, bool) {
	for {
		queue.mu.Lock()

		if len(queue.events) > 0 {
			event := queue.events[0]
			queue.events = queue.events[1:]
			queue.mu.Unlock()

			return event, true
		}

		if queue.closed {
			queue.mu.Unlock()

			return protocol.Event{}, false
		}

		changed := queue.changed
		queue.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return protocol.Event{}, false
		}
	}
}

// eventHub routes events published by state machines to the queue of
// the receiving session
type eventHub struct {
	mu     sync.Mutex
	queues map[sessionKey]*eventQueue
	logger *zap.Logger
}

func newEventHub(logger *zap.Logger) *eventHub {
	return &eventHub{
		queues: make(map[sessionKey]*eventQueue),
		logger: logger,
	}
}

func (hub *eventHub) queue(partition cluster.PartitionID, session uint64) *eventQueue {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	key := sessionKey{partition: partition, session: session}
	queue, ok := hub.queues[key]

	if !ok {
		queue = newEventQueue()
		hub.queues[key] = queue
	}

	return queue
}

func (hub *eventHub) Publish(event protocol.Event) {
	if !hub.queue(event.Partition, event.Session).push(event) {
		hub.logger.Warn("dropped event for slow session",
			zap.Uint32("partition", uint32(event.Partition)),
			zap.Uint64("session", event.Session))
	}
}

func (hub *eventHub) SessionClosed(partition cluster.PartitionID, session uint64, expired bool) {
	if expired {
		hub.logger.Info("session expired", zap.Uint32("partition", uint32(partition)), zap.Uint64("session", session))
	}

	hub.mu.Lock()
	key := sessionKey{partition: partition, session: session}
	queue, ok := hub.queues[key]
	delete(hub.queues, key)
	hub.mu.Unlock()

	if ok {
		queue.close()
	}
}

func (hub *eventHub) closeAll() {
	hub.mu.Lock()
	queues := hub.queues
	hub.queues = make(map[sessionKey]*eventQueue)
	hub.mu.Unlock()

	for _, queue := range queues {
		queue.close()
	}
}

var _ state_machine.Listener = (*eventHub)(nil)

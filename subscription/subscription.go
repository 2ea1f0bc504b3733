// Package subscription routes events pushed over a session to the
// listeners registered on it.
//
// A subscription is registered before its Listen operation is sent so
// that events racing the Listen response are buffered rather than lost.
// Once the Listen response arrives the subscription is activated with
// the listen index the backend assigned, buffered events belonging to
// that listen are released and everything else is dropped. Delivery
// happens on one goroutine per subscription in emission order and
// stops for good when the subscription is unregistered or the manager
// is closed. Events are never replayed.
package subscription

import (
	"errors"
	"sync"

	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/utils/observable_map"
	"go.uber.org/zap"
)

// ErrClosed is returned when registering on a closed manager
var ErrClosed = errors.New("subscription manager closed")

// Callback receives events for one subscription
type Callback func(event protocol.Event)

// Subscription is one registered listener
type Subscription struct {
	service     string
	callback    Callback
	mu          sync.Mutex
	cond        *sync.Cond
	active      bool
	stopped     bool
	listenIndex uint64
	buffer      []protocol.Event
	queue       []protocol.Event
	done        chan struct{}
}

func newSubscription(service string, callback Callback) *Subscription {
	subscription := &Subscription{
		service:  service,
		callback: callback,
		done:     make(chan struct{}),
	}

	subscription.cond = sync.NewCond(&subscription.mu)

	return subscription
}

// Service returns the name of the service the subscription listens to
func (subscription *Subscription) Service() string {
	return subscription.service
}

// ListenIndex returns the listen index the subscription was activated
// with, or zero while it is pending
func (subscription *Subscription) ListenIndex() uint64 {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()

	return subscription.listenIndex
}

// Done is closed once the subscription has stopped and no callback
// is running
func (subscription *Subscription) Done() <-chan struct{} {
	return subscription.done
}

func (subscription *Subscription) activate(listenIndex uint64) {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()

	if subscription.stopped || subscription.active {
		return
	}

	subscription.active = true
	subscription.listenIndex = listenIndex

	for _, event := range subscription.buffer {
		if event.ListenIndex == listenIndex {
			subscription.queue = append(subscription.queue, event)
		}
	}

	subscription.buffer = nil
	subscription.cond.Broadcast()
}

func (subscription *Subscription) deliver(event protocol.Event) {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()

	switch {
	case subscription.stopped:
		return
	case !subscription.active:
		subscription.buffer = append(subscription.buffer, event)
	case event.ListenIndex == subscription.listenIndex:
		subscription.queue = append(subscription.queue, event)
		subscription.cond.Broadcast()
	}
}

func (subscription *Subscription) stop() {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()

	subscription.stopped = true
	subscription.buffer = nil
	subscription.queue = nil
	subscription.cond.Broadcast()
}

func (subscription *Subscription) run() {
	defer close(subscription.done)

	for {
		subscription.mu.Lock()

		for !subscription.stopped && len(subscription.queue) == 0 {
			subscription.cond.Wait()
		}

		if subscription.stopped {
			subscription.mu.Unlock()

			return
		}

		event := subscription.queue[0]
		subscription.queue = subscription.queue[1:]
		subscription.mu.Unlock()

		subscription.callback(event)
	}
}

// Manager tracks the subscriptions of one session
type Manager struct {
	mu            sync.Mutex
	closed        bool
	lastEvent     uint64
	subscriptions *observable_map.ObservableMap[string, *Subscription]
	logger        *zap.Logger
}

// NewManager creates an empty manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &Manager{
		subscriptions: observable_map.New[string, *Subscription](),
		logger:        logger,
	}

	manager.subscriptions.OnDelete(func(service string, subscription *Subscription) {
		subscription.stop()
	})

	return manager
}

// Register creates a pending subscription for service. A previous
// subscription for the same service is stopped.
func (manager *Manager) Register(service string, callback Callback) (*Subscription, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if manager.closed {
		return nil, ErrClosed
	}

	subscription := newSubscription(service, callback)
	manager.subscriptions.Put(service, subscription)

	go subscription.run()

	return subscription, nil
}

// Activate starts delivery for subscription with the listen index
// returned by its Listen operation
func (manager *Manager) Activate(subscription *Subscription, listenIndex uint64) {
	manager.logger.Debug("activating subscription", zap.String("service", subscription.service), zap.Uint64("listenIndex", listenIndex))
	subscription.activate(listenIndex)
}

// Unregister stops subscription. Wait on subscription.Done() to know
// when its last callback has returned.
func (manager *Manager) Unregister(subscription *Subscription) {
	manager.subscriptions.CompareAndDelete(subscription.service, func(current *Subscription) bool {
		return current == subscription
	})

	subscription.stop()
}

// Get returns the current subscription for service
func (manager *Manager) Get(service string) (*Subscription, bool) {
	return manager.subscriptions.Get(service)
}

// Deliver routes an event to its subscription. Events already seen
// and events for unknown services are dropped.
func (manager *Manager) Deliver(event protocol.Event) {
	manager.mu.Lock()

	if manager.closed || event.EventIndex <= manager.lastEvent {
		manager.mu.Unlock()

		return
	}

	manager.lastEvent = event.EventIndex
	manager.mu.Unlock()

	subscription, ok := manager.subscriptions.Get(event.Service)

	if !ok {
		manager.logger.Debug("dropping event", zap.String("service", event.Service), zap.Uint64("eventIndex", event.EventIndex))

		return
	}

	subscription.deliver(event)
}

// Close stops every subscription. Later registrations fail.
func (manager *Manager) Close() {
	manager.mu.Lock()
	manager.closed = true
	manager.mu.Unlock()

	manager.subscriptions.Clear()
}

// Package replica orders the requests of one partition and applies
// them to the partition's state machine. Each replication backend is
// an Engine.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/state_machine"
	"github.com/jrife/plover/utils/async"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by engines after Close
	ErrClosed = errors.New("replica closed")
)

// Engine serves the requests of one partition
type Engine interface {
	// Command orders request and waits for its response. Open,
	// keep-alive, close, command and clock requests are commands.
	Command(ctx context.Context, request protocol.Request) (protocol.Response, error)
	// Query serves a read at the consistency the request asks for
	Query(ctx context.Context, request protocol.Request) (protocol.Response, error)
	// Index returns the index of the last entry applied by the
	// replica serving clients
	Index() uint64
	Close() error
}

// TopicCreator is implemented by engines that keep topics
type TopicCreator interface {
	CreateTopic(ctx context.Context, name string, topic protocol.Topic) error
}

// Config holds what every engine needs
type Config struct {
	Partition cluster.PartitionID
	// Listener receives events and closed sessions from the replica
	// serving clients
	Listener state_machine.Listener
	Logger   *zap.Logger
	// Now returns the time stamped on new entries
	Now func() time.Time
}

func (config Config) normalize() Config {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	config.Logger = config.Logger.With(zap.Uint32("partition", uint32(config.Partition)))

	return config
}

func (config Config) stateMachineOptions() []state_machine.Option {
	options := []state_machine.Option{state_machine.WithLogger(config.Logger)}

	if config.Listener != nil {
		options = append(options, state_machine.WithListener(config.Listener))
	}

	return options
}

// waiters correlates entry ids with the callers waiting on them
type waiters struct {
	mu      sync.Mutex
	nextID  uint64
	waiting map[uint64]*async.Result[protocol.Response]
}

func newWaiters() *waiters {
	return &waiters{waiting: make(map[uint64]*async.Result[protocol.Response])}
}

func (waiters *waiters) register() (uint64, *async.Result[protocol.Response]) {
	waiters.mu.Lock()
	defer waiters.mu.Unlock()

	waiters.nextID++
	result := async.New[protocol.Response]()
	waiters.waiting[waiters.nextID] = result

	return waiters.nextID, result
}

func (waiters *waiters) cancel(id uint64) {
	waiters.mu.Lock()
	defer waiters.mu.Unlock()

	delete(waiters.waiting, id)
}

func (waiters *waiters) complete(completions []state_machine.Completion) {
	waiters.mu.Lock()
	defer waiters.mu.Unlock()

	for _, completion := range completions {
		if result, ok := waiters.waiting[completion.ID]; ok {
			delete(waiters.waiting, completion.ID)
			result.Complete(completion.Response)
		}
	}
}

func (waiters *waiters) failAll(err error) {
	waiters.mu.Lock()
	defer waiters.mu.Unlock()

	for id, result := range waiters.waiting {
		delete(waiters.waiting, id)
		result.Fail(err)
	}
}

// await waits for the response of entry id
func (waiters *waiters) await(ctx context.Context, id uint64, result *async.Result[protocol.Response]) (protocol.Response, error) {
	response, err := result.Await(ctx)

	if err != nil && ctx.Err() != nil {
		waiters.cancel(id)
	}

	return response, err
}

// appliedIndex lets readers wait until a replica has applied an index
type appliedIndex struct {
	mu      sync.Mutex
	index   uint64
	changed chan struct{}
}

func newAppliedIndex() *appliedIndex {
	return &appliedIndex{changed: make(chan struct{})}
}

func (appliedIndex *appliedIndex) get() uint64 {
	appliedIndex.mu.Lock()
	defer appliedIndex.mu.Unlock()

	return appliedIndex.index
}

func (appliedIndex *appliedIndex) advance(index uint64) {
	appliedIndex.mu.Lock()
	defer appliedIndex.mu.Unlock()

	if index <= appliedIndex.index {
		return
	}

	appliedIndex.index = index
	close(appliedIndex.changed)
	appliedIndex.changed = make(chan struct{})
}

func (appliedIndex *appliedIndex) wait(ctx context.Context, index uint64) error {
	for {
		appliedIndex.mu.Lock()
		current := appliedIndex.index
		changed := appliedIndex.changed
		appliedIndex.mu.Unlock()

		if current >= index {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mutedListener drops notifications while a replica replays history
type mutedListener struct {
	mu       sync.Mutex
	muted    bool
	listener state_machine.Listener
}

func (listener *mutedListener) setMuted(muted bool) {
	listener.mu.Lock()
	defer listener.mu.Unlock()

	listener.muted = muted
}

func (listener *mutedListener) Publish(event protocol.Event) {
	listener.mu.Lock()
	muted := listener.muted
	listener.mu.Unlock()

	if !muted {
		listener.listener.Publish(event)
	}
}

func (listener *mutedListener) SessionClosed(partition cluster.PartitionID, session uint64, expired bool) {
	listener.mu.Lock()
	muted := listener.muted
	listener.mu.Unlock()

	if !muted {
		listener.listener.SessionClosed(partition, session, expired)
	}
}

var _ state_machine.Listener = (*mutedListener)(nil)

// Package state_machine is the deterministic state machine replicated
// by every partition. It owns the partition's sessions and the named
// value services they operate on. Given the same entries in the same
// order every replica reaches the same state and produces the same
// responses and events.
package state_machine

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"go.uber.org/zap"
)

// DefaultSessionTimeout applies to sessions opened without a timeout
const DefaultSessionTimeout = 5 * time.Second

// Listener observes side effects meant for clients. Only the replica
// serving clients should have one.
type Listener interface {
	Publish(event protocol.Event)
	SessionClosed(partition cluster.PartitionID, session uint64, expired bool)
}

// Option configures a StateMachine
type Option func(*StateMachine)

// WithOrderedCommands makes the state machine apply each session's
// commands in the order the session issued them, holding back commands
// that arrive before their predecessor.
func WithOrderedCommands() Option {
	return func(stateMachine *StateMachine) {
		stateMachine.ordered = true
	}
}

// WithListener sets the listener notified of events and closed sessions
func WithListener(listener Listener) Option {
	return func(stateMachine *StateMachine) {
		stateMachine.listener = listener
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(stateMachine *StateMachine) {
		stateMachine.logger = logger
	}
}

// StateMachine is safe for concurrent use
type StateMachine struct {
	partition cluster.PartitionID
	ordered   bool
	listener  Listener
	logger    *zap.Logger

	mu       sync.Mutex
	index    uint64
	now      int64
	sessions *treemap.Map
	services *treemap.Map
}

// New creates an empty state machine for partition
func New(partition cluster.PartitionID, options ...Option) *StateMachine {
	stateMachine := &StateMachine{
		partition: partition,
		logger:    zap.NewNop(),
		sessions:  treemap.NewWith(utils.UInt64Comparator),
		services:  treemap.NewWith(utils.StringComparator),
	}

	for _, option := range options {
		option(stateMachine)
	}

	stateMachine.logger = stateMachine.logger.With(zap.Uint32("partition", uint32(partition)))

	return stateMachine
}

// Index returns the index of the last applied entry
func (stateMachine *StateMachine) Index() uint64 {
	stateMachine.mu.Lock()
	defer stateMachine.mu.Unlock()

	return stateMachine.index
}

// Now returns the state machine's clock in nanoseconds since the epoch
func (stateMachine *StateMachine) Now() int64 {
	stateMachine.mu.Lock()
	defer stateMachine.mu.Unlock()

	return stateMachine.now
}

// Sessions returns the ids of the open sessions in ascending order
func (stateMachine *StateMachine) Sessions() []uint64 {
	stateMachine.mu.Lock()
	defer stateMachine.mu.Unlock()

	ids := make([]uint64, 0, stateMachine.sessions.Size())

	for _, key := range stateMachine.sessions.Keys() {
		ids = append(ids, key.(uint64))
	}

	return ids
}

// Apply applies entry and returns the completions it produced. Besides
// the entry's own response these can include responses for commands
// held back earlier. Entries must be applied in index order.
func (stateMachine *StateMachine) Apply(entry Entry) []Completion {
	stateMachine.mu.Lock()
	defer stateMachine.mu.Unlock()

	if entry.Index > stateMachine.index {
		stateMachine.index = entry.Index
	}

	if entry.Timestamp > stateMachine.now {
		stateMachine.now = entry.Timestamp
	}

	completions := stateMachine.expire()

	switch entry.Request.Kind {
	case protocol.RequestOpen:
		completions = append(completions, Completion{ID: entry.ID, Response: stateMachine.openSession(entry)})
	case protocol.RequestKeepAlive:
		completions = append(completions, Completion{ID: entry.ID, Response: stateMachine.keepAlive(entry.Request)})
	case protocol.RequestClose:
		completions = append(completions, Completion{ID: entry.ID, Response: stateMachine.closeRequest(entry.Request)})
	case protocol.RequestCommand:
		completions = append(completions, stateMachine.command(entry)...)
	case protocol.RequestQuery:
		completions = append(completions, Completion{ID: entry.ID, Response: stateMachine.query(entry.Request)})
	case protocol.RequestClock:
		completions = append(completions, Completion{ID: entry.ID, Response: stateMachine.ok(0)})
	default:
		completions = append(completions, Completion{ID: entry.ID, Response: protocol.ErrorResponse(fmt.Errorf("%s requests are not replicated: %w", entry.Request.Kind, operation.ErrInvalidOperation))})
	}

	return completions
}

// Query serves a read without going through the log. It sees the
// state as of the last applied entry.
func (stateMachine *StateMachine) Query(request protocol.Request) protocol.Response {
	stateMachine.mu.Lock()
	defer stateMachine.mu.Unlock()

	return stateMachine.query(request)
}

func (stateMachine *StateMachine) ok(session uint64) protocol.Response {
	return protocol.Response{
		Metadata: protocol.Metadata{
			Partition: stateMachine.partition,
			Session:   session,
			Index:     stateMachine.index,
		},
	}
}

func (stateMachine *StateMachine) errorResponse(session uint64, err error) protocol.Response {
	response := protocol.ErrorResponse(err)
	response.Metadata = stateMachine.ok(session).Metadata

	return response
}

func (stateMachine *StateMachine) query(request protocol.Request) protocol.Response {
	session, err := stateMachine.session(request.Session)

	if err != nil {
		return stateMachine.errorResponse(request.Session, err)
	}

	svc, err := stateMachine.service(session.service)

	if err != nil {
		return stateMachine.errorResponse(session.id, err)
	}

	op, err := operation.Decode(request.Payload)

	if err != nil {
		return stateMachine.errorResponse(session.id, err)
	}

	if op.Kind() != operation.KindQuery {
		return stateMachine.errorResponse(session.id, fmt.Errorf("%s is not a query: %w", op.Tag(), operation.ErrInvalidOperation))
	}

	output := operation.Output{}

	if _, ok := op.(operation.Get); ok {
		output.Value, output.Present = svc.current(stateMachine.now)
	}

	return stateMachine.outputResponse(session.id, output)
}

func (stateMachine *StateMachine) outputResponse(session uint64, output operation.Output) protocol.Response {
	encoded, err := operation.EncodeOutput(output)

	if err != nil {
		return stateMachine.errorResponse(session, err)
	}

	response := stateMachine.ok(session)
	response.Output = encoded

	return response
}

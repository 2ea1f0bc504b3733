// Package session implements the client side of a partition session:
// the unit of liveness, ordering and consistency between a primitive
// and one partition.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/subscription"
	"github.com/jrife/plover/utils/async"
	"go.uber.org/zap"
)

// DefaultTimeout is the session timeout used when none is configured
const DefaultTimeout = 5 * time.Second

// State is the lifecycle state of a session
type State int

const (
	StateInit State = iota
	StateConnecting
	StateActive
	StateClosed
	StateExpired
)

func (state State) String() string {
	switch state {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateExpired:
		return "expired"
	}

	return fmt.Sprintf("State(%d)", int(state))
}

// Terminal reports whether the session can never become active again
func (state State) Terminal() bool {
	return state == StateClosed || state == StateExpired
}

// Response is the decoded result of an operation
type Response struct {
	Output   operation.Output
	Metadata protocol.Metadata
}

// Option configures a Session
type Option func(*Session)

// WithTimeout sets how long the backend keeps the session without a
// keep-alive
func WithTimeout(timeout time.Duration) Option {
	return func(session *Session) {
		session.timeout = timeout
	}
}

// WithKeepAliveInterval sets how often keep-alives are sent. It
// defaults to half the timeout.
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(session *Session) {
		session.keepAliveInterval = interval
	}
}

// WithConsistency sets the read consistency requested for queries
func WithConsistency(consistency protocol.ReadConsistency) Option {
	return func(session *Session) {
		session.consistency = consistency
	}
}

// WithLogger sets the session's logger
func WithLogger(logger *zap.Logger) Option {
	return func(session *Session) {
		session.logger = logger
	}
}

// Session is a client's session with one partition for one service.
// Every mutable field is guarded by mu.
type Session struct {
	partition         cluster.PartitionID
	service           string
	client            protocol.PartitionClient
	timeout           time.Duration
	keepAliveInterval time.Duration
	consistency       protocol.ReadConsistency
	logger            *zap.Logger
	subscriptions     *subscription.Manager

	mu          sync.Mutex
	state       State
	id          uint64
	sequence    uint64
	lastCommand uint64
	index       uint64
	// pending maps sequence numbers to the results awaiting responses
	pending   *treemap.Map
	listeners []func(State)
	cancel    context.CancelFunc
}

// New creates a session in the Init state
func New(partition cluster.PartitionID, service string, client protocol.PartitionClient, options ...Option) *Session {
	session := &Session{
		partition: partition,
		service:   service,
		client:    client,
		timeout:   DefaultTimeout,
		logger:    zap.NewNop(),
		pending:   treemap.NewWith(utils.UInt64Comparator),
	}

	for _, option := range options {
		option(session)
	}

	if session.keepAliveInterval <= 0 {
		session.keepAliveInterval = session.timeout / 2
	}

	session.logger = session.logger.With(zap.String("service", service), zap.Uint32("partition", uint32(partition)))
	session.subscriptions = subscription.NewManager(session.logger)

	return session
}

// ID returns the backend assigned session id, zero before Connect
func (session *Session) ID() uint64 {
	session.mu.Lock()
	defer session.mu.Unlock()

	return session.id
}

// State returns the current state
func (session *Session) State() State {
	session.mu.Lock()
	defer session.mu.Unlock()

	return session.state
}

// Sequence returns the last sequence number handed out
func (session *Session) Sequence() uint64 {
	session.mu.Lock()
	defer session.mu.Unlock()

	return session.sequence
}

// Index returns the highest consistency token observed
func (session *Session) Index() uint64 {
	session.mu.Lock()
	defer session.mu.Unlock()

	return session.index
}

// Partition returns the partition the session is bound to
func (session *Session) Partition() cluster.PartitionID {
	return session.partition
}

// Subscriptions returns the session's subscription manager
func (session *Session) Subscriptions() *subscription.Manager {
	return session.subscriptions
}

// OnStateChange registers a listener called after every state change
func (session *Session) OnStateChange(listener func(State)) {
	session.mu.Lock()
	defer session.mu.Unlock()

	session.listeners = append(session.listeners, listener)
}

// transition must be called with mu held. The returned function
// notifies listeners and must be called after mu is released.
func (session *Session) transition(state State) func() {
	previous := session.state
	session.state = state
	listeners := append([]func(State){}, session.listeners...)

	return func() {
		session.logger.Info("session state changed",
			zap.Uint64("session", session.ID()),
			zap.Stringer("from", previous),
			zap.Stringer("to", state),
		)

		if state.Terminal() {
			session.subscriptions.Close()
		}

		for _, listener := range listeners {
			listener(state)
		}
	}
}

// ack must be called with mu held. It returns the highest sequence
// below which no response is outstanding.
func (session *Session) ack() uint64 {
	if session.pending.Empty() {
		return session.sequence
	}

	lowest, _ := session.pending.Min()

	return lowest.(uint64) - 1
}

func (session *Session) header() protocol.RequestHeader {
	return protocol.RequestHeader{
		Partition: session.partition,
		Service:   session.service,
		Session:   session.id,
		Ack:       session.ack(),
	}
}

// Connect opens the session on the backend. A failed Connect leaves
// the session in Init so it may be tried again.
func (session *Session) Connect(ctx context.Context) error {
	session.mu.Lock()

	switch session.state {
	case StateActive:
		session.mu.Unlock()

		return nil
	case StateConnecting:
		session.mu.Unlock()

		return errors.New("session is already connecting")
	case StateClosed:
		session.mu.Unlock()

		return ErrSessionClosed
	case StateExpired:
		session.mu.Unlock()

		return ErrSessionExpired
	}

	notify := session.transition(StateConnecting)
	session.mu.Unlock()
	notify()

	metadata, err := session.client.OpenSession(ctx, protocol.OpenRequest{
		Partition: session.partition,
		Service:   session.service,
		Timeout:   session.timeout,
	})

	if err == nil {
		err = session.start(ctx, metadata)
	}

	if err != nil {
		session.mu.Lock()

		if session.state == StateConnecting {
			notify = session.transition(StateInit)
		} else {
			notify = func() {}
		}

		session.mu.Unlock()
		notify()

		return wrapError(err)
	}

	return nil
}

func (session *Session) start(ctx context.Context, metadata protocol.Metadata) error {
	background, cancel := context.WithCancel(context.Background())
	stream, err := session.client.Events(background, protocol.RequestHeader{
		Partition: session.partition,
		Service:   session.service,
		Session:   metadata.Session,
	})

	if err != nil {
		cancel()
		session.client.CloseSession(ctx, protocol.RequestHeader{Partition: session.partition, Service: session.service, Session: metadata.Session})

		return fmt.Errorf("could not open event stream: %w", err)
	}

	session.mu.Lock()

	if session.state != StateConnecting {
		session.mu.Unlock()
		cancel()
		stream.Close()
		session.client.CloseSession(ctx, protocol.RequestHeader{Partition: session.partition, Service: session.service, Session: metadata.Session})

		return ErrSessionClosed
	}

	session.id = metadata.Session
	session.observe(metadata.Index)
	session.cancel = cancel
	notify := session.transition(StateActive)
	session.mu.Unlock()

	go session.keepAlive(background)
	go session.pump(background, stream)

	notify()

	return nil
}

// observe must be called with mu held
func (session *Session) observe(index uint64) {
	if index > session.index {
		session.index = index
	}
}

func (session *Session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(session.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		session.mu.Lock()

		if session.state != StateActive {
			session.mu.Unlock()

			return
		}

		header := session.header()
		session.mu.Unlock()

		requestCtx, cancel := context.WithTimeout(ctx, session.keepAliveInterval)
		metadata, err := session.client.KeepAlive(requestCtx, header)
		cancel()

		if err != nil {
			if errors.Is(err, protocol.ErrUnknownSession) {
				session.expire()

				return
			}

			if ctx.Err() != nil {
				return
			}

			session.logger.Warn("keep-alive failed", zap.Uint64("session", header.Session), zap.Error(err))

			continue
		}

		session.mu.Lock()
		session.observe(metadata.Index)
		session.mu.Unlock()
	}
}

func (session *Session) pump(ctx context.Context, stream protocol.EventStream) {
	defer stream.Close()

	for {
		event, err := stream.Recv()

		if err != nil {
			if ctx.Err() == nil {
				session.logger.Debug("event stream ended", zap.Error(err))
			}

			return
		}

		session.subscriptions.Deliver(event)
	}
}

func (session *Session) expire() {
	session.mu.Lock()

	if session.state.Terminal() {
		session.mu.Unlock()

		return
	}

	if session.cancel != nil {
		session.cancel()
	}

	notify := session.transition(StateExpired)
	session.mu.Unlock()
	notify()
}

// checkState must be called with mu held
func (session *Session) checkState() error {
	switch session.state {
	case StateActive:
		return nil
	case StateClosed:
		return ErrSessionClosed
	case StateExpired:
		return ErrSessionExpired
	}

	return ErrNotConnected
}

// Dispatch submits op. The returned result is already failed when the
// session cannot accept operations.
func (session *Session) Dispatch(ctx context.Context, op operation.Operation) *async.Result[Response] {
	payload, err := operation.Encode(op)

	if err != nil {
		return async.Failed[Response](err)
	}

	session.mu.Lock()

	if err := session.checkState(); err != nil {
		session.mu.Unlock()

		return async.Failed[Response](err)
	}

	header := session.header()
	session.sequence++
	header.Sequence = session.sequence

	if op.Kind() == operation.KindCommand {
		header.Previous = session.lastCommand
		session.lastCommand = header.Sequence
	} else {
		header.MinIndex = session.index
		header.Consistency = session.consistency
	}

	result := async.New[Response]()
	session.pending.Put(header.Sequence, result)
	session.mu.Unlock()

	go session.send(ctx, op, header, payload, result)

	return result
}

func (session *Session) send(ctx context.Context, op operation.Operation, header protocol.RequestHeader, payload []byte, result *async.Result[Response]) {
	var output []byte
	var metadata protocol.Metadata
	var err error

	if op.Kind() == operation.KindCommand {
		output, metadata, err = session.client.Command(ctx, header, payload)
	} else {
		output, metadata, err = session.client.Query(ctx, header, payload)
	}

	session.mu.Lock()
	session.pending.Remove(header.Sequence)

	if err == nil && op.Kind() == operation.KindQuery && session.consistency != protocol.Eventual && metadata.Index < session.index {
		err = fmt.Errorf("%w: index %d is behind %d", ErrStaleRead, metadata.Index, session.index)
	} else if err == nil {
		session.observe(metadata.Index)
	}

	session.mu.Unlock()

	if err != nil {
		session.logger.Debug("operation failed",
			zap.Uint64("session", header.Session),
			zap.Uint64("sequence", header.Sequence),
			zap.Stringer("operation", op.Tag()),
			zap.Error(err),
		)

		if errors.Is(err, protocol.ErrUnknownSession) {
			session.expire()
		}

		result.Fail(wrapError(err))

		return
	}

	decoded, err := operation.DecodeOutput(output)

	if err != nil {
		result.Fail(err)

		return
	}

	result.Complete(Response{Output: decoded, Metadata: metadata})
}

// Close ends the session. Operations in flight complete normally and
// later dispatches fail with ErrSessionClosed. Closing an already
// closed or expired session does nothing.
func (session *Session) Close(ctx context.Context) error {
	session.mu.Lock()

	if session.state.Terminal() {
		session.mu.Unlock()

		return nil
	}

	wasActive := session.state == StateActive
	header := session.header()

	if session.cancel != nil {
		session.cancel()
	}

	notify := session.transition(StateClosed)
	session.mu.Unlock()
	notify()

	if !wasActive {
		return nil
	}

	if err := session.client.CloseSession(ctx, header); err != nil && !errors.Is(err, protocol.ErrUnknownSession) {
		session.logger.Debug("could not close session on backend", zap.Uint64("session", header.Session), zap.Error(err))
	}

	return nil
}

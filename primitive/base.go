// Package primitive provides the asynchronous client API of replicated
// primitives. Each primitive owns exactly one session with the
// partition its name hashes to. Every operation returns an
// *async.Result immediately and is resolved once the backend responds.
// Values are never cached locally and failed operations are never
// retried.
package primitive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/session"
	"github.com/jrife/plover/subscription"
	"github.com/jrife/plover/utils/async"
	"go.uber.org/zap"
)

// base holds what every primitive shares: its name, its backend and
// the session bound to it
type base struct {
	name             string
	backend          protocol.Protocol
	partitionService cluster.PartitionService
	options          options
	logger           *zap.Logger

	mu      sync.Mutex
	closed  bool
	handle  protocol.ServiceHandle
	session *session.Session
}

func newBase(name string, backend protocol.Protocol, partitionService cluster.PartitionService, opts []Option) *base {
	options := newOptions(opts)

	return &base{
		name:             name,
		backend:          backend,
		partitionService: partitionService,
		options:          options,
		logger:           options.logger.With(zap.String("primitive", name), zap.String("protocol", string(backend.Type()))),
	}
}

func (base *base) connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := base.tryConnect(ctx)

		if err == nil {
			return nil
		}

		delay, retry := base.options.retryPolicy.Next(attempt, err)

		if !retry {
			return err
		}

		base.logger.Info("connect failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("%w: %w", ErrPrimitiveUnavailable, ctx.Err())
		}
	}
}

// tryConnect binds a new session unless an active one exists. A
// primitive whose session expired gets a fresh session and handle.
func (base *base) tryConnect(ctx context.Context) error {
	base.mu.Lock()

	if base.closed {
		base.mu.Unlock()

		return ErrSessionClosed
	}

	if base.session != nil && base.session.State() != session.StateExpired {
		base.mu.Unlock()

		return nil
	}

	stale := base.handle
	base.handle = nil
	base.session = nil
	base.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	handle, err := base.backend.CreateService(ctx, base.name, base.partitionService)

	if err != nil {
		return wrapError(err)
	}

	partitions := handle.Partitions()
	index, err := base.options.partitioner(base.name, len(partitions))

	if err != nil {
		handle.Close()

		return fmt.Errorf("%w: %w", ErrPrimitiveUnavailable, err)
	}

	partition := partitions[index]
	client, err := handle.Partition(partition)

	if err != nil {
		handle.Close()

		return wrapError(err)
	}

	bound := session.New(partition, base.name, client, base.options.sessionOptions()...)

	if err := bound.Connect(ctx); err != nil {
		handle.Close()

		return wrapError(err)
	}

	base.mu.Lock()

	if base.closed || base.session != nil {
		base.mu.Unlock()
		bound.Close(ctx)
		handle.Close()

		if base.closed {
			return ErrSessionClosed
		}

		return nil
	}

	base.handle = handle
	base.session = bound
	base.mu.Unlock()

	base.logger.Debug("connected", zap.Uint32("partition", uint32(partition)), zap.Uint64("session", bound.ID()))

	return nil
}

func (base *base) current() (*session.Session, error) {
	base.mu.Lock()
	defer base.mu.Unlock()

	if base.closed {
		return nil, ErrSessionClosed
	}

	if base.session == nil {
		return nil, session.ErrNotConnected
	}

	return base.session, nil
}

// dispatch sends op through the bound session and converts the response
// with fn
func dispatch[T any](ctx context.Context, base *base, op operation.Operation, fn func(session.Response) (T, error)) *async.Result[T] {
	bound, err := base.current()

	if err != nil {
		return async.Failed[T](err)
	}

	response := bound.Dispatch(ctx, op)
	result := async.New[T]()

	go func() {
		r, err := response.Get()

		if err != nil {
			result.Fail(wrapError(err))

			return
		}

		value, err := fn(r)

		if err != nil {
			result.Fail(wrapError(err))

			return
		}

		result.Complete(value)
	}()

	return result
}

// listen registers callback before sending the Listen so that events
// emitted right after it are not lost
func (base *base) listen(ctx context.Context, callback subscription.Callback) error {
	bound, err := base.current()

	if err != nil {
		return err
	}

	manager := bound.Subscriptions()
	sub, err := manager.Register(base.name, callback)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}

	response, err := bound.Dispatch(ctx, operation.NewListen()).Await(ctx)

	if err != nil {
		manager.Unregister(sub)

		return wrapError(err)
	}

	manager.Activate(sub, response.Metadata.Index)

	return nil
}

// unlisten stops delivery before telling the backend and waits for a
// running callback to return. It must not be called from a callback.
func (base *base) unlisten(ctx context.Context) error {
	bound, err := base.current()

	if err != nil {
		return err
	}

	manager := bound.Subscriptions()
	sub, ok := manager.Get(base.name)

	if !ok {
		return nil
	}

	manager.Unregister(sub)

	if _, err := bound.Dispatch(ctx, operation.NewUnlisten()).Await(ctx); err != nil {
		return wrapError(err)
	}

	select {
	case <-sub.Done():
		return nil
	case <-ctx.Done():
		return wrapError(ctx.Err())
	}
}

// close releases the session and handle. Closing twice does nothing.
func (base *base) close(ctx context.Context) error {
	base.mu.Lock()

	if base.closed {
		base.mu.Unlock()

		return nil
	}

	base.closed = true
	bound, handle := base.session, base.handle
	base.mu.Unlock()

	var err error

	if bound != nil {
		err = bound.Close(ctx)
	}

	if handle != nil {
		if closeErr := handle.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	if err != nil {
		base.logger.Debug("close failed", zap.Error(err))
	}

	return wrapError(err)
}

// destroy deletes the primitive on the backend then closes it
func (base *base) destroy(ctx context.Context) error {
	_, err := dispatch(ctx, base, operation.NewDelete(), func(session.Response) (struct{}, error) {
		return struct{}{}, nil
	}).Await(ctx)

	closeErr := base.close(ctx)

	if err != nil {
		return wrapError(err)
	}

	return closeErr
}

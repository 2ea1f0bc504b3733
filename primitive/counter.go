package primitive

import (
	"context"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/session"
	"github.com/jrife/plover/utils/async"
)

// AtomicCounter is a replicated int64. A counter that was never
// written reads as zero.
type AtomicCounter struct {
	base *base
}

// NewAtomicCounter creates a counter named name on backend. It must be
// connected before use.
func NewAtomicCounter(name string, backend protocol.Protocol, partitionService cluster.PartitionService, options ...Option) *AtomicCounter {
	return &AtomicCounter{base: newBase(name, backend, partitionService, options)}
}

// Name returns the counter's name
func (counter *AtomicCounter) Name() string {
	return counter.base.name
}

// Connect binds the counter to its partition and initializes it to
// zero if it has no value
func (counter *AtomicCounter) Connect(ctx context.Context) error {
	if err := counter.base.connect(ctx); err != nil {
		return err
	}

	op, err := operation.NewCompareAndSet(nil, operation.EncodeInt64(0), 0)

	if err != nil {
		return wrapError(err)
	}

	_, err = dispatch(ctx, counter.base, op, succeeded).Await(ctx)

	return wrapError(err)
}

func decodeCount(data []byte) (int64, error) {
	return operation.DecodeInt64(data)
}

// Get reads the counter
func (counter *AtomicCounter) Get(ctx context.Context) *async.Result[int64] {
	return dispatch(ctx, counter.base, operation.NewGet(), func(response session.Response) (int64, error) {
		return decodeCount(response.Output.Value)
	})
}

// Set replaces the counter's value
func (counter *AtomicCounter) Set(ctx context.Context, value int64) *async.Result[struct{}] {
	op, err := operation.NewSet(operation.EncodeInt64(value), 0)

	if err != nil {
		return async.Failed[struct{}](wrapError(err))
	}

	return dispatch(ctx, counter.base, op, func(session.Response) (struct{}, error) {
		return struct{}{}, nil
	})
}

// CompareAndSet replaces the counter's value with update if it is
// currently expect
func (counter *AtomicCounter) CompareAndSet(ctx context.Context, expect int64, update int64) *async.Result[bool] {
	op, err := operation.NewCompareAndSet(operation.EncodeInt64(expect), operation.EncodeInt64(update), 0)

	if err != nil {
		return async.Failed[bool](wrapError(err))
	}

	return dispatch(ctx, counter.base, op, succeeded)
}

// add applies delta and returns either the new or the previous value
func (counter *AtomicCounter) add(ctx context.Context, delta int64, next bool) *async.Result[int64] {
	var op operation.Operation
	var err error

	if delta < 0 {
		op, err = operation.NewDecrement(-delta, 0)
	} else {
		op, err = operation.NewIncrement(delta, 0)
	}

	if err != nil {
		return async.Failed[int64](wrapError(err))
	}

	return dispatch(ctx, counter.base, op, func(response session.Response) (int64, error) {
		if next {
			return decodeCount(response.Output.Next)
		}

		return decodeCount(response.Output.Previous)
	})
}

// IncrementAndGet adds one and returns the new value
func (counter *AtomicCounter) IncrementAndGet(ctx context.Context) *async.Result[int64] {
	return counter.add(ctx, 1, true)
}

// GetAndIncrement adds one and returns the previous value
func (counter *AtomicCounter) GetAndIncrement(ctx context.Context) *async.Result[int64] {
	return counter.add(ctx, 1, false)
}

// DecrementAndGet subtracts one and returns the new value
func (counter *AtomicCounter) DecrementAndGet(ctx context.Context) *async.Result[int64] {
	return counter.add(ctx, -1, true)
}

// GetAndDecrement subtracts one and returns the previous value
func (counter *AtomicCounter) GetAndDecrement(ctx context.Context) *async.Result[int64] {
	return counter.add(ctx, -1, false)
}

// AddAndGet adds delta and returns the new value
func (counter *AtomicCounter) AddAndGet(ctx context.Context, delta int64) *async.Result[int64] {
	return counter.add(ctx, delta, true)
}

// GetAndAdd adds delta and returns the previous value
func (counter *AtomicCounter) GetAndAdd(ctx context.Context, delta int64) *async.Result[int64] {
	return counter.add(ctx, delta, false)
}

// Close releases the counter's session. The count itself is kept.
func (counter *AtomicCounter) Close(ctx context.Context) error {
	return counter.base.close(ctx)
}

// Delete removes the counter from the backend and closes it
func (counter *AtomicCounter) Delete(ctx context.Context) error {
	return counter.base.destroy(ctx)
}

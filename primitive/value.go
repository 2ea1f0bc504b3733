package primitive

import (
	"context"
	"fmt"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/session"
	"github.com/jrife/plover/utils/async"
	"go.uber.org/zap"
)

// Versioned is a value read from or written to the backend. Index is
// the position in the partition's history the response reflects.
type Versioned[T any] struct {
	Value   T
	Present bool
	Index   uint64
}

// Event describes a change to a value
type Event[T any] struct {
	Value           T
	Present         bool
	Previous        T
	PreviousPresent bool
	Index           uint64
}

// AtomicValue is a replicated value of type T
type AtomicValue[T any] struct {
	base  *base
	codec Codec[T]
}

// NewAtomicValue creates a value named name on backend. It must be
// connected before use.
func NewAtomicValue[T any](name string, backend protocol.Protocol, partitionService cluster.PartitionService, codec Codec[T], options ...Option) *AtomicValue[T] {
	return &AtomicValue[T]{
		base:  newBase(name, backend, partitionService, options),
		codec: codec,
	}
}

// Name returns the value's name
func (value *AtomicValue[T]) Name() string {
	return value.base.name
}

// Connect binds the value to its partition. It fails with
// ErrPrimitiveUnavailable if the backend cannot serve it.
func (value *AtomicValue[T]) Connect(ctx context.Context) error {
	return value.base.connect(ctx)
}

func (value *AtomicValue[T]) encode(v T) ([]byte, error) {
	data, err := value.codec.Encode(v)

	if err != nil {
		return nil, fmt.Errorf("could not encode value: %w: %w", ErrInvalidOperation, err)
	}

	if data == nil {
		data = []byte{}
	}

	return data, nil
}

func (value *AtomicValue[T]) decode(data []byte, present bool) (T, error) {
	var zero T

	if !present {
		return zero, nil
	}

	decoded, err := value.codec.Decode(data)

	if err != nil {
		return zero, fmt.Errorf("could not decode value: %w: %w", ErrInvalidOperation, err)
	}

	return decoded, nil
}

func (value *AtomicValue[T]) versioned(data []byte, present bool, index uint64) (Versioned[T], error) {
	decoded, err := value.decode(data, present)

	if err != nil {
		return Versioned[T]{}, err
	}

	return Versioned[T]{Value: decoded, Present: present, Index: index}, nil
}

// Get reads the current value
func (value *AtomicValue[T]) Get(ctx context.Context) *async.Result[Versioned[T]] {
	return dispatch(ctx, value.base, operation.NewGet(), func(response session.Response) (Versioned[T], error) {
		return value.versioned(response.Output.Value, response.Output.Present, response.Metadata.Index)
	})
}

// Set replaces the value and returns what was written
func (value *AtomicValue[T]) Set(ctx context.Context, v T) *async.Result[Versioned[T]] {
	return value.SetWithTTL(ctx, v, 0)
}

// SetWithTTL replaces the value with one that is removed after ttl or
// when this primitive's session ends, whichever comes first. A ttl of
// zero writes a persistent value.
func (value *AtomicValue[T]) SetWithTTL(ctx context.Context, v T, ttl time.Duration) *async.Result[Versioned[T]] {
	data, err := value.encode(v)

	if err != nil {
		return async.Failed[Versioned[T]](err)
	}

	op, err := operation.NewSet(data, ttl)

	if err != nil {
		return async.Failed[Versioned[T]](wrapError(err))
	}

	return dispatch(ctx, value.base, op, func(response session.Response) (Versioned[T], error) {
		return value.versioned(response.Output.Next, true, response.Metadata.Index)
	})
}

// CompareAndSet replaces the value with update if it currently equals
// expect. It reports whether the value was replaced.
func (value *AtomicValue[T]) CompareAndSet(ctx context.Context, expect T, update T) *async.Result[bool] {
	expectData, err := value.encode(expect)

	if err != nil {
		return async.Failed[bool](err)
	}

	updateData, err := value.encode(update)

	if err != nil {
		return async.Failed[bool](err)
	}

	op, err := operation.NewCompareAndSet(expectData, updateData, 0)

	if err != nil {
		return async.Failed[bool](wrapError(err))
	}

	return dispatch(ctx, value.base, op, succeeded)
}

// SetIfAbsent writes v only if there is no current value
func (value *AtomicValue[T]) SetIfAbsent(ctx context.Context, v T, ttl time.Duration) *async.Result[bool] {
	data, err := value.encode(v)

	if err != nil {
		return async.Failed[bool](err)
	}

	op, err := operation.NewCompareAndSet(nil, data, ttl)

	if err != nil {
		return async.Failed[bool](wrapError(err))
	}

	return dispatch(ctx, value.base, op, succeeded)
}

// GetAndSet replaces the value and returns the one it replaced
func (value *AtomicValue[T]) GetAndSet(ctx context.Context, v T) *async.Result[Versioned[T]] {
	data, err := value.encode(v)

	if err != nil {
		return async.Failed[Versioned[T]](err)
	}

	op, err := operation.NewGetAndSet(data, 0)

	if err != nil {
		return async.Failed[Versioned[T]](wrapError(err))
	}

	return dispatch(ctx, value.base, op, func(response session.Response) (Versioned[T], error) {
		return value.versioned(response.Output.Previous, response.Output.Present, response.Metadata.Index)
	})
}

// Listen calls callback for every change made after Listen returns.
// Callbacks run one at a time in the order changes were applied.
func (value *AtomicValue[T]) Listen(ctx context.Context, callback func(Event[T])) error {
	return value.base.listen(ctx, func(event protocol.Event) {
		change, err := operation.DecodeChange(event.Payload)

		if err != nil {
			value.base.logger.Warn("dropping malformed event", zap.Uint64("eventIndex", event.EventIndex), zap.Error(err))

			return
		}

		current, err := value.decode(change.Value, change.Value != nil)

		if err != nil {
			value.base.logger.Warn("dropping undecodable event", zap.Uint64("eventIndex", event.EventIndex), zap.Error(err))

			return
		}

		previous, err := value.decode(change.Previous, change.Previous != nil)

		if err != nil {
			value.base.logger.Warn("dropping undecodable event", zap.Uint64("eventIndex", event.EventIndex), zap.Error(err))

			return
		}

		callback(Event[T]{
			Value:           current,
			Present:         change.Value != nil,
			Previous:        previous,
			PreviousPresent: change.Previous != nil,
			Index:           event.Index,
		})
	})
}

// Unlisten stops the callback registered by Listen. No callback runs
// once it returns.
func (value *AtomicValue[T]) Unlisten(ctx context.Context) error {
	return value.base.unlisten(ctx)
}

// Close releases the value's session. The value itself is kept.
func (value *AtomicValue[T]) Close(ctx context.Context) error {
	return value.base.close(ctx)
}

// Delete removes the value from the backend and closes it
func (value *AtomicValue[T]) Delete(ctx context.Context) error {
	return value.base.destroy(ctx)
}

func succeeded(response session.Response) (bool, error) {
	return response.Output.Succeeded, nil
}

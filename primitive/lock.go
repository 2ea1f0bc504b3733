package primitive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/session"
	"github.com/jrife/plover/utils/async"
	"github.com/jrife/plover/utils/uuid"
	"go.uber.org/zap"
)

// DefaultLockPollInterval bounds how long Lock waits between attempts
// when no release event arrives
const DefaultLockPollInterval = 100 * time.Millisecond

// Lock is a distributed mutual exclusion lock. The holder is recorded
// as an ephemeral value owned by the lock's session so it is released
// when the lease runs out, when Unlock is called or when the session
// closes or expires.
type Lock struct {
	base         *base
	holder       []byte
	pollInterval time.Duration
}

// NewLock creates a lock named name on backend. It must be connected
// before use.
func NewLock(name string, backend protocol.Protocol, partitionService cluster.PartitionService, options ...Option) *Lock {
	return &Lock{
		base:         newBase(name, backend, partitionService, options),
		holder:       []byte(uuid.MustUUID()),
		pollInterval: DefaultLockPollInterval,
	}
}

// Name returns the lock's name
func (lock *Lock) Name() string {
	return lock.base.name
}

// Connect binds the lock to its partition
func (lock *Lock) Connect(ctx context.Context) error {
	return lock.base.connect(ctx)
}

// TryLock acquires the lock for lease if nobody holds it. It reports
// whether this lock now holds it.
func (lock *Lock) TryLock(ctx context.Context, lease time.Duration) *async.Result[bool] {
	if lease <= 0 {
		return async.Failed[bool](fmt.Errorf("lease %s must be positive: %w", lease, ErrInvalidOperation))
	}

	op, err := operation.NewCompareAndSet(nil, lock.holder, lease)

	if err != nil {
		return async.Failed[bool](wrapError(err))
	}

	return dispatch(ctx, lock.base, op, succeeded)
}

// Lock blocks until the lock is acquired for lease or ctx is done
func (lock *Lock) Lock(ctx context.Context, lease time.Duration) error {
	released := make(chan struct{}, 1)

	err := lock.base.listen(ctx, func(event protocol.Event) {
		change, err := operation.DecodeChange(event.Payload)

		if err != nil || change.Value != nil {
			return
		}

		select {
		case released <- struct{}{}:
		default:
		}
	})

	if err != nil {
		return err
	}

	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), lock.base.options.sessionTimeout)
		defer cancel()

		if err := lock.base.unlisten(unlistenCtx); err != nil {
			lock.base.logger.Debug("could not stop watching lock", zap.Error(err))
		}
	}()

	for {
		acquired, err := lock.TryLock(ctx, lease).Await(ctx)

		if err != nil {
			return wrapError(err)
		}

		if acquired {
			return nil
		}

		timer := time.NewTimer(lock.pollInterval)

		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return wrapError(ctx.Err())
		}

		timer.Stop()
	}
}

// Unlock releases the lock. It reports false if this lock did not
// hold it.
func (lock *Lock) Unlock(ctx context.Context) *async.Result[bool] {
	op, err := operation.NewCompareAndSet(lock.holder, nil, 0)

	if err != nil {
		return async.Failed[bool](wrapError(err))
	}

	return dispatch(ctx, lock.base, op, succeeded)
}

// Held reports whether this lock currently holds the lock
func (lock *Lock) Held(ctx context.Context) *async.Result[bool] {
	return dispatch(ctx, lock.base, operation.NewGet(), func(response session.Response) (bool, error) {
		return response.Output.Present && bytes.Equal(response.Output.Value, lock.holder), nil
	})
}

// Close releases the lock's session, which also releases the lock
func (lock *Lock) Close(ctx context.Context) error {
	return lock.base.close(ctx)
}

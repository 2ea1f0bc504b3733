package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrife/plover/protocol"
)

var (
	// ErrSessionClosed is returned for operations on a closed session
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionExpired is returned once the backend has expired the session
	ErrSessionExpired = errors.New("session expired")
	// ErrOperationTimeout is returned when an operation's deadline passes
	// before its response arrives. The operation may still have been applied.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrNotConnected is returned when dispatching before Connect completes
	ErrNotConnected = fmt.Errorf("%w: session not connected", protocol.ErrPrimitiveUnavailable)
	// ErrStaleRead is returned when a query result is older than what the
	// session already observed
	ErrStaleRead = fmt.Errorf("%w: stale read", protocol.ErrPrimitiveUnavailable)
)

// wrapError translates errors returned by the partition client
func wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrOperationTimeout, err)
	case errors.Is(err, protocol.ErrUnknownSession):
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	return err
}

package primitive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/session"
)

var (
	// ErrPrimitiveUnavailable is returned when the backend cannot be reached
	// or the primitive is not connected
	ErrPrimitiveUnavailable = protocol.ErrPrimitiveUnavailable
	// ErrPrimitiveNotFound is returned when the backend has no such primitive
	ErrPrimitiveNotFound = protocol.ErrPrimitiveNotFound
	// ErrInvalidOperation is returned for malformed operations
	ErrInvalidOperation = operation.ErrInvalidOperation
	// ErrUnsupportedOperation is returned for operations the backend does not know
	ErrUnsupportedOperation = operation.ErrUnsupportedOperation
	// ErrSessionClosed is returned after the primitive is closed
	ErrSessionClosed = session.ErrSessionClosed
	// ErrSessionExpired is returned once the backend has expired the
	// primitive's session. Connect creates a new one.
	ErrSessionExpired = session.ErrSessionExpired
	// ErrOperationTimeout is returned when an operation's deadline passes.
	// The operation may still have been applied.
	ErrOperationTimeout = session.ErrOperationTimeout
)

var known = []error{
	ErrPrimitiveUnavailable,
	ErrPrimitiveNotFound,
	ErrInvalidOperation,
	ErrUnsupportedOperation,
	ErrSessionClosed,
	ErrSessionExpired,
	ErrOperationTimeout,
}

// wrapError makes sure every error surfaced to callers matches one of
// the errors above. Anything unrecognized is reported as unavailable.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	for _, target := range known {
		if errors.Is(err, target) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrOperationTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrPrimitiveUnavailable, err)
}

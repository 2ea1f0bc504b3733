package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned when the remote end cannot be reached
	// or refuses the request
	ErrUnavailable = errors.New("transport unavailable")
	// ErrClosed is returned when using a closed connection or stream
	ErrClosed = errors.New("transport closed")
)

// RetryableError marks a failure the remote end expects to clear
// after RetryAfter
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (err *RetryableError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", err.Err, err.RetryAfter)
}

func (err *RetryableError) Unwrap() error {
	return err.Err
}

// RetryAfter extracts the retry delay attached to err, if any
func RetryAfter(err error) (time.Duration, bool) {
	var retryable *RetryableError

	if errors.As(err, &retryable) {
		return retryable.RetryAfter, true
	}

	return 0, false
}

// Conn is a client connection to one partition host
type Conn interface {
	// Request sends one frame and waits for the reply frame
	Request(ctx context.Context, request []byte) ([]byte, error)
	// Stream sends one frame and returns the stream of frames
	// the host pushes in reply. The stream ends when ctx is done,
	// the stream is closed or the host finishes it.
	Stream(ctx context.Context, request []byte) (Stream, error)
	Close() error
}

// Stream is a server push stream
type Stream interface {
	// Recv returns the next frame. It returns io.EOF once the host
	// has finished the stream.
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens connections to partition hosts
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, address string) (Conn, error)

// Dial implements Dialer.Dial
func (dialerFunc DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return dialerFunc(ctx, address)
}

// Handler is implemented by partition hosts
type Handler interface {
	// Handle answers a single request frame
	Handle(ctx context.Context, request []byte) ([]byte, error)
	// Stream pushes frames through send until ctx is done or
	// the host has nothing more to send
	Stream(ctx context.Context, request []byte, send func([]byte) error) error
}

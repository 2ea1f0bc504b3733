package primitive

import (
	"errors"
	"time"

	"github.com/jrife/plover/partitioner"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/session"
	"github.com/jrife/plover/transport"
	"go.uber.org/zap"
)

// RetryPolicy decides whether a failed Connect is tried again. Operations
// are never retried.
type RetryPolicy interface {
	// Next is called after the attempt'th failure. It returns how long
	// to wait before the next attempt or false to give up.
	Next(attempt int, err error) (time.Duration, bool)
}

// NoRetry gives up after the first failure
type NoRetry struct{}

var _ RetryPolicy = NoRetry{}

// Next implements RetryPolicy.Next
func (NoRetry) Next(attempt int, err error) (time.Duration, bool) {
	return 0, false
}

// Backoff retries unavailable errors with an exponentially growing
// delay. A delay suggested by the transport takes precedence.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

var _ RetryPolicy = Backoff{}

// Next implements RetryPolicy.Next
func (backoff Backoff) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= backoff.Attempts || !errors.Is(err, ErrPrimitiveUnavailable) {
		return 0, false
	}

	if delay, ok := transport.RetryAfter(err); ok {
		return delay, true
	}

	delay := backoff.Initial

	for i := 1; i < attempt && (backoff.Max <= 0 || delay < backoff.Max); i++ {
		delay *= 2
	}

	if backoff.Max > 0 && delay > backoff.Max {
		delay = backoff.Max
	}

	return delay, true
}

type options struct {
	partitioner       partitioner.Partitioner
	sessionTimeout    time.Duration
	keepAliveInterval time.Duration
	consistency       protocol.ReadConsistency
	retryPolicy       RetryPolicy
	logger            *zap.Logger
}

func newOptions(opts []Option) options {
	options := options{
		partitioner:    partitioner.Murmur3,
		sessionTimeout: session.DefaultTimeout,
		retryPolicy:    NoRetry{},
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return options
}

func (options options) sessionOptions() []session.Option {
	return []session.Option{
		session.WithTimeout(options.sessionTimeout),
		session.WithKeepAliveInterval(options.keepAliveInterval),
		session.WithConsistency(options.consistency),
		session.WithLogger(options.logger),
	}
}

// Option configures a primitive
type Option func(*options)

// WithPartitioner replaces the murmur3 partitioner
func WithPartitioner(partitioner partitioner.Partitioner) Option {
	return func(options *options) {
		options.partitioner = partitioner
	}
}

// WithSessionTimeout sets how long the backend keeps the primitive's
// session alive without a keep-alive
func WithSessionTimeout(timeout time.Duration) Option {
	return func(options *options) {
		if timeout > 0 {
			options.sessionTimeout = timeout
		}
	}
}

// WithKeepAliveInterval sets how often keep-alives are sent
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(options *options) {
		options.keepAliveInterval = interval
	}
}

// WithConsistency sets the consistency requested for reads
func WithConsistency(consistency protocol.ReadConsistency) Option {
	return func(options *options) {
		options.consistency = consistency
	}
}

// WithRetryPolicy sets how Connect failures are retried
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(options *options) {
		options.retryPolicy = policy
	}
}

// WithLogger sets the primitive's logger
func WithLogger(logger *zap.Logger) Option {
	return func(options *options) {
		options.logger = logger
	}
}

// Package local is an in-process transport. Hosts register handlers
// under an address on a Network and clients dial them by address.
// Addresses can be taken down and brought back to simulate failures.
package local

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jrife/plover/transport"
)

var _ transport.Dialer = (*Network)(nil)

// Network routes frames between in-process clients and handlers
type Network struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	down     map[string]bool
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]transport.Handler),
		down:     make(map[string]bool),
	}
}

// Listen serves handler at address until the returned function
// is called
func (network *Network) Listen(address string, handler transport.Handler) func() {
	network.mu.Lock()
	defer network.mu.Unlock()

	network.handlers[address] = handler

	return func() {
		network.mu.Lock()
		defer network.mu.Unlock()

		delete(network.handlers, address)
	}
}

// SetDown makes address unreachable, or reachable again
func (network *Network) SetDown(address string, down bool) {
	network.mu.Lock()
	defer network.mu.Unlock()

	network.down[address] = down
}

func (network *Network) handler(address string) (transport.Handler, error) {
	network.mu.Lock()
	defer network.mu.Unlock()

	handler, ok := network.handlers[address]

	if !ok || network.down[address] {
		return nil, fmt.Errorf("%w: %s is unreachable", transport.ErrUnavailable, address)
	}

	return handler, nil
}

// Dial implements transport.Dialer.Dial
func (network *Network) Dial(ctx context.Context, address string) (transport.Conn, error) {
	if _, err := network.handler(address); err != nil {
		return nil, err
	}

	return &conn{network: network, address: address, closed: make(chan struct{})}, nil
}

type conn struct {
	network   *Network
	address   string
	closeOnce sync.Once
	closed    chan struct{}
}


func (conn *conn) Request(ctx context.Context, request []byte) ([]byte, error) {
	select {
	case <-conn.closed:
		return nil, transport.ErrClosed
	default:
	}

	handler, err := conn.network.handler(conn.address)

	if err != nil {
		return nil, err
	}

	type reply struct {
		response []byte
		err      error
	}

	replies := make(chan reply, 1)
	request = append([]byte(nil), request...)

	go func() {
		response, err := handler.Handle(ctx, request)
		replies <- reply{response: response, err: err}
	}()

	select {
	case reply := <-replies:
		return reply.response, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (conn *conn) Stream(ctx context.Context, request []byte) (transport.Stream, error) {
	handler, err := conn.network.handler(conn.address)

	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := &stream{
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}

	request = append([]byte(nil), request...)

	go func() {
		defer close(stream.done)

		stream.err = handler.Stream(ctx, request, func(frame []byte) error {
			select {
			case stream.frames <- append([]byte(nil), frame...):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	go func() {
		select {
		case <-conn.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	return stream, nil
}

func (conn *conn) Close() error {
	conn.closeOnce.Do(func() {
		close(conn.closed)
	})

	return nil
}

type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	err    error
}

func (stream *stream) Recv() ([]byte, error) {
	select {
	case frame := <-stream.frames:
		return frame, nil
	case <-stream.done:
		if stream.err != nil {
			return nil, stream.err
		}

		return nil, io.EOF
	case <-stream.ctx.Done():
		return nil, stream.ctx.Err()
	}
}

func (stream *stream) Close() error {
	stream.cancel()

	return nil
}

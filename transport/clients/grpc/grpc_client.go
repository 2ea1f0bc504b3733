// Package grpc dials partition hosts served by the gRPC frontend
package grpc

import (
	"context"
	"fmt"
	"io"

	"github.com/golang/protobuf/ptypes"
	"github.com/jrife/plover/transport"
	"github.com/jrife/plover/transport/rawpb"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Conn = (*conn)(nil)
var _ transport.Stream = (*stream)(nil)

// Dialer opens gRPC connections to partition hosts
type Dialer struct {
	options []grpc.DialOption
}

// NewDialer creates a dialer. Without options connections are
// made without transport security.
func NewDialer(options ...grpc.DialOption) *Dialer {
	if len(options) == 0 {
		options = []grpc.DialOption{grpc.WithInsecure()}
	}

	return &Dialer{options: options}
}

// Dial implements transport.Dialer.Dial
func (dialer *Dialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	options := append([]grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(rawpb.Codec{}))}, dialer.options...)
	clientConn, err := grpc.DialContext(ctx, address, options...)

	if err != nil {
		return nil, fromStatus(ctx, err)
	}

	return &conn{clientConn: clientConn}, nil
}

type conn struct {
	clientConn *grpc.ClientConn
}

func (conn *conn) Request(ctx context.Context, request []byte) ([]byte, error) {
	response := new(rawpb.Frame)

	if err := conn.clientConn.Invoke(ctx, rawpb.RequestMethod, &rawpb.Frame{Data: request}, response); err != nil {
		return nil, fromStatus(ctx, err)
	}

	return response.Data, nil
}

func (conn *conn) Stream(ctx context.Context, request []byte) (transport.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	clientStream, err := conn.clientConn.NewStream(ctx, &rawpb.StreamDesc, rawpb.StreamMethod)

	if err != nil {
		cancel()

		return nil, fromStatus(ctx, err)
	}

	if err := clientStream.SendMsg(&rawpb.Frame{Data: request}); err != nil {
		cancel()

		return nil, fromStatus(ctx, err)
	}

	if err := clientStream.CloseSend(); err != nil {
		cancel()

		return nil, fromStatus(ctx, err)
	}

	return &stream{ctx: ctx, cancel: cancel, clientStream: clientStream}, nil
}

func (conn *conn) Close() error {
	return conn.clientConn.Close()
}

type stream struct {
	ctx          context.Context
	cancel       context.CancelFunc
	clientStream grpc.ClientStream
}

func (stream *stream) Recv() ([]byte, error) {
	frame := new(rawpb.Frame)

	if err := stream.clientStream.RecvMsg(frame); err != nil {
		if err == io.EOF {
			return nil, err
		}

		return nil, fromStatus(stream.ctx, err)
	}

	return frame.Data, nil
}

func (stream *stream) Close() error {
	stream.cancel()

	return nil
}

// fromStatus converts a gRPC error to a transport error. Context
// errors are passed through so callers can tell timeouts apart.
func fromStatus(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	st, ok := status.FromError(err)

	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnavailable, err)
	}

	wrapped := fmt.Errorf("%w: %s: %s", transport.ErrUnavailable, st.Code(), st.Message())

	for _, detail := range st.Details() {
		retryInfo, ok := detail.(*errdetails.RetryInfo)

		if !ok {
			continue
		}

		retryAfter, err := ptypes.Duration(retryInfo.RetryDelay)

		if err != nil {
			continue
		}

		return &transport.RetryableError{Err: wrapped, RetryAfter: retryAfter}
	}

	return wrapped
}

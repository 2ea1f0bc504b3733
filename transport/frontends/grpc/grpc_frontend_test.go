package grpc_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jrife/plover/transport"
	grpc_client "github.com/jrife/plover/transport/clients/grpc"
	"github.com/jrife/plover/transport/frontends"
	grpc_frontend "github.com/jrife/plover/transport/frontends/grpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type handler struct{}

func (handler) Handle(ctx context.Context, request []byte) ([]byte, error) {
	switch string(request) {
	case "busy":
		return nil, &transport.RetryableError{Err: fmt.Errorf("%w: leader changing", transport.ErrUnavailable), RetryAfter: 250 * time.Millisecond}
	case "broken":
		return nil, errors.New("broken")
	}

	return append([]byte("echo:"), request...), nil
}

func (handler) Stream(ctx context.Context, request []byte, send func([]byte) error) error {
	for i := 0; i < 3; i++ {
		if err := send([]byte(fmt.Sprintf("%s-%d", request, i))); err != nil {
			return err
		}
	}

	return nil
}

func startFrontend(t *testing.T) transport.Conn {
	listener := bufconn.Listen(1024 * 1024)
	frontend := &grpc_frontend.Frontend{}

	require.NoError(t, frontend.Init(frontends.Options{Handler: handler{}}))

	go frontend.Listen(listener)

	t.Cleanup(func() { frontend.Stop() })

	dialer := grpc_client.NewDialer(
		grpc.WithInsecure(),
		grpc.WithContextDialer(func(ctx context.Context, address string) (net.Conn, error) {
			return listener.Dial()
		}),
	)

	conn, err := dialer.Dial(context.Background(), "bufnet")

	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestRequest(t *testing.T) {
	conn := startFrontend(t)

	response, err := conn.Request(context.Background(), []byte("hello"))

	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(response))
}

func TestRequestErrors(t *testing.T) {
	conn := startFrontend(t)

	_, err := conn.Request(context.Background(), []byte("busy"))

	require.ErrorIs(t, err, transport.ErrUnavailable)

	retryAfter, ok := transport.RetryAfter(err)

	require.True(t, ok)
	require.Equal(t, 250*time.Millisecond, retryAfter)

	_, err = conn.Request(context.Background(), []byte("broken"))

	require.ErrorIs(t, err, transport.ErrUnavailable)

	_, ok = transport.RetryAfter(err)

	require.False(t, ok)
}

func TestStream(t *testing.T) {
	conn := startFrontend(t)

	stream, err := conn.Stream(context.Background(), []byte("event"))

	require.NoError(t, err)

	defer stream.Close()

	for i := 0; i < 3; i++ {
		frame, err := stream.Recv()

		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("event-%d", i), string(frame))
	}

	_, err = stream.Recv()

	require.ErrorIs(t, err, io.EOF)
}

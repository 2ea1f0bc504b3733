package local_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jrife/plover/transport"
	"github.com/jrife/plover/transport/local"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	block chan struct{}
}

func (handler *echoHandler) Handle(ctx context.Context, request []byte) ([]byte, error) {
	if handler.block != nil {
		<-handler.block
	}

	return append([]byte("echo:"), request...), nil
}

func (handler *echoHandler) Stream(ctx context.Context, request []byte, send func([]byte) error) error {
	for i := 0; i < 3; i++ {
		if err := send([]byte{byte(i)}); err != nil {
			return err
		}
	}

	return nil
}

func TestLocalNetwork(t *testing.T) {
	network := local.NewNetwork()
	stop := network.Listen("host", &echoHandler{})

	conn, err := network.Dial(context.Background(), "host")

	require.NoError(t, err)

	response, err := conn.Request(context.Background(), []byte("hi"))

	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(response))

	stream, err := conn.Stream(context.Background(), nil)

	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		frame, err := stream.Recv()

		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, frame)
	}

	_, err = stream.Recv()

	require.ErrorIs(t, err, io.EOF)

	network.SetDown("host", true)

	_, err = conn.Request(context.Background(), []byte("hi"))

	require.ErrorIs(t, err, transport.ErrUnavailable)

	network.SetDown("host", false)
	stop()

	_, err = network.Dial(context.Background(), "host")

	require.ErrorIs(t, err, transport.ErrUnavailable)

	require.NoError(t, conn.Close())

	_, err = conn.Request(context.Background(), []byte("hi"))

	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestLocalRequestHonorsDeadline(t *testing.T) {
	network := local.NewNetwork()
	handler := &echoHandler{block: make(chan struct{})}
	defer close(handler.block)

	network.Listen("host", handler)

	conn, err := network.Dial(context.Background(), "host")

	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = conn.Request(ctx, []byte("hi"))

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

package service_host_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/transport/local"
	"github.com/jrife/plover/transport/service_host"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newHost(t *testing.T) (*service_host.Host, *local.Network) {
	t.Helper()

	host := service_host.New(
		service_host.WithLogger(zaptest.NewLogger(t)),
		service_host.WithDataDir(t.TempDir()),
		service_host.WithClockInterval(20*time.Millisecond),
		service_host.WithTickInterval(10*time.Millisecond),
	)
	t.Cleanup(func() { host.Close() })

	require.NoError(t, host.StartPartition("raft", protocol.Consensus, 1))
	require.NoError(t, host.StartPartition("primary", protocol.PrimaryBackup, 2))
	require.NoError(t, host.StartPartition("log", protocol.AppendLog, 3))

	network := local.NewNetwork()
	stop := network.Listen("host-1", host)
	t.Cleanup(stop)

	return host, network
}

func newClient(t *testing.T, network *local.Network, partition cluster.PartitionID) *protocol.Client {
	t.Helper()

	conn, err := network.Dial(context.Background(), "host-1")

	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return protocol.NewClient(partition, conn)
}

func encode(t *testing.T, op operation.Operation) []byte {
	t.Helper()

	payload, err := operation.Encode(op)

	require.NoError(t, err)

	return payload
}

func TestHostServesEveryProtocol(t *testing.T) {
	host, network := newHost(t)

	require.Equal(t, []cluster.PartitionID{1, 2, 3}, host.Partitions())

	for _, partition := range host.Partitions() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := newClient(t, network, partition)

		if partition == 3 {
			require.NoError(t, client.CreateTopic(ctx, "foo", protocol.Topic{Partitions: 1, ReplicationFactor: 1}))
		}

		metadata, err := client.OpenSession(ctx, protocol.OpenRequest{Service: "foo", Timeout: time.Minute})

		require.NoError(t, err)
		require.Equal(t, partition, metadata.Partition)

		set, err := operation.NewSet([]byte("bar"), 0)

		require.NoError(t, err)

		_, _, err = client.Command(ctx, protocol.RequestHeader{Session: metadata.Session, Sequence: 1}, encode(t, set))

		require.NoError(t, err)

		output, _, err := client.Query(ctx, protocol.RequestHeader{Session: metadata.Session, Sequence: 2}, encode(t, operation.NewGet()))

		require.NoError(t, err)

		decoded, err := operation.DecodeOutput(output)

		require.NoError(t, err)
		require.Equal(t, []byte("bar"), decoded.Value)
	}
}

func TestHostStreamsEvents(t *testing.T) {
	_, network := newHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := newClient(t, network, 1)
	watcher, err := client.OpenSession(ctx, protocol.OpenRequest{Service: "foo", Timeout: time.Minute})

	require.NoError(t, err)

	writer, err := client.OpenSession(ctx, protocol.OpenRequest{Service: "foo", Timeout: time.Minute})

	require.NoError(t, err)

	events, err := client.Events(ctx, protocol.RequestHeader{Session: watcher.Session})

	require.NoError(t, err)
	defer events.Close()

	_, _, err = client.Command(ctx, protocol.RequestHeader{Session: watcher.Session, Sequence: 1}, encode(t, operation.NewListen()))

	require.NoError(t, err)

	set, err := operation.NewSet([]byte("bar"), 0)

	require.NoError(t, err)

	_, _, err = client.Command(ctx, protocol.RequestHeader{Session: writer.Session, Sequence: 1}, encode(t, set))

	require.NoError(t, err)

	event, err := events.Recv()

	require.NoError(t, err)
	require.Equal(t, watcher.Session, event.Session)
	require.Equal(t, uint64(1), event.EventIndex)

	change, err := operation.DecodeChange(event.Payload)

	require.NoError(t, err)
	require.Equal(t, []byte("bar"), change.Value)

	require.NoError(t, client.CloseSession(ctx, protocol.RequestHeader{Session: watcher.Session}))

	_, err = events.Recv()

	require.Error(t, err)
}

func TestHostExpiresIdleSessions(t *testing.T) {
	_, network := newHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := newClient(t, network, 2)
	metadata, err := client.OpenSession(ctx, protocol.OpenRequest{Service: "foo", Timeout: 100 * time.Millisecond})

	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := client.KeepAlive(ctx, protocol.RequestHeader{Session: metadata.Session})

		return errors.Is(err, protocol.ErrUnknownSession)
	}, 5*time.Second, 200*time.Millisecond)
}

func TestHostErrors(t *testing.T) {
	_, network := newHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := newClient(t, network, 9).OpenSession(ctx, protocol.OpenRequest{Service: "foo"})

	require.True(t, errors.Is(err, protocol.ErrPrimitiveUnavailable))

	err = newClient(t, network, 1).CreateTopic(ctx, "foo", protocol.Topic{Partitions: 1, ReplicationFactor: 1})

	require.True(t, errors.Is(err, operation.ErrUnsupportedOperation))

	logClient := newClient(t, network, 3)

	_, err = logClient.OpenSession(ctx, protocol.OpenRequest{Service: "missing"})

	require.True(t, errors.Is(err, protocol.ErrPrimitiveNotFound))

	require.NoError(t, logClient.CreateTopic(ctx, "foo", protocol.Topic{Partitions: 1, ReplicationFactor: 1}))

	err = logClient.CreateTopic(ctx, "foo", protocol.Topic{Partitions: 2, ReplicationFactor: 1})

	require.True(t, errors.Is(err, operation.ErrInvalidOperation))
}

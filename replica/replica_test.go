package replica_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/replica"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingListener struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (listener *recordingListener) Publish(event protocol.Event) {
	listener.mu.Lock()
	defer listener.mu.Unlock()

	listener.events = append(listener.events, event)
}

func (listener *recordingListener) SessionClosed(partition cluster.PartitionID, session uint64, expired bool) {
}

func (listener *recordingListener) count() int {
	listener.mu.Lock()
	defer listener.mu.Unlock()

	return len(listener.events)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func open(t *testing.T, engine replica.Engine, service string) uint64 {
	t.Helper()

	response, err := engine.Command(testContext(t), protocol.Request{
		Kind:          protocol.RequestOpen,
		RequestHeader: protocol.RequestHeader{Service: service},
		Timeout:       time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, response.Err())

	return response.Session
}

func command(t *testing.T, session uint64, sequence uint64, op operation.Operation) protocol.Request {
	t.Helper()

	payload, err := operation.Encode(op)
	require.NoError(t, err)

	return protocol.Request{
		Kind:          protocol.RequestCommand,
		RequestHeader: protocol.RequestHeader{Session: session, Sequence: sequence, Previous: sequence - 1},
		Payload:       payload,
	}
}

func set(t *testing.T, value string) operation.Set {
	t.Helper()

	op, err := operation.NewSet([]byte(value), 0)
	require.NoError(t, err)

	return op
}

func get(t *testing.T, session uint64, minIndex uint64, consistency protocol.ReadConsistency, maxStaleness time.Duration) protocol.Request {
	t.Helper()

	payload, err := operation.Encode(operation.NewGet())
	require.NoError(t, err)

	return protocol.Request{
		Kind: protocol.RequestQuery,
		RequestHeader: protocol.RequestHeader{
			Session:      session,
			MinIndex:     minIndex,
			Consistency:  consistency,
			MaxStaleness: maxStaleness,
		},
		Payload: payload,
	}
}

func read(t *testing.T, engine replica.Engine, request protocol.Request) (string, bool) {
	t.Helper()

	response, err := engine.Query(testContext(t), request)
	require.NoError(t, err)
	require.NoError(t, response.Err())

	out, err := operation.DecodeOutput(response.Output)
	require.NoError(t, err)

	return string(out.Value), out.Present
}

func TestConsensusOrdersSessionCommands(t *testing.T) {
	consensus := replica.NewConsensus(replica.Config{Partition: 1, Logger: zaptest.NewLogger(t)}, 10*time.Millisecond)
	defer consensus.Close()

	session := open(t, consensus, "foo")

	type result struct {
		response protocol.Response
		err      error
	}

	second := make(chan result, 1)
	secondRequest := command(t, session, 2, set(t, "second"))
	ctx := testContext(t)

	go func() {
		response, err := consensus.Command(ctx, secondRequest)
		second <- result{response: response, err: err}
	}()

	// Give the second command time to land ahead of the first
	time.Sleep(50 * time.Millisecond)

	response, err := consensus.Command(testContext(t), command(t, session, 1, set(t, "first")))
	require.NoError(t, err)
	require.NoError(t, response.Err())

	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.NoError(t, r.response.Err())
		out, err := operation.DecodeOutput(r.response.Output)
		require.NoError(t, err)
		require.Equal(t, "first", string(out.Previous))
	case <-time.After(5 * time.Second):
		t.Fatalf("second command never completed")
	}

	current, present := read(t, consensus, get(t, session, 0, protocol.Linearizable, 0))
	require.True(t, present)
	require.Equal(t, "second", current)

	current, _ = read(t, consensus, get(t, session, consensus.Index(), protocol.Sequential, 0))
	require.Equal(t, "second", current)
}

func TestConsensusQueryWaitsForMinIndex(t *testing.T) {
	consensus := replica.NewConsensus(replica.Config{Partition: 1}, 10*time.Millisecond)
	defer consensus.Close()

	session := open(t, consensus, "foo")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := consensus.Query(ctx, get(t, session, consensus.Index()+100, protocol.Sequential, 0))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConsensusCommandAfterClose(t *testing.T) {
	consensus := replica.NewConsensus(replica.Config{Partition: 1}, 10*time.Millisecond)
	open(t, consensus, "foo")
	require.NoError(t, consensus.Close())

	_, err := consensus.Command(testContext(t), protocol.Request{Kind: protocol.RequestClock})
	require.Error(t, err)
}

func TestPrimaryBackupStaleReads(t *testing.T) {
	listener := &recordingListener{}
	primaryBackup := replica.NewPrimaryBackup(
		replica.Config{Partition: 1, Listener: listener},
		replica.WithBackups(1),
		replica.WithReplicationDelay(200*time.Millisecond),
	)
	defer primaryBackup.Close()

	session := open(t, primaryBackup, "foo")
	openIndex := primaryBackup.Index()

	require.Eventually(t, func() bool {
		return primaryBackup.BackupIndexes()[0] >= openIndex
	}, 5*time.Second, 10*time.Millisecond)

	response, err := primaryBackup.Command(testContext(t), command(t, session, 1, set(t, "a")))
	require.NoError(t, err)
	require.NoError(t, response.Err())

	// The backup lags but is within an hour of the primary
	_, present := read(t, primaryBackup, get(t, session, openIndex, protocol.Eventual, time.Hour))
	require.False(t, present)

	// The backup has not reached the write
	current, present := read(t, primaryBackup, get(t, session, response.Index, protocol.Eventual, time.Hour))
	require.True(t, present)
	require.Equal(t, "a", current)

	time.Sleep(20 * time.Millisecond)

	// The backup lags more than the caller tolerates
	current, _ = read(t, primaryBackup, get(t, session, openIndex, protocol.Eventual, time.Millisecond))
	require.Equal(t, "a", current)

	require.Eventually(t, func() bool {
		return primaryBackup.BackupIndexes()[0] >= response.Index
	}, 5*time.Second, 10*time.Millisecond)

	current, _ = read(t, primaryBackup, get(t, session, response.Index, protocol.Eventual, time.Hour))
	require.Equal(t, "a", current)
	require.Equal(t, 0, listener.count())
}

func TestLogReplaysHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partition-1")
	listener := &recordingListener{}

	log, err := replica.OpenLog(replica.Config{Partition: 1, Listener: listener}, path)
	require.NoError(t, err)

	response, err := log.Command(testContext(t), protocol.Request{
		Kind:          protocol.RequestOpen,
		RequestHeader: protocol.RequestHeader{Service: "foo"},
	})
	require.NoError(t, err)
	require.True(t, errors.Is(response.Err(), protocol.ErrPrimitiveNotFound))

	require.NoError(t, log.CreateTopic(testContext(t), "foo", protocol.Topic{Partitions: 1, ReplicationFactor: 1}))

	session := open(t, log, "foo")
	watcher := open(t, log, "foo")
	_, err = log.Command(testContext(t), command(t, watcher, 1, operation.NewListen()))
	require.NoError(t, err)

	response, err = log.Command(testContext(t), command(t, session, 1, set(t, "a")))
	require.NoError(t, err)
	require.NoError(t, response.Err())
	require.Equal(t, 1, listener.count())

	index := log.Index()
	require.NoError(t, log.Close())

	log, err = replica.OpenLog(replica.Config{Partition: 1, Listener: listener}, path)
	require.NoError(t, err)
	defer log.Close()

	require.Equal(t, index, log.Index())
	require.Equal(t, 1, listener.count())

	current, present := read(t, log, get(t, session, index, protocol.Sequential, 0))
	require.True(t, present)
	require.Equal(t, "a", current)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = log.Query(ctx, get(t, session, index+1, protocol.Sequential, 0))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestObservableReplicaSet(t *testing.T) {
	set := replica.NewObservableReplicaSet()
	closed := []cluster.PartitionID{}
	set.OnDelete(func(replica replica.Replica) {
		replica.Engine.Close()
		closed = append(closed, replica.Partition)
	})

	first := replica.Replica{Partition: 2, Protocol: protocol.PrimaryBackup, Engine: replica.NewPrimaryBackup(replica.Config{Partition: 2})}
	second := replica.Replica{Partition: 1, Protocol: protocol.PrimaryBackup, Engine: replica.NewPrimaryBackup(replica.Config{Partition: 1})}

	set.Add(first)
	set.Add(first)
	set.Add(second)

	require.Equal(t, []cluster.PartitionID{1, 2}, set.Partitions())
	require.Panics(t, func() {
		set.Add(replica.Replica{Partition: 2, Engine: replica.NewPrimaryBackup(replica.Config{Partition: 2})})
	})

	require.True(t, set.Delete(2))
	require.Equal(t, []cluster.PartitionID{2}, closed)

	_, ok := set.Get(2)
	require.False(t, ok)
}

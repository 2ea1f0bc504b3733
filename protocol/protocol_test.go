package protocol_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/protocol/appendlog"
	"github.com/jrife/plover/protocol/consensus"
	"github.com/jrife/plover/protocol/protocols"
	"github.com/jrife/plover/transport"
	"github.com/jrife/plover/transport/local"
	"github.com/stretchr/testify/require"
)

func TestEnvelopes(t *testing.T) {
	request := protocol.Request{
		Kind: protocol.RequestQuery,
		RequestHeader: protocol.RequestHeader{
			Partition:    3,
			Service:      "foo",
			Session:      7,
			Sequence:     12,
			Previous:     11,
			Ack:          10,
			MinIndex:     99,
			Consistency:  protocol.Sequential,
			MaxStaleness: time.Second,
		},
		Timeout: 5 * time.Second,
		Topic:   protocol.Topic{Partitions: 2, ReplicationFactor: 1},
		Payload: []byte("payload"),
	}

	encoded, err := protocol.EncodeRequest(request)

	require.NoError(t, err)

	decoded, err := protocol.DecodeRequest(encoded)

	require.NoError(t, err)

	if diff := cmp.Diff(request, decoded); diff != "" {
		t.Fatalf(diff)
	}

	_, err = protocol.DecodeRequest(encoded[:len(encoded)-3])

	require.ErrorIs(t, err, protocol.ErrMalformedEnvelope)

	event := protocol.Event{Partition: 1, Session: 2, Service: "foo", Index: 3, EventIndex: 4, ListenIndex: 5, Payload: []byte{1}}
	encoded, err = protocol.EncodeEvent(event)

	require.NoError(t, err)

	decodedEvent, err := protocol.DecodeEvent(encoded)

	require.NoError(t, err)

	if diff := cmp.Diff(event, decodedEvent); diff != "" {
		t.Fatalf(diff)
	}
}

func TestResponseErrors(t *testing.T) {
	errs := []error{
		protocol.ErrPrimitiveNotFound,
		protocol.ErrUnknownSession,
		operation.ErrInvalidOperation,
		operation.ErrUnsupportedOperation,
		protocol.ErrPrimitiveUnavailable,
	}

	for _, err := range errs {
		response := protocol.ErrorResponse(err)
		encoded, encodeErr := protocol.EncodeResponse(response)

		require.NoError(t, encodeErr)

		decoded, decodeErr := protocol.DecodeResponse(encoded)

		require.NoError(t, decodeErr)
		require.ErrorIs(t, decoded.Err(), err)
	}

	require.NoError(t, protocol.Response{}.Err())
}

func TestParseReadConsistency(t *testing.T) {
	for _, consistency := range []protocol.ReadConsistency{protocol.ConsistencyDefault, protocol.Linearizable, protocol.Sequential, protocol.Eventual} {
		parsed, err := protocol.ParseReadConsistency(consistency.String())

		require.NoError(t, err)
		require.Equal(t, consistency, parsed)
	}

	_, err := protocol.ParseReadConsistency("strong-ish")

	require.Error(t, err)
	require.True(t, protocol.Linearizable.Strict())
	require.False(t, protocol.Eventual.Strict())
}

type recordingHandler struct {
	requests chan protocol.Request
	response protocol.Response
}

func (handler *recordingHandler) Handle(ctx context.Context, data []byte) ([]byte, error) {
	request, err := protocol.DecodeRequest(data)

	if err != nil {
		return nil, err
	}

	handler.requests <- request

	return protocol.EncodeResponse(handler.response)
}

func (handler *recordingHandler) Stream(ctx context.Context, data []byte, send func([]byte) error) error {
	return nil
}

func TestClientAppliesReadDefaults(t *testing.T) {
	network := local.NewNetwork()
	handler := &recordingHandler{
		requests: make(chan protocol.Request, 1),
		response: protocol.Response{Metadata: protocol.Metadata{Index: 42}, Output: []byte("out")},
	}

	network.Listen("a", handler)

	conn, err := network.Dial(context.Background(), "a")

	require.NoError(t, err)

	client := protocol.NewClient(2, conn, protocol.WithConsistency(protocol.Sequential), protocol.WithReadOffset(10), protocol.WithMaxStaleness(time.Second))
	output, metadata, err := client.Query(context.Background(), protocol.RequestHeader{Service: "foo", MinIndex: 3}, []byte("get"))

	require.NoError(t, err)
	require.Equal(t, []byte("out"), output)
	require.Equal(t, uint64(42), metadata.Index)

	request := <-handler.requests

	require.Equal(t, protocol.RequestQuery, request.Kind)
	require.Equal(t, cluster.PartitionID(2), request.Partition)
	require.Equal(t, protocol.Sequential, request.Consistency)
	require.Equal(t, uint64(10), request.MinIndex)
	require.Equal(t, time.Second, request.MaxStaleness)

	handler.response = protocol.ErrorResponse(protocol.ErrUnknownSession)
	_, err = client.KeepAlive(context.Background(), protocol.RequestHeader{Session: 1})

	require.ErrorIs(t, err, protocol.ErrUnknownSession)

	request = <-handler.requests
	op, err := operation.Decode(request.Payload)

	require.NoError(t, err)
	require.Equal(t, operation.TagKeepAlive, op.Tag())

	network.SetDown("a", true)
	_, _, err = client.Command(context.Background(), protocol.RequestHeader{}, nil)

	require.ErrorIs(t, err, protocol.ErrPrimitiveUnavailable)
	require.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestRegistry(t *testing.T) {
	registry := protocols.NewRegistry()

	require.Equal(t, []protocol.Type{protocol.AppendLog, protocol.PrimaryBackup, protocol.Consensus}, registry.Types())

	_, err := registry.New(protocol.Config{Type: "gossip", Dialer: local.NewNetwork()})

	require.ErrorIs(t, err, protocol.ErrUnknownProtocol)

	p, err := registry.New(protocol.Config{Type: consensus.Type, Dialer: local.NewNetwork()})

	require.NoError(t, err)
	require.Equal(t, protocol.Consensus, p.Type())
}

func TestCreateServiceUnreachable(t *testing.T) {
	network := local.NewNetwork()
	partitionService := cluster.NewStaticPartitionService(cluster.Topology{
		Group:    "log",
		Protocol: string(appendlog.Type),
		Partitions: []cluster.Partition{
			{ID: 1, Members: []cluster.Member{{ID: "a", Address: "nowhere"}}},
		},
	})

	p, err := appendlog.New(protocol.Config{Dialer: network})

	require.NoError(t, err)

	_, err = p.CreateService(context.Background(), "foo", partitionService)

	require.ErrorIs(t, err, protocol.ErrPrimitiveUnavailable)

	p, err = appendlog.New(protocol.Config{Dialer: network, Partitions: 2})

	require.NoError(t, err)

	_, err = p.CreateService(context.Background(), "foo", partitionService)

	require.True(t, errors.Is(err, protocol.ErrPrimitiveUnavailable))
}

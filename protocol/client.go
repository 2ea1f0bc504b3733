package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/transport"
	"go.uber.org/zap"
)

var _ PartitionClient = (*Client)(nil)

// wrapError translates transport failures into protocol errors.
// Context errors pass through so callers can recognize timeouts.
func wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrPrimitiveUnavailable):
		return err
	}

	return fmt.Errorf("%w: %w", ErrPrimitiveUnavailable, err)
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithConsistency sets the read consistency used when a query
// doesn't ask for one
func WithConsistency(consistency ReadConsistency) ClientOption {
	return func(client *Client) {
		client.consistency = consistency
	}
}

// WithMaxStaleness lets queries be served by replicas lagging at
// most maxStaleness behind
func WithMaxStaleness(maxStaleness time.Duration) ClientOption {
	return func(client *Client) {
		client.maxStaleness = maxStaleness
	}
}

// WithReadOffset sets the lowest index any query may be served at
func WithReadOffset(offset uint64) ClientOption {
	return func(client *Client) {
		client.readOffset = offset
	}
}

// WithClientLogger sets the client's logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// Client speaks the envelope protocol to one partition over a
// transport connection
type Client struct {
	partition    cluster.PartitionID
	conn         transport.Conn
	consistency  ReadConsistency
	maxStaleness time.Duration
	readOffset   uint64
	logger       *zap.Logger
}

// NewClient creates a client for partition over conn
func NewClient(partition cluster.PartitionID, conn transport.Conn, options ...ClientOption) *Client {
	client := &Client{
		partition: partition,
		conn:      conn,
		logger:    zap.NewNop(),
	}

	for _, option := range options {
		option(client)
	}

	client.logger = client.logger.With(zap.Uint32("partition", uint32(partition)))

	return client
}

func (client *Client) request(ctx context.Context, request Request) (Response, error) {
	request.Partition = client.partition
	data, err := EncodeRequest(request)

	if err != nil {
		return Response{}, fmt.Errorf("could not encode %s request: %w", request.Kind, err)
	}

	reply, err := client.conn.Request(ctx, data)

	if err != nil {
		client.logger.Debug("request failed", zap.Stringer("kind", request.Kind), zap.Error(err))

		return Response{}, wrapError(err)
	}

	response, err := DecodeResponse(reply)

	if err != nil {
		return Response{}, wrapError(err)
	}

	if err := response.Err(); err != nil {
		return Response{}, err
	}

	return response, nil
}

// OpenSession implements PartitionClient.OpenSession
func (client *Client) OpenSession(ctx context.Context, open OpenRequest) (Metadata, error) {
	response, err := client.request(ctx, Request{
		Kind:          RequestOpen,
		RequestHeader: RequestHeader{Service: open.Service},
		Timeout:       open.Timeout,
	})

	if err != nil {
		return Metadata{}, err
	}

	return response.Metadata, nil
}

// KeepAlive implements PartitionClient.KeepAlive
func (client *Client) KeepAlive(ctx context.Context, header RequestHeader) (Metadata, error) {
	payload, err := operation.Encode(operation.NewKeepAlive())

	if err != nil {
		return Metadata{}, err
	}

	response, err := client.request(ctx, Request{Kind: RequestKeepAlive, RequestHeader: header, Payload: payload})

	if err != nil {
		return Metadata{}, err
	}

	return response.Metadata, nil
}

// CloseSession implements PartitionClient.CloseSession
func (client *Client) CloseSession(ctx context.Context, header RequestHeader) error {
	_, err := client.request(ctx, Request{Kind: RequestClose, RequestHeader: header})

	return err
}

// Command implements PartitionClient.Command
func (client *Client) Command(ctx context.Context, header RequestHeader, payload []byte) ([]byte, Metadata, error) {
	response, err := client.request(ctx, Request{Kind: RequestCommand, RequestHeader: header, Payload: payload})

	if err != nil {
		return nil, Metadata{}, err
	}

	return response.Output, response.Metadata, nil
}

// Query implements PartitionClient.Query
func (client *Client) Query(ctx context.Context, header RequestHeader, payload []byte) ([]byte, Metadata, error) {
	if header.Consistency == ConsistencyDefault {
		header.Consistency = client.consistency
	}

	if header.MaxStaleness == 0 {
		header.MaxStaleness = client.maxStaleness
	}

	if header.MinIndex < client.readOffset {
		header.MinIndex = client.readOffset
	}

	response, err := client.request(ctx, Request{Kind: RequestQuery, RequestHeader: header, Payload: payload})

	if err != nil {
		return nil, Metadata{}, err
	}

	return response.Output, response.Metadata, nil
}

// CreateTopic asks the partition to create the topic backing a service
func (client *Client) CreateTopic(ctx context.Context, service string, topic Topic) error {
	_, err := client.request(ctx, Request{Kind: RequestCreateTopic, RequestHeader: RequestHeader{Service: service}, Topic: topic})

	return err
}

// Events implements PartitionClient.Events
func (client *Client) Events(ctx context.Context, header RequestHeader) (EventStream, error) {
	header.Partition = client.partition
	data, err := EncodeRequest(Request{Kind: RequestEvents, RequestHeader: header})

	if err != nil {
		return nil, err
	}

	stream, err := client.conn.Stream(ctx, data)

	if err != nil {
		return nil, wrapError(err)
	}

	return &eventStream{stream: stream}, nil
}

type eventStream struct {
	stream transport.Stream
}

func (eventStream *eventStream) Recv() (Event, error) {
	frame, err := eventStream.stream.Recv()

	if err != nil {
		return Event{}, err
	}

	return DecodeEvent(frame)
}

func (eventStream *eventStream) Close() error {
	return eventStream.stream.Close()
}

// MemberSelector chooses which member of a partition to dial
type MemberSelector func(partition cluster.Partition) (cluster.Member, error)

// Leader selects the first member of a partition
func Leader(partition cluster.Partition) (cluster.Member, error) {
	member, ok := partition.Leader()

	if !ok {
		return cluster.Member{}, fmt.Errorf("partition %d has no members: %w", partition.ID, ErrPrimitiveUnavailable)
	}

	return member, nil
}

// DialService connects to every partition of topology and returns the
// resulting service handle. Connections made before a failure are closed.
func DialService(ctx context.Context, name string, topology cluster.Topology, dialer transport.Dialer, selector MemberSelector, options ...ClientOption) (*Service, error) {
	service := &Service{
		name:    name,
		clients: make(map[cluster.PartitionID]*Client, len(topology.Partitions)),
	}

	for _, partition := range topology.Partitions {
		member, err := selector(partition)

		if err != nil {
			service.Close()

			return nil, err
		}

		conn, err := dialer.Dial(ctx, member.Address)

		if err != nil {
			service.Close()

			return nil, fmt.Errorf("could not dial partition %d at %s: %w", partition.ID, member.Address, wrapError(err))
		}

		service.conns = append(service.conns, conn)
		service.clients[partition.ID] = NewClient(partition.ID, conn, options...)
		service.partitions = append(service.partitions, partition.ID)
	}

	sort.Slice(service.partitions, func(i, j int) bool { return service.partitions[i] < service.partitions[j] })

	return service, nil
}

var _ ServiceHandle = (*Service)(nil)

// Service is the ServiceHandle shared by the envelope based backends
type Service struct {
	name       string
	partitions []cluster.PartitionID
	clients    map[cluster.PartitionID]*Client
	conns      []transport.Conn
}

// Name implements ServiceHandle.Name
func (service *Service) Name() string {
	return service.name
}

// Partitions implements ServiceHandle.Partitions
func (service *Service) Partitions() []cluster.PartitionID {
	return append([]cluster.PartitionID{}, service.partitions...)
}

// Partition implements ServiceHandle.Partition
func (service *Service) Partition(id cluster.PartitionID) (PartitionClient, error) {
	return service.Client(id)
}

// Client returns the concrete client for partition id
func (service *Service) Client(id cluster.PartitionID) (*Client, error) {
	client, ok := service.clients[id]

	if !ok {
		return nil, fmt.Errorf("service %s has no partition %d: %w", service.name, id, ErrPrimitiveUnavailable)
	}

	return client, nil
}

// Close implements ServiceHandle.Close
func (service *Service) Close() error {
	var firstErr error

	for _, conn := range service.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

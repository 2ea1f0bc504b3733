// Package service_host hosts partition replicas behind the transport.
// A Host decodes envelopes from any frontend, routes them to the
// replica of the addressed partition and streams session events.
package service_host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/operation"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/replica"
	storage_log "github.com/jrife/plover/storage/log"
	"github.com/jrife/plover/transport"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

var _ transport.Handler = (*Host)(nil)

const (
	// DefaultClockInterval is how often idle partitions advance time
	DefaultClockInterval = time.Second
	// retryDelay is suggested to clients when a replica fails
	retryDelay = 100 * time.Millisecond
)

// Option configures a Host
type Option func(*Host)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(host *Host) {
		host.logger = logger
	}
}

// WithDataDir sets where append-log partitions keep their files
func WithDataDir(dir string) Option {
	return func(host *Host) {
		host.dataDir = dir
	}
}

// WithClockInterval sets how often clock entries are submitted
func WithClockInterval(interval time.Duration) Option {
	return func(host *Host) {
		host.clockInterval = interval
	}
}

// WithBackups sets how many backups primary-backup partitions keep
func WithBackups(n int) Option {
	return func(host *Host) {
		host.backups = n
	}
}

// WithReplicationDelay delays primary-backup replication
func WithReplicationDelay(delay time.Duration) Option {
	return func(host *Host) {
		host.replicationDelay = delay
	}
}

// WithTickInterval sets the raft tick of consensus partitions
func WithTickInterval(interval time.Duration) Option {
	return func(host *Host) {
		host.tickInterval = interval
	}
}

// Host serves any number of partitions
type Host struct {
	logger           *zap.Logger
	dataDir          string
	clockInterval    time.Duration
	backups          int
	replicationDelay time.Duration
	tickInterval     time.Duration

	replicas *replica.ObservableReplicaSet
	hub      *eventHub
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a host and starts its clock
func New(options ...Option) *Host {
	host := &Host{
		logger:        zap.NewNop(),
		dataDir:       ".",
		clockInterval: DefaultClockInterval,
		backups:       1,
		replicas:      replica.NewObservableReplicaSet(),
		stop:          make(chan struct{}),
	}

	for _, option := range options {
		option(host)
	}

	host.hub = newEventHub(host.logger)
	host.replicas.OnAdd(func(replica replica.Replica) {
		host.logger.Info("serving partition",
			zap.String("group", replica.Group),
			zap.String("protocol", string(replica.Protocol)),
			zap.Uint32("partition", uint32(replica.Partition)))
	})
	host.replicas.OnDelete(func(replica replica.Replica) {
		if err := replica.Engine.Close(); err != nil {
			host.logger.Warn("could not close replica", zap.Uint32("partition", uint32(replica.Partition)), zap.Error(err))
		}
	})

	if host.clockInterval > 0 {
		host.wg.Add(1)
		go host.runClock()
	}

	return host
}

// StartPartition creates the replica of partition for a group run by
// protocolType
func (host *Host) StartPartition(group string, protocolType protocol.Type, partition cluster.PartitionID) error {
	if _, ok := host.replicas.Get(partition); ok {
		return fmt.Errorf("partition %d is already served", partition)
	}

	config := replica.Config{
		Partition: partition,
		Listener:  host.hub,
		Logger:    host.logger.With(zap.String("group", group)),
	}

	var engine replica.Engine

	switch protocolType {
	case protocol.Consensus:
		engine = replica.NewConsensus(config, host.tickInterval)
	case protocol.PrimaryBackup:
		engine = replica.NewPrimaryBackup(config, replica.WithBackups(host.backups), replica.WithReplicationDelay(host.replicationDelay))
	case protocol.AppendLog:
		log, err := replica.OpenLog(config, filepath.Join(host.dataDir, fmt.Sprintf("%s-%d.log", group, partition)))

		if err != nil {
			return fmt.Errorf("could not open log of partition %d: %w", partition, err)
		}

		engine = log
	default:
		return fmt.Errorf("%s: %w", protocolType, protocol.ErrUnknownProtocol)
	}

	host.replicas.Add(replica.Replica{
		Group:     group,
		Protocol:  protocolType,
		Partition: partition,
		Engine:    engine,
	})

	return nil
}

// StopPartition closes the replica of partition
func (host *Host) StopPartition(partition cluster.PartitionID) bool {
	return host.replicas.Delete(partition)
}

// Partitions returns the served partitions in ascending order
func (host *Host) Partitions() []cluster.PartitionID {
	return host.replicas.Partitions()
}

// Handle implements transport.Handler.Handle
func (host *Host) Handle(ctx context.Context, data []byte) ([]byte, error) {
	request, err := protocol.DecodeRequest(data)

	if err != nil {
		return protocol.EncodeResponse(protocol.ErrorResponse(fmt.Errorf("%w: %w", operation.ErrInvalidOperation, err)))
	}

	ctx = log.WithFields(ctx,
		zap.Stringer("kind", request.Kind),
		zap.Uint32("partition", uint32(request.Partition)),
		zap.Uint64("session", request.Session),
	)
	response, err := host.handle(ctx, request)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.WithContext(ctx, host.logger).Debug("request failed", zap.Error(err))

		return nil, &transport.RetryableError{Err: fmt.Errorf("%w: %w", transport.ErrUnavailable, err), RetryAfter: retryDelay}
	}

	return protocol.EncodeResponse(response)
}

func (host *Host) handle(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	served, ok := host.replicas.Get(request.Partition)

	if !ok {
		return protocol.Response{}, fmt.Errorf("partition %d: %w", request.Partition, cluster.ErrNoSuchPartition)
	}

	switch request.Kind {
	case protocol.RequestOpen, protocol.RequestKeepAlive, protocol.RequestClose, protocol.RequestCommand, protocol.RequestClock:
		return served.Engine.Command(ctx, request)
	case protocol.RequestQuery:
		return served.Engine.Query(ctx, request)
	case protocol.RequestCreateTopic:
		return host.createTopic(ctx, served, request), nil
	}

	return protocol.ErrorResponse(fmt.Errorf("%s requests are streamed: %w", request.Kind, operation.ErrInvalidOperation)), nil
}

func (host *Host) createTopic(ctx context.Context, served replica.Replica, request protocol.Request) protocol.Response {
	creator, ok := served.Engine.(replica.TopicCreator)

	if !ok {
		return protocol.ErrorResponse(fmt.Errorf("%s partitions have no topics: %w", served.Protocol, operation.ErrUnsupportedOperation))
	}

	if err := creator.CreateTopic(ctx, request.Service, request.Topic); err != nil {
		if errors.Is(err, storage_log.ErrTopicMismatch) {
			err = fmt.Errorf("%w: %w", operation.ErrInvalidOperation, err)
		}

		return protocol.ErrorResponse(err)
	}

	return protocol.Response{Metadata: protocol.Metadata{Partition: served.Partition, Index: served.Engine.Index()}}
}

// Stream implements transport.Handler.Stream. It sends the events of
// the session named by the request until the session ends.
func (host *Host) Stream(ctx context.Context, data []byte, send func([]byte) error) error {
	request, err := protocol.DecodeRequest(data)

	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}

	if request.Kind != protocol.RequestEvents {
		return fmt.Errorf("%w: cannot stream %s requests", transport.ErrUnavailable, request.Kind)
	}

	if _, ok := host.replicas.Get(request.Partition); !ok {
		return fmt.Errorf("%w: partition %d: %w", transport.ErrUnavailable, request.Partition, cluster.ErrNoSuchPartition)
	}

	ctx = log.WithFields(ctx, zap.Uint32("partition", uint32(request.Partition)), zap.Uint64("session", request.Session))
	queue := host.hub.queue(request.Partition, request.Session)

	log.WithContext(ctx, host.logger).Debug("streaming events")

	for {
		event, ok := queue.next(ctx)

		if !ok {
			log.WithContext(ctx, host.logger).Debug("event stream ended")

			return nil
		}

		frame, err := protocol.EncodeEvent(event)

		if err != nil {
			return err
		}

		if err := send(frame); err != nil {
			return err
		}
	}
}

func (host *Host) runClock() {
	defer host.wg.Done()

	ticker := time.NewTicker(host.clockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			host.tick()
		case <-host.stop:
			return
		}
	}
}

func (host *Host) tick() {
	for _, partition := range host.replicas.Partitions() {
		served, ok := host.replicas.Get(partition)

		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), host.clockInterval)
		_, err := served.Engine.Command(ctx, protocol.Request{
			Kind:          protocol.RequestClock,
			RequestHeader: protocol.RequestHeader{Partition: partition},
		})
		cancel()

		if err != nil {
			host.logger.Debug("clock entry failed", zap.Uint32("partition", uint32(partition)), zap.Error(err))
		}
	}
}

// Close stops every partition
func (host *Host) Close() error {
	host.stopOnce.Do(func() {
		close(host.stop)
		host.wg.Wait()
		host.replicas.Clear()
		host.hub.closeAll()
	})

	return nil
}

// Package appendlog runs primitives on distributed log partition
// groups. Each primitive is backed by a topic spanning a configurable
// number of the group's partitions. Commands are appended to the
// partition log and queries read at or after a chosen offset.
package appendlog

import (
	"context"
	"fmt"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

// Type is the protocol type served by this package
const Type = protocol.AppendLog

var _ protocol.Protocol = (*Protocol)(nil)
var _ protocol.Factory = New

// Protocol is the append-log backend
type Protocol struct {
	config protocol.Config
}

// New creates an append-log backend. Partitions defaults to every
// partition in the group and ReplicationFactor to 1.
func New(config protocol.Config) (protocol.Protocol, error) {
	config.Logger = log.Default(config.Logger)

	if config.Partitions < 0 {
		return nil, fmt.Errorf("partitions %d is negative", config.Partitions)
	}

	if config.ReplicationFactor < 0 {
		return nil, fmt.Errorf("replication factor %d is negative", config.ReplicationFactor)
	}

	if config.ReplicationFactor == 0 {
		config.ReplicationFactor = 1
	}

	if config.Consistency == protocol.ConsistencyDefault {
		config.Consistency = protocol.Sequential
	}

	return &Protocol{config: config}, nil
}

// Type implements protocol.Protocol.Type
func (appendLog *Protocol) Type() protocol.Type {
	return Type
}

// Group implements protocol.Protocol.Group
func (appendLog *Protocol) Group() string {
	return appendLog.config.Group
}

// CreateService implements protocol.Protocol.CreateService
func (appendLog *Protocol) CreateService(ctx context.Context, name string, partitionService cluster.PartitionService) (protocol.ServiceHandle, error) {
	topology, err := partitionService.PartitionGroup(string(Type), appendLog.config.Group)

	if err != nil {
		return nil, fmt.Errorf("could not resolve partition group: %w: %w", protocol.ErrPrimitiveUnavailable, err)
	}

	partitions := appendLog.config.Partitions

	if partitions == 0 {
		partitions = len(topology.Partitions)
	}

	if partitions > len(topology.Partitions) {
		return nil, fmt.Errorf("topic %s wants %d partitions but group %s has %d: %w", name, partitions, topology.Group, len(topology.Partitions), protocol.ErrPrimitiveUnavailable)
	}

	ids := topology.PartitionIDs()[:partitions]
	subset := cluster.Topology{Group: topology.Group, Protocol: topology.Protocol}

	for _, id := range ids {
		partition, err := topology.Partition(id)

		if err != nil {
			return nil, err
		}

		if len(partition.Members) < appendLog.config.ReplicationFactor {
			return nil, fmt.Errorf("partition %d has %d members, fewer than replication factor %d: %w", id, len(partition.Members), appendLog.config.ReplicationFactor, protocol.ErrPrimitiveUnavailable)
		}

		subset.Partitions = append(subset.Partitions, partition)
	}

	service, err := protocol.DialService(ctx, name, subset, appendLog.config.Dialer, protocol.Leader,
		protocol.WithConsistency(appendLog.config.Consistency),
		protocol.WithReadOffset(appendLog.config.ReadOffset),
		protocol.WithClientLogger(appendLog.config.Logger),
	)

	if err != nil {
		return nil, err
	}

	topic := protocol.Topic{Partitions: uint32(partitions), ReplicationFactor: uint32(appendLog.config.ReplicationFactor)}

	for _, id := range ids {
		client, err := service.Client(id)

		if err == nil {
			err = client.CreateTopic(ctx, name, topic)
		}

		if err != nil {
			service.Close()

			return nil, fmt.Errorf("could not create topic %s on partition %d: %w", name, id, err)
		}
	}

	appendLog.config.Logger.Debug("created topic",
		zap.String("service", name),
		zap.Int("partitions", partitions),
		zap.Int("replicationFactor", appendLog.config.ReplicationFactor),
	)

	return service, nil
}

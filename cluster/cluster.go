// Package cluster describes how partition groups are laid out across
// members.
package cluster

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoSuchGroup is returned when no partition group matches a lookup
	ErrNoSuchGroup = errors.New("no such partition group")
	// ErrNoSuchPartition is returned when a partition id is not part of a group
	ErrNoSuchPartition = errors.New("no such partition")
)

// PartitionID identifies a partition within a group. IDs start at 1.
type PartitionID uint32

// PartitionIDFromIndex converts a zero-based partitioner index to an ID
func PartitionIDFromIndex(index int) PartitionID {
	return PartitionID(index + 1)
}

// Member is a replica of a partition
type Member struct {
	ID      string
	Address string
}

// Partition is a replicated shard. For leader based protocols
// the first member is the leader or primary.
type Partition struct {
	ID      PartitionID
	Members []Member
}

// Leader returns the first member of the partition
func (partition Partition) Leader() (Member, bool) {
	if len(partition.Members) == 0 {
		return Member{}, false
	}

	return partition.Members[0], true
}

// Topology describes one partition group
type Topology struct {
	Group      string
	Protocol   string
	Partitions []Partition
}

// PartitionIDs lists the group's partition ids in ascending order
func (topology Topology) PartitionIDs() []PartitionID {
	ids := make([]PartitionID, 0, len(topology.Partitions))

	for _, partition := range topology.Partitions {
		ids = append(ids, partition.ID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Partition looks up a partition by id
func (topology Topology) Partition(id PartitionID) (Partition, error) {
	for _, partition := range topology.Partitions {
		if partition.ID == id {
			return partition, nil
		}
	}

	return Partition{}, fmt.Errorf("group %s partition %d: %w", topology.Group, id, ErrNoSuchPartition)
}

// PartitionService resolves partition groups
type PartitionService interface {
	// PartitionGroup returns the group named group. If group is empty
	// the first group running protocol is returned.
	PartitionGroup(protocol string, group string) (Topology, error)
}

// StaticPartitionService serves a fixed set of topologies
type StaticPartitionService struct {
	groups []Topology
}

var _ PartitionService = (*StaticPartitionService)(nil)

// NewStaticPartitionService creates a partition service over groups
func NewStaticPartitionService(groups ...Topology) *StaticPartitionService {
	return &StaticPartitionService{groups: groups}
}

// PartitionGroup implements PartitionService.PartitionGroup
func (partitionService *StaticPartitionService) PartitionGroup(protocol string, group string) (Topology, error) {
	for _, topology := range partitionService.groups {
		if group != "" && topology.Group != group {
			continue
		}

		if topology.Protocol != protocol {
			if group != "" {
				return Topology{}, fmt.Errorf("group %s runs %s, not %s: %w", group, topology.Protocol, protocol, ErrNoSuchGroup)
			}

			continue
		}

		return topology, nil
	}

	return Topology{}, fmt.Errorf("protocol %s group %q: %w", protocol, group, ErrNoSuchGroup)
}

// Groups returns every topology known to the service
func (partitionService *StaticPartitionService) Groups() []Topology {
	return append([]Topology{}, partitionService.groups...)
}

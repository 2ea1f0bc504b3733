package replica

import (
	"sort"
	"sync"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/utils/observable_map"
)

// Replica is the engine a host runs for one partition
type Replica struct {
	Group     string
	Protocol  protocol.Type
	Partition cluster.PartitionID
	Engine    Engine
}

// ReplicaSetObserver is an observer callback for an
// ObservableReplicaSet
type ReplicaSetObserver func(replica Replica)

// ObservableReplicaSet is a type-safe wrapper for
// ObservableMap that stores replicas by partition.
type ObservableReplicaSet struct {
	mu          sync.Mutex
	byPartition *observable_map.ObservableMap[cluster.PartitionID, Replica]
}

// NewObservableReplicaSet creates an empty ObservableReplicaSet
func NewObservableReplicaSet() *ObservableReplicaSet {
	return &ObservableReplicaSet{
		byPartition: observable_map.New[cluster.PartitionID, Replica](),
	}
}

// Add adds a replica to the set. A partition has at most one
// replica. Adding the same replica again has no effect. Adding a
// different replica for a partition that already has one or a
// replica without an engine panics.
func (observableReplicaSet *ObservableReplicaSet) Add(replica Replica) {
	if replica.Engine == nil {
		panic("nil Engine")
	}

	observableReplicaSet.mu.Lock()
	defer observableReplicaSet.mu.Unlock()

	if existing, ok := observableReplicaSet.byPartition.Get(replica.Partition); ok {
		if existing != replica {
			panic("partition already has a replica")
		}

		return
	}

	observableReplicaSet.byPartition.Put(replica.Partition, replica)
}

// Delete removes the replica of partition
func (observableReplicaSet *ObservableReplicaSet) Delete(partition cluster.PartitionID) bool {
	observableReplicaSet.mu.Lock()
	defer observableReplicaSet.mu.Unlock()

	return observableReplicaSet.byPartition.Delete(partition)
}

// Get returns the replica of partition
func (observableReplicaSet *ObservableReplicaSet) Get(partition cluster.PartitionID) (Replica, bool) {
	return observableReplicaSet.byPartition.Get(partition)
}

// Partitions returns the partitions with a replica in ascending order
func (observableReplicaSet *ObservableReplicaSet) Partitions() []cluster.PartitionID {
	var partitions []cluster.PartitionID

	observableReplicaSet.byPartition.Range(func(partition cluster.PartitionID, _ Replica) bool {
		partitions = append(partitions, partition)

		return true
	})

	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	return partitions
}

// Clear removes every replica
func (observableReplicaSet *ObservableReplicaSet) Clear() {
	observableReplicaSet.mu.Lock()
	defer observableReplicaSet.mu.Unlock()

	observableReplicaSet.byPartition.Clear()
}

func (observableReplicaSet *ObservableReplicaSet) OnAdd(cb ReplicaSetObserver) {
	observableReplicaSet.byPartition.OnAdd(func(_ cluster.PartitionID, replica Replica) {
		cb(replica)
	})
}

func (observableReplicaSet *ObservableReplicaSet) OnDelete(cb ReplicaSetObserver) {
	observableReplicaSet.byPartition.OnDelete(func(_ cluster.PartitionID, replica Replica) {
		cb(replica)
	})
}

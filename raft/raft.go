// Package raft runs a single-voter etcd raft group for one partition.
// Proposals are ordered by the raft log and handed to the apply
// callback once committed.
package raft

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Propose once the node is stopped
	ErrStopped = errors.New("raft node stopped")
)

// ApplyFunc consumes one committed entry. It is called from the ready
// loop in log order.
type ApplyFunc func(index uint64, data []byte)

// Config describes a node
type Config struct {
	ID             uint64
	TickInterval   time.Duration
	ElectionTicks  int
	HeartbeatTicks int
	Apply          ApplyFunc
	Logger         *zap.Logger
}

// Node is a running raft group member
type Node struct {
	id           uint64
	node         raft.Node
	storage      *raft.MemoryStorage
	tickInterval time.Duration
	apply        ApplyFunc
	logger       *zap.Logger

	leaderOnce sync.Once
	leader     chan struct{}
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// StartNode bootstraps a new group with this node as its only voter
// and starts its ready loop
func StartNode(config Config) *Node {
	if config.ID == 0 {
		config.ID = 1
	}

	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}

	if config.ElectionTicks <= 0 {
		config.ElectionTicks = 10
	}

	if config.HeartbeatTicks <= 0 {
		config.HeartbeatTicks = 1
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	storage := raft.NewMemoryStorage()
	node := &Node{
		id:           config.ID,
		storage:      storage,
		tickInterval: config.TickInterval,
		apply:        config.Apply,
		logger:       config.Logger,
		leader:       make(chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	node.node = raft.StartNode(&raft.Config{
		ID:              config.ID,
		ElectionTick:    config.ElectionTicks,
		HeartbeatTick:   config.HeartbeatTicks,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		Logger:          &logger{SugaredLogger: config.Logger.Sugar()},
	}, []raft.Peer{{ID: config.ID}})

	go node.run()

	if err := node.node.Campaign(context.Background()); err != nil {
		node.logger.Warn("could not campaign", zap.Error(err))
	}

	return node
}

// Leader returns a channel that is closed once this node leads the group
func (node *Node) Leader() <-chan struct{} {
	return node.leader
}

// Propose appends data to the log. It waits for the node to become
// leader first.
func (node *Node) Propose(ctx context.Context, data []byte) error {
	select {
	case <-node.leader:
	case <-node.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	err := node.node.Propose(ctx, data)

	if errors.Is(err, raft.ErrStopped) {
		return ErrStopped
	}

	return err
}

// Stop halts the ready loop and the underlying raft node
func (node *Node) Stop() {
	node.stopOnce.Do(func() {
		close(node.stop)
		<-node.done
		node.node.Stop()
	})
}

func (node *Node) run() {
	defer close(node.done)

	ticker := time.NewTicker(node.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			node.node.Tick()
		case rd := <-node.node.Ready():
			node.processReady(rd)
			node.node.Advance()
		case <-node.stop:
			return
		}
	}
}

func (node *Node) processReady(rd raft.Ready) {
	if rd.SoftState != nil && rd.SoftState.RaftState == raft.StateLeader {
		node.leaderOnce.Do(func() {
			node.logger.Info("became leader", zap.Uint64("term", rd.HardState.Term))
			close(node.leader)
		})
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := node.storage.ApplySnapshot(rd.Snapshot); err != nil {
			node.logger.Error("could not apply snapshot", zap.Error(err))
		}
	}

	if err := node.storage.Append(rd.Entries); err != nil {
		node.logger.Error("could not persist entries", zap.Error(err))
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		if err := node.storage.SetHardState(rd.HardState); err != nil {
			node.logger.Error("could not persist hard state", zap.Error(err))
		}
	}

	// A single voter never has peers to message
	if len(rd.Messages) > 0 {
		node.logger.Debug("dropping messages", zap.Int("count", len(rd.Messages)))
	}

	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange

			if err := cc.Unmarshal(entry.Data); err != nil {
				node.logger.Error("could not decode conf change", zap.Uint64("index", entry.Index), zap.Error(err))

				continue
			}

			node.node.ApplyConfChange(cc)
		case raftpb.EntryNormal:
			// Leaders append an empty entry when elected
			if len(entry.Data) == 0 || node.apply == nil {
				continue
			}

			node.apply(entry.Index, entry.Data)
		}
	}
}

// logger adapts zap to the raft.Logger interface
type logger struct {
	*zap.SugaredLogger
}

func (logger *logger) Warning(v ...interface{}) {
	logger.Warn(v...)
}

func (logger *logger) Warningf(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

var _ raft.Logger = (*logger)(nil)

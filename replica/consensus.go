package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/raft"
	"github.com/jrife/plover/state_machine"
	"go.uber.org/zap"
)

var _ Engine = (*Consensus)(nil)

// Consensus orders every request through a raft log. Commands of a
// session apply in the order the session issued them.
type Consensus struct {
	config       Config
	node         *raft.Node
	stateMachine *state_machine.StateMachine
	waiters      *waiters
	applied      *appliedIndex
	closeOnce    sync.Once
}

// NewConsensus starts a consensus engine. tickInterval paces the
// raft node; zero picks the node's default.
func NewConsensus(config Config, tickInterval time.Duration) *Consensus {
	config = config.normalize()
	consensus := &Consensus{
		config:       config,
		stateMachine: state_machine.New(config.Partition, append(config.stateMachineOptions(), state_machine.WithOrderedCommands())...),
		waiters:      newWaiters(),
		applied:      newAppliedIndex(),
	}

	consensus.node = raft.StartNode(raft.Config{
		ID:           1,
		TickInterval: tickInterval,
		Apply:        consensus.apply,
		Logger:       config.Logger.With(zap.String("component", "raft")),
	})

	return consensus
}

func (consensus *Consensus) apply(index uint64, data []byte) {
	entry, err := state_machine.DecodeEntry(data)

	if err != nil {
		consensus.config.Logger.Error("could not decode entry", zap.Uint64("index", index), zap.Error(err))
		consensus.applied.advance(index)

		return
	}

	entry.Index = index
	consensus.waiters.complete(consensus.stateMachine.Apply(entry))
	consensus.applied.advance(index)
}

// Command implements Engine.Command
func (consensus *Consensus) Command(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	id, result := consensus.waiters.register()
	data, err := state_machine.EncodeEntry(state_machine.Entry{
		ID:        id,
		Timestamp: consensus.config.Now().UnixNano(),
		Request:   request,
	})

	if err != nil {
		consensus.waiters.cancel(id)

		return protocol.Response{}, fmt.Errorf("could not encode entry: %w", err)
	}

	if err := consensus.node.Propose(ctx, data); err != nil {
		consensus.waiters.cancel(id)

		return protocol.Response{}, fmt.Errorf("could not propose entry: %w", err)
	}

	return consensus.waiters.await(ctx, id, result)
}

// Query implements Engine.Query. Linearizable reads go through the log.
func (consensus *Consensus) Query(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	switch request.Consistency {
	case protocol.ConsistencyDefault, protocol.Linearizable:
		return consensus.Command(ctx, request)
	}

	if err := consensus.applied.wait(ctx, request.MinIndex); err != nil {
		return protocol.Response{}, err
	}

	return consensus.stateMachine.Query(request), nil
}

// Index implements Engine.Index
func (consensus *Consensus) Index() uint64 {
	return consensus.applied.get()
}

// Close implements Engine.Close
func (consensus *Consensus) Close() error {
	consensus.closeOnce.Do(func() {
		consensus.node.Stop()
		consensus.waiters.failAll(ErrClosed)
	})

	return nil
}

// Package consensus runs primitives on raft partition groups. Each
// partition is dialed at its leader. Commands are applied in session
// order and reads are linearizable unless configured otherwise.
package consensus

import (
	"context"
	"fmt"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

// Type is the protocol type served by this package
const Type = protocol.Consensus

var _ protocol.Protocol = (*Protocol)(nil)
var _ protocol.Factory = New

// Protocol is the consensus backend
type Protocol struct {
	config protocol.Config
}

// New creates a consensus backend. Reads default to Linearizable.
// Eventual reads are served like Sequential ones.
func New(config protocol.Config) (protocol.Protocol, error) {
	config.Logger = log.Default(config.Logger)

	switch config.Consistency {
	case protocol.ConsistencyDefault:
		config.Consistency = protocol.Linearizable
	case protocol.Eventual:
		config.Consistency = protocol.Sequential
	}

	return &Protocol{config: config}, nil
}

// Type implements protocol.Protocol.Type
func (consensus *Protocol) Type() protocol.Type {
	return Type
}

// Group implements protocol.Protocol.Group
func (consensus *Protocol) Group() string {
	return consensus.config.Group
}

// CreateService implements protocol.Protocol.CreateService
func (consensus *Protocol) CreateService(ctx context.Context, name string, partitionService cluster.PartitionService) (protocol.ServiceHandle, error) {
	topology, err := partitionService.PartitionGroup(string(Type), consensus.config.Group)

	if err != nil {
		return nil, fmt.Errorf("could not resolve partition group: %w: %w", protocol.ErrPrimitiveUnavailable, err)
	}

	consensus.config.Logger.Debug("creating service", zap.String("service", name), zap.String("group", topology.Group))

	return protocol.DialService(ctx, name, topology, consensus.config.Dialer, protocol.Leader,
		protocol.WithConsistency(consensus.config.Consistency),
		protocol.WithClientLogger(consensus.config.Logger),
	)
}

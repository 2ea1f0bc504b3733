// Package primarybackup runs primitives on primary-backup partition
// groups. Commands go to each partition's primary. Queries may be
// answered by a backup when the caller tolerates staleness.
package primarybackup

import (
	"context"
	"fmt"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

// Type is the protocol type served by this package
const Type = protocol.PrimaryBackup

var _ protocol.Protocol = (*Protocol)(nil)
var _ protocol.Factory = New

// Protocol is the primary-backup backend
type Protocol struct {
	config protocol.Config
}

// New creates a primary-backup backend. A positive MaxStaleness lets
// queries be served by backups lagging at most that far behind the
// primary. Without one every query is served by the primary.
func New(config protocol.Config) (protocol.Protocol, error) {
	config.Logger = log.Default(config.Logger)

	if config.MaxStaleness < 0 {
		return nil, fmt.Errorf("max staleness %s is negative", config.MaxStaleness)
	}

	if config.Consistency == protocol.ConsistencyDefault {
		config.Consistency = protocol.Sequential

		if config.MaxStaleness > 0 {
			config.Consistency = protocol.Eventual
		}
	}

	return &Protocol{config: config}, nil
}

// Type implements protocol.Protocol.Type
func (primaryBackup *Protocol) Type() protocol.Type {
	return Type
}

// Group implements protocol.Protocol.Group
func (primaryBackup *Protocol) Group() string {
	return primaryBackup.config.Group
}

// CreateService implements protocol.Protocol.CreateService
func (primaryBackup *Protocol) CreateService(ctx context.Context, name string, partitionService cluster.PartitionService) (protocol.ServiceHandle, error) {
	topology, err := partitionService.PartitionGroup(string(Type), primaryBackup.config.Group)

	if err != nil {
		return nil, fmt.Errorf("could not resolve partition group: %w: %w", protocol.ErrPrimitiveUnavailable, err)
	}

	primaryBackup.config.Logger.Debug("creating service",
		zap.String("service", name),
		zap.String("group", topology.Group),
		zap.Duration("maxStaleness", primaryBackup.config.MaxStaleness),
	)

	return protocol.DialService(ctx, name, topology, primaryBackup.config.Dialer, protocol.Leader,
		protocol.WithConsistency(primaryBackup.config.Consistency),
		protocol.WithMaxStaleness(primaryBackup.config.MaxStaleness),
		protocol.WithClientLogger(primaryBackup.config.Logger),
	)
}

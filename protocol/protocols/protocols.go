// Package protocols assembles a registry holding every built in backend
package protocols

import (
	"github.com/jrife/plover/protocol"
	"github.com/jrife/plover/protocol/appendlog"
	"github.com/jrife/plover/protocol/consensus"
	"github.com/jrife/plover/protocol/primarybackup"
)

// NewRegistry returns a registry with the consensus, primary-backup
// and append-log backends registered
func NewRegistry() *protocol.Registry {
	registry := protocol.NewRegistry()
	registry.Register(consensus.Type, consensus.New)
	registry.Register(primarybackup.Type, primarybackup.New)
	registry.Register(appendlog.Type, appendlog.New)

	return registry
}

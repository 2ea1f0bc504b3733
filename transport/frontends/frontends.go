// Package frontends defines how partition hosts are exposed to remote
// clients. A frontend owns a wire protocol and hands every decoded
// frame to a transport.Handler.
package frontends

import (
	"net"

	"github.com/jrife/plover/transport"
	"go.uber.org/zap"
)

// Options are passed to a frontend by Init
type Options struct {
	// Handler serves the requests and streams the frontend receives
	Handler transport.Handler
	Logger  *zap.Logger
}

// Frontend exposes a Handler over some wire protocol
type Frontend interface {
	// Init prepares the frontend. It must be called once before Listen.
	Init(options Options) error
	// Listen serves connections accepted from listener and blocks until
	// Stop is called, in which case it returns nil, or until the
	// listener fails. Listen may be called for several listeners.
	Listen(listener net.Listener) error
	// Stop ends every call to Listen and drops open connections. The
	// listeners are left for their owner to close.
	Stop() error
}

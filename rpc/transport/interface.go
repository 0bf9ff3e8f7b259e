package transport

import (
	"context"
	"net"
	"time"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc processes the bytes buffered for one session.
//
// in holds everything received and not yet consumed. The handler executes all
// complete requests, appends their replies to out and returns the number of
// bytes of in it consumed. Incomplete trailing requests stay in the buffer
// and are passed again once more bytes arrived. in must not be retained after
// the call returns. If closeSession is set the session ends once resp was
// written.
type ServerHandleFunc func(in, out []byte) (consumed int, resp []byte, closeSession bool)

// IServerTransport is the interface for the listeners of the server
type IServerTransport interface {
	// RegisterHandler registers the handler called for received bytes
	RegisterHandler(handler ServerHandleFunc)
	// Listen accepts sessions on endpoint until ctx is cancelled. It closes all
	// open sessions before it returns.
	Listen(ctx context.Context, endpoint string) error
	// Sessions returns the number of open sessions
	Sessions() int
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IClientConnector opens client connections for one socket type
type IClientConnector interface {
	// Connect dials endpoint, giving up after timeout (0 = no timeout)
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

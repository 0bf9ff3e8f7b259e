package server

import (
	"github.com/ValentinKolb/segcache/rpc/protocol"
)

// IServerAdapter executes the requests of one listener
type IServerAdapter interface {
	// Name labels the listener in metrics and logs
	Name() string
	// Handle executes req and appends the reply to out.
	// Replies of noreply requests are discarded by the caller.
	Handle(req *protocol.Request, out []byte) []byte
}

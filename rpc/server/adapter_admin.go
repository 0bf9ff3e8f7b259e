package server

import (
	"time"

	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/protocol"
)

// NewAdminServerAdapter creates the adapter of the admin text port. It only
// answers stats, version, flush_all and quit.
func NewAdminServerAdapter(s *CacheServer) IServerAdapter {
	return &adminServerAdapterImpl{server: s}
}

type adminServerAdapterImpl struct {
	server *CacheServer
}

func (adapter *adminServerAdapterImpl) Name() string {
	return "admin"
}

func (adapter *adminServerAdapterImpl) Handle(req *protocol.Request, out []byte) []byte {
	switch req.Command {
	case protocol.CmdStats:
		return adapter.server.appendStats(out)
	case protocol.CmdVersion:
		return protocol.AppendVersion(out, common.Version)
	case protocol.CmdFlushAll:
		adapter.server.flushAll(protocol.ExptimeTTL(req.Exptime, time.Now()))
		return append(out, protocol.RespOK...)
	default:
		return append(out, protocol.RespError...)
	}
}

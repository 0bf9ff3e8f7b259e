package server

import (
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/protocol"
)

// NewCacheServerAdapter creates the adapter of the memcache port
func NewCacheServerAdapter(s *CacheServer) IServerAdapter {
	return &cacheServerAdapterImpl{server: s, cache: s.cache}
}

type cacheServerAdapterImpl struct {
	server *CacheServer
	cache  db.ICache
}

func (adapter *cacheServerAdapterImpl) Name() string {
	return "cache"
}

func (adapter *cacheServerAdapterImpl) Handle(req *protocol.Request, out []byte) []byte {
	switch req.Command {
	case protocol.CmdGet, protocol.CmdGets:
		withCas := req.Command == protocol.CmdGets
		for _, key := range req.Keys {
			if item, ok := adapter.cache.Get(key); ok {
				out = protocol.AppendValue(out, item, withCas)
			}
		}
		return append(out, protocol.RespEnd...)

	case protocol.CmdSet, protocol.CmdAdd, protocol.CmdReplace, protocol.CmdCas:
		if err := adapter.store(req); err != nil {
			return protocol.AppendError(out, err)
		}
		return append(out, protocol.RespStored...)

	case protocol.CmdAppend, protocol.CmdPrepend:
		return append(out, protocol.RespError...)

	case protocol.CmdIncr, protocol.CmdDecr:
		var (
			value uint64
			err   error
		)
		if req.Command == protocol.CmdIncr {
			value, err = adapter.cache.Incr(req.Key, req.Delta)
		} else {
			value, err = adapter.cache.Decr(req.Key, req.Delta)
		}
		if err != nil {
			return protocol.AppendError(out, err)
		}
		return protocol.AppendUint(out, value)

	case protocol.CmdDelete:
		if adapter.cache.Delete(req.Key) {
			return append(out, protocol.RespDeleted...)
		}
		return append(out, protocol.RespNotFound...)

	case protocol.CmdFlushAll:
		adapter.server.flushAll(protocol.ExptimeTTL(req.Exptime, time.Now()))
		return append(out, protocol.RespOK...)

	case protocol.CmdVersion:
		return protocol.AppendVersion(out, common.Version)

	case protocol.CmdStats:
		return adapter.server.appendStats(out)

	default:
		return append(out, protocol.RespError...)
	}
}

// store executes the storage commands
func (adapter *cacheServerAdapterImpl) store(req *protocol.Request) error {
	ttl := req.TTL(time.Now())

	var err error
	switch req.Command {
	case protocol.CmdSet:
		_, err = adapter.cache.Set(req.Key, req.Value, req.Flags, ttl)
	case protocol.CmdAdd:
		_, err = adapter.cache.Add(req.Key, req.Value, req.Flags, ttl)
	case protocol.CmdReplace:
		_, err = adapter.cache.Replace(req.Key, req.Value, req.Flags, ttl)
	case protocol.CmdCas:
		_, err = adapter.cache.Cas(req.Key, req.Value, req.Flags, ttl, req.Cas)
	}
	return err
}

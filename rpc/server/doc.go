// Package server implements the memcache text protocol server of the cache.
// It connects the session transports with the protocol parser and executes
// the parsed requests against a db.ICache.
//
// The package focuses on:
//   - Running the cache port and the optional admin ports side by side
//   - Adapter pattern to decouple the command semantics from the transports
//   - Per command request metrics and the statistics document
//
// Key Components:
//
//   - IServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that appends the reply of one request.
//
//   - NewCacheServerAdapter: Adapter of the cache port. It answers all
//     storage, retrieval, arithmetic and maintenance commands.
//
//   - NewAdminServerAdapter: Adapter of the admin text port. It only answers
//     stats, version, flush_all and quit.
//
//   - NewCacheServer: Factory function creating a configured server on top of
//     a cache and the transport of the cache port.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//
//	cache, err := seg.NewSegCache(seg.DefaultOptions())
//	if err != nil {
//	  log.Fatalf("cache error: %v", err)
//	}
//
//	t, err := server.NewTransport(config)
//	if err != nil {
//	  log.Fatalf("transport error: %v", err)
//	}
//
//	s := server.NewCacheServer(config, cache, t)
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("server error: %v", err)
//	}
//
// Requests of one session are executed in order and their replies are written
// in the same order. A request with noreply produces no reply at all, errors
// included.
//
// Thread Safety:
//
//	The server is safe for concurrent sessions. Serve should be called only once.
package server

// Package rpc provides the network side of segcache. It connects memcache
// clients with the cache engine in lib/db.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures, the version and logger setup shared
//     by the server, the client and the cli.
//
//   - protocol: Incremental parser and reply encoder of the memcache text
//     protocol.
//
//   - transport: Session handling with pluggable listeners (TCP, Unix
//     sockets) and the admin HTTP endpoint.
//
//   - server: Executes parsed requests against a cache and collects the
//     request metrics and statistics.
//
//   - client: A memcache text protocol client used by the cli and the tests.
package rpc

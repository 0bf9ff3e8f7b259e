// Package unix implements a transport layer using Unix domain sockets for
// clients running on the same machine as the cache server.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners, removing a stale socket
//     file left behind by a previous run
package unix

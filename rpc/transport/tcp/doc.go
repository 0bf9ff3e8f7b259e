// Package tcp implements the TCP socket transport of the cache server and
// client. It provides the TCP specific connectors for the base package; the
// session loop itself lives in base.
//
// Key Components:
//
//   - clientConnector: Dials TCP endpoints with Nagle's algorithm disabled
//
//   - serverConnector: Creates TCP listeners and applies the no delay and
//     keep-alive settings of the server configuration to accepted sessions
package tcp

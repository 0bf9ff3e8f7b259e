// Package transport defines the listener and dialer abstractions of the cache
// server. Implementations exist for TCP and Unix sockets (sub packages tcp and
// unix, built on base) plus the admin HTTP endpoint (sub package http).
//
// Key Components:
//
//   - IServerTransport: Accepts sessions on an endpoint and feeds received
//     bytes to a ServerHandleFunc until its context is cancelled.
//
//   - ServerHandleFunc: Executes the complete requests of a session buffer and
//     returns their replies. It is protocol specific, the transport only moves
//     bytes.
//
//   - IClientConnector: Dials an endpoint for the client package.
package transport

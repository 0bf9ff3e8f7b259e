// Package base provides the session loop shared by the socket transports
// (TCP, Unix sockets). Socket specific behavior is injected through an
// IServerConnector.
//
// Key Components:
//
//   - IServerConnector: Creates the listener and tunes accepted connections.
//
//   - serverTransport: Accepts sessions and runs one goroutine per session.
//     Open sessions are bounded by a weighted semaphore and tracked in a
//     concurrent map so shutdown can close them.
//
// Session loop:
//
//   - Bytes are read into a pooled session buffer that doubles up to a limit
//     when a request with a large data block arrives.
//   - After every read the handler executes all complete requests of the
//     buffer and appends their replies to one output buffer, which is written
//     with a single write. Pipelined requests therefore cost one syscall per
//     batch instead of one per request.
//   - The unconsumed tail (an incomplete request) is moved to the front of the
//     buffer for the next read.
//
// Accepted, closed and currently open sessions are exported as
// VictoriaMetrics counters labeled with the listener name.
package base

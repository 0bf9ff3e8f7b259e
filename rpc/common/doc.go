// Package common provides the configuration structures and the logging setup
// shared by the server, the client and the cli.
//
// Key Components:
//
//   - ServerConfig: Ports, session limits, logging and the EngineConfig of a
//     cache server. EngineConfig converts to the options of the segment cache.
//
//   - ClientConfig: Endpoint and timeout of the cli client.
//
//   - Logger: A factory for the dragonboat logger facade backed by zap, so every
//     package keeps its `logger.GetLogger(name)` logger while output is
//     structured (console or json) with ISO8601 timestamps.
//
// Both config structs render an aligned table through String(), which the
// server prints on startup.
package common

// Package cmd implements the command-line interface of segcache. It provides
// a hierarchical command structure with operations for running the server and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the cache server
//   - kv: Cache operations (get, set, cas, incr, ...) and a benchmark tool
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See segcache -help for a list of all commands.
package cmd

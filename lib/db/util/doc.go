// Package util provides helper components shared by the cache engines.
//
// The package contains:
//   - functions: key hashing and seed generation
//   - statistics: distribution statistics and a SizeHistogram for tracking item sizes
//   - victimheap: a priority queue ranking segments for eviction
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer queue feeding background loops
package util

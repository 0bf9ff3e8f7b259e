// Package db provides a standardized interface for in-memory cache engines.
// It defines the ICache interface that the network layer talks to, so the
// server never depends on a concrete engine.
//
// The package focuses on:
//   - A unified interface for memcache style operations
//   - Feature discovery through capability flags
//   - Sentinel errors that map one to one onto protocol replies
//   - Metadata reporting for stats endpoints
//
// Key Components:
//
//   - ICache Interface: The core interface that all cache engines must satisfy.
//     It provides reads (Get), unconditional and conditional writes (Set, Add,
//     Replace, Cas), arithmetic (Incr, Decr), removal (Delete, FlushAll) and
//     metadata retrieval (GetInfo).
//
//   - Feature Flags: The Feature type defines capability flags that engines
//     advertise through the SupportsFeature method.
//
//   - Item: A copy of a stored object including its flags, its version (cas)
//     and its remaining time to live.
//
//   - CacheInfo: Standardized reporting on cache state, including the bytes in
//     use, the engine type and engine specific metadata.
//
// Note on Time:
//   - Expiration is relative. Writes take a ttl, 0 means the object never
//     expires and a negative ttl stores an already expired object.
//   - Get never returns an expired object, even if its memory has not been
//     reclaimed yet.
//
// Note on Memory:
//   - Engines work within a fixed memory budget. A write that cannot be served
//     after eviction fails with ErrOutOfMemory, an object that can never fit
//     fails with ErrObjectTooLarge before anything is allocated.
//
// Related Packages:
//
// The engines/seg package (github.com/ValentinKolb/segcache/lib/db/engines/seg)
// implements ICache with a segment-structured store: objects are appended to
// fixed-size segments grouped by ttl, and memory is reclaimed a whole segment
// at a time by expiration or merge-based eviction.
//
// The testing package (github.com/ValentinKolb/segcache/lib/db/testing) provides
// standardized tests and benchmarks for engines that satisfy db.ICache.
//   - RunCacheTests: Runs a standardized test suite to validate implementations
//   - RunCacheBenchmarks: Provides performance benchmarks for comparing implementations
package db

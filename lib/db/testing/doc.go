// Package testing provides standardised tests and benchmarks for
// cache engines that satisfy the db.ICache interface.
//
// The package contains:
//   - testing: A test suite for validating conformance to the ICache contract
//   - benchmark: Performance tests for measuring throughput of common cache operations
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.ICache {
//		cache, _ := NewMyCache()
//		return cache
//	}
//
//	// Running the standard test suite
//	testing.RunCacheTests(t, "MyCache", factory)
//
//	// Running performance benchmarks
//	testing.RunCacheBenchmarks(b, "MyCache", factory)
package testing

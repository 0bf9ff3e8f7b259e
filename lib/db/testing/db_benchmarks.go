package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
)

// RunCacheBenchmarks runs all benchmarks for a cache implementation
func RunCacheBenchmarks(b *testing.B, name string, factory CacheFactory) {

	b.Run("Set", func(b *testing.B) {
		benchmarkSet(b, factory())
	})

	b.Run("SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, factory())
	})

	b.Run("SetLargeValue", func(b *testing.B) {
		benchmarkSetLargeValue(b, factory())
	})

	b.Run("SetWithExpiry", func(b *testing.B) {
		benchmarkSetWithExpiry(b, factory())
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run("Get(miss)", func(b *testing.B) {
		benchmarkGetMiss(b, factory())
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, factory())
	})

	b.Run("Incr", func(b *testing.B) {
		benchmarkIncr(b, factory())
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Set operation
func benchmarkSet(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet)

	var worker atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := worker.Add(1)
		counter := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d-%d", id, counter))
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			cache.Set(key, value, 0, 0)
			counter++
		}
	})
}

// Benchmark for Set operation with existing keys
func benchmarkSetExisting(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet)

	// Prepare data
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		cache.Set([]byte(fmt.Sprintf("test-key-%d", i)), []byte(fmt.Sprintf("test-value-%d", i)), 0, 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d", counter%numKeys))
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			cache.Set(key, value, 0, 0)
			counter++
		}
	})
}

// Benchmark for Set operation with large values
func benchmarkSetLargeValue(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet)

	largeValue := make([]byte, 64*1024) // 64KB
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			cache.Set([]byte(fmt.Sprintf("test-key-%d", counter)), largeValue, 0, 0)
			counter++
		}
	})
}

// Benchmark for Set operation with a spread of ttls
func benchmarkSetWithExpiry(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet|db.FeatureExpiration)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d", counter))
			ttl := time.Duration(counter%3600+1) * time.Second
			cache.Set(key, []byte("test-value"), 0, ttl)
			counter++
		}
	})
}

// Parallel benchmarking for Get operation
func benchmarkGet(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet|db.FeatureGet)

	// Prepare data
	numKeys := 10000
	keys := make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("test-key-%d", i))
		cache.Set(keys[i], []byte(fmt.Sprintf("test-value-%d", i)), 0, 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			cache.Get(keys[counter%numKeys])
			counter++
		}
	})
}

// Parallel benchmarking for Get operation (with key miss)
func benchmarkGetMiss(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureGet)
	key := []byte("test-key")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			cache.Get(key)
		}
	})
}

// Parallel benchmarking for Delete operation
func benchmarkDelete(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet|db.FeatureDelete)

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}

	// Prepare data
	keys := make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("test-key-%d", i))
		cache.Set(keys[i], []byte(fmt.Sprintf("test-value-%d", i)), 0, 0)
	}

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			cache.Delete(keys[idx])
		}
	})
}

// Parallel benchmarking for Incr on a small set of counters
func benchmarkIncr(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet|db.FeatureIncrDecr)

	numKeys := 64
	keys := make([][]byte, numKeys)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("counter-%d", i))
		cache.Set(keys[i], []byte("0"), 0, 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			cache.Incr(keys[counter%numKeys], 1)
			counter++
		}
	})
}

// Benchmark for a read heavy mix of operations
func benchmarkMixedUsage(b *testing.B, cache db.ICache) {

	b.Cleanup(func() {
		cache.Close()
	})

	requireFeature(b, cache, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		cache.Set([]byte(fmt.Sprintf("test-key-%d", i)), []byte(fmt.Sprintf("test-value-%d", i)), 0, 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d", r.Intn(numKeys)))
			switch op := r.Intn(100); {
			case op < 80:
				cache.Get(key)
			case op < 95:
				cache.Set(key, []byte("updated-value"), 0, 0)
			default:
				cache.Delete(key)
			}
		}
	})
}

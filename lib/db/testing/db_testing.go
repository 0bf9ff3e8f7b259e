package testing

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
)

// CacheFactory is a function that creates a new instance of an ICache implementation
type CacheFactory func() db.ICache

// RunCacheTests runs a comprehensive test suite for an ICache implementation.
// The factory must return caches large enough to hold a few thousand small objects.
func RunCacheTests(t *testing.T, name string, factory CacheFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Flags", func(t *testing.T) {
			testFlags(t, factory())
		})

		t.Run("Expiration", func(t *testing.T) {
			testExpiration(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("AddReplace", func(t *testing.T) {
			testAddReplace(t, factory())
		})

		t.Run("Cas", func(t *testing.T) {
			testCas(t, factory())
		})

		t.Run("IncrDecr", func(t *testing.T) {
			testIncrDecr(t, factory())
		})

		t.Run("FlushAll", func(t *testing.T) {
			testFlushAll(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("CollisionHandling", func(t *testing.T) {
			testCollisionHandling(t, factory())
		})

		t.Run("ConcurrentAccess", func(t *testing.T) {
			testConcurrentAccess(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the cache supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, cache db.ICache, feature db.Feature) {
	if !cache.SupportsFeature(feature) {
		t.Skip()
	}
}

// mustSet stores a value and fails the test on error
func mustSet(t testing.TB, cache db.ICache, key string, value []byte, ttl time.Duration) uint64 {
	cas, err := cache.Set([]byte(key), value, 0, ttl)
	if err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
	return cas
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustSet(t, cache, testKey, testValue1, 0)

	item, exists := cache.Get([]byte(testKey))
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(item.Value, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, item.Value)
	}
	if item.TTL != 0 {
		t.Errorf("Expected no ttl for an object stored with ttl 0, got %s", item.TTL)
	}

	mustSet(t, cache, testKey, testValue2, 0)

	item, exists = cache.Get([]byte(testKey))
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(item.Value, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, item.Value)
	}

	if _, exists = cache.Get([]byte("nonexistent-key")); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrieved, _ := cache.Get([]byte(testKey))
	retrieved.Value[0] = 'X'

	original, _ := cache.Get([]byte(testKey))
	if bytes.Equal(retrieved.Value, original.Value) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}
}

func testFlags(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet)

	if _, err := cache.Set([]byte("flagged"), []byte("v"), 0xDEADBEEF, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	item, exists := cache.Get([]byte("flagged"))
	if !exists {
		t.Fatalf("Expected flagged key to exist")
	}
	if item.Flags != 0xDEADBEEF {
		t.Errorf("Expected flags %x, got %x", 0xDEADBEEF, item.Flags)
	}
}

func testExpiration(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet|db.FeatureExpiration)

	// a negative ttl stores an already expired object
	mustSet(t, cache, "expired-key", []byte("value"), 0)
	mustSet(t, cache, "expired-key", []byte("value"), -time.Second)
	if _, exists := cache.Get([]byte("expired-key")); exists {
		t.Errorf("Expected key stored with a negative ttl to be a miss")
	}

	mustSet(t, cache, "ttl-key", []byte("value"), time.Hour)
	item, exists := cache.Get([]byte("ttl-key"))
	if !exists {
		t.Fatalf("Expected key with a ttl of one hour to exist")
	}
	if item.TTL <= 0 || item.TTL > time.Hour {
		t.Errorf("Expected remaining ttl in (0, 1h], got %s", item.TTL)
	}

	// partial seconds round up
	mustSet(t, cache, "short-ttl-key", []byte("value"), 10*time.Millisecond)
	if _, exists := cache.Get([]byte("short-ttl-key")); !exists {
		t.Errorf("Expected key with a sub-second ttl to exist right after Set")
	}
}

func testDelete(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	testKey := "delete-test-key"
	mustSet(t, cache, testKey, []byte("delete-test-value"), 0)

	if _, exists := cache.Get([]byte(testKey)); !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}

	if !cache.Delete([]byte(testKey)) {
		t.Errorf("Expected Delete to report a removed object")
	}

	if _, exists := cache.Get([]byte(testKey)); exists {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	if cache.Delete([]byte(testKey)) {
		t.Errorf("Expected second Delete to report nothing removed")
	}
	if cache.Delete([]byte("nonexistent-key")) {
		t.Errorf("Expected Delete of nonexistent key to report nothing removed")
	}
}

func testAddReplace(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureAdd|db.FeatureReplace|db.FeatureGet)

	key := []byte("add-replace-key")

	if _, err := cache.Replace(key, []byte("v0"), 0, 0); !errors.Is(err, db.ErrNotStored) {
		t.Errorf("Expected Replace of absent key to fail with ErrNotStored, got %v", err)
	}

	if _, err := cache.Add(key, []byte("v1"), 0, 0); err != nil {
		t.Errorf("Expected Add of absent key to succeed, got %v", err)
	}

	if _, err := cache.Add(key, []byte("v2"), 0, 0); !errors.Is(err, db.ErrNotStored) {
		t.Errorf("Expected Add of present key to fail with ErrNotStored, got %v", err)
	}

	item, _ := cache.Get(key)
	if !bytes.Equal(item.Value, []byte("v1")) {
		t.Errorf("Expected value v1 after rejected Add, got %s", item.Value)
	}

	if _, err := cache.Replace(key, []byte("v3"), 7, 0); err != nil {
		t.Errorf("Expected Replace of present key to succeed, got %v", err)
	}

	item, _ = cache.Get(key)
	if !bytes.Equal(item.Value, []byte("v3")) || item.Flags != 7 {
		t.Errorf("Expected value v3 with flags 7 after Replace, got %s (%d)", item.Value, item.Flags)
	}
}

func testCas(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureCas|db.FeatureSet|db.FeatureGet)

	key := []byte("cas-key")

	if _, err := cache.Cas(key, []byte("v"), 0, 0, 1); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected Cas of absent key to fail with ErrNotFound, got %v", err)
	}

	cas1 := mustSet(t, cache, string(key), []byte("v1"), 0)

	item, _ := cache.Get(key)
	if item.Cas != cas1 {
		t.Errorf("Expected Get to return cas %d, got %d", cas1, item.Cas)
	}

	if _, err := cache.Cas(key, []byte("v2"), 0, 0, cas1+100); !errors.Is(err, db.ErrVersionMismatch) {
		t.Errorf("Expected Cas with wrong version to fail with ErrVersionMismatch, got %v", err)
	}

	cas2, err := cache.Cas(key, []byte("v2"), 0, 0, cas1)
	if err != nil {
		t.Fatalf("Expected Cas with current version to succeed, got %v", err)
	}
	if cas2 == cas1 {
		t.Errorf("Expected a new version after Cas, got %d again", cas2)
	}

	if _, err := cache.Cas(key, []byte("v3"), 0, 0, cas1); !errors.Is(err, db.ErrVersionMismatch) {
		t.Errorf("Expected Cas with stale version to fail, got %v", err)
	}

	item, _ = cache.Get(key)
	if !bytes.Equal(item.Value, []byte("v2")) {
		t.Errorf("Expected value v2, got %s", item.Value)
	}

	// every write produces a distinct version
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		cas := mustSet(t, cache, fmt.Sprintf("cas-unique-%d", i%10), []byte("v"), 0)
		if seen[cas] {
			t.Fatalf("Version %d handed out twice", cas)
		}
		seen[cas] = true
	}
}

func testIncrDecr(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureIncrDecr|db.FeatureSet|db.FeatureGet)

	key := []byte("counter")

	if _, err := cache.Incr(key, 1); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected Incr of absent key to fail with ErrNotFound, got %v", err)
	}

	if _, err := cache.Set(key, []byte("3"), 42, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if v, err := cache.Incr(key, 4); err != nil || v != 7 {
		t.Errorf("Expected Incr to return 7, got %d (%v)", v, err)
	}
	if v, err := cache.Decr(key, 2); err != nil || v != 5 {
		t.Errorf("Expected Decr to return 5, got %d (%v)", v, err)
	}
	if v, err := cache.Decr(key, 100); err != nil || v != 0 {
		t.Errorf("Expected Decr to floor at 0, got %d (%v)", v, err)
	}

	item, _ := cache.Get(key)
	if !bytes.Equal(item.Value, []byte("0")) {
		t.Errorf("Expected stored value 0, got %s", item.Value)
	}
	if item.Flags != 42 {
		t.Errorf("Expected Incr/Decr to keep flags 42, got %d", item.Flags)
	}
	if item.TTL <= 0 {
		t.Errorf("Expected Incr/Decr to keep the expiration, got ttl %s", item.TTL)
	}

	mustSet(t, cache, string(key), []byte("3"), 0)
	if v, err := cache.Incr(key, math.MaxUint64); err != nil || v != 2 {
		t.Errorf("Expected Incr to wrap around to 2, got %d (%v)", v, err)
	}

	mustSet(t, cache, "text", []byte("abc"), 0)
	if _, err := cache.Incr([]byte("text"), 1); !errors.Is(err, db.ErrNotNumeric) {
		t.Errorf("Expected Incr of non-numeric value to fail with ErrNotNumeric, got %v", err)
	}
}

func testFlushAll(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureFlushAll|db.FeatureSet|db.FeatureGet)

	for i := 0; i < 100; i++ {
		mustSet(t, cache, fmt.Sprintf("flush-key-%d", i), []byte("value"), 0)
	}

	cache.FlushAll()

	for i := 0; i < 100; i++ {
		if _, exists := cache.Get([]byte(fmt.Sprintf("flush-key-%d", i))); exists {
			t.Fatalf("Expected flush-key-%d to be gone after FlushAll", i)
		}
	}

	mustSet(t, cache, "after-flush", []byte("value"), 0)
	if _, exists := cache.Get([]byte("after-flush")); !exists {
		t.Errorf("Expected writes to succeed after FlushAll")
	}
}

func testEdgeCases(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet)

	if _, err := cache.Set(nil, []byte("value"), 0, 0); !errors.Is(err, db.ErrInvalidKey) {
		t.Errorf("Expected empty key to fail with ErrInvalidKey, got %v", err)
	}

	longKey := bytes.Repeat([]byte("k"), db.MaxKeyLen+1)
	if _, err := cache.Set(longKey, []byte("value"), 0, 0); !errors.Is(err, db.ErrInvalidKey) {
		t.Errorf("Expected oversized key to fail with ErrInvalidKey, got %v", err)
	}

	maxKey := bytes.Repeat([]byte("k"), db.MaxKeyLen)
	if _, err := cache.Set(maxKey, []byte("value"), 0, 0); err != nil {
		t.Errorf("Expected key of %d bytes to be accepted, got %v", db.MaxKeyLen, err)
	}
	if _, exists := cache.Get(maxKey); !exists {
		t.Errorf("Key of maximum length not found after Set")
	}

	mustSet(t, cache, "empty-value-key", nil, 0)
	item, exists := cache.Get([]byte("empty-value-key"))
	if !exists {
		t.Errorf("Key for empty value not found after Set")
	} else if len(item.Value) != 0 {
		t.Errorf("Empty value resulted in non-empty value: %v", item.Value)
	}

	binKey := []byte{0x00, 0xFF, 0x10, 0x00}
	if _, err := cache.Set(binKey, []byte("binary"), 0, 0); err != nil {
		t.Errorf("Expected binary key to be accepted, got %v", err)
	}
	if item, exists := cache.Get(binKey); !exists || !bytes.Equal(item.Key, binKey) {
		t.Errorf("Binary key not found after Set")
	}

	hugeValue := make([]byte, 16<<20)
	if _, err := cache.Set([]byte("huge"), hugeValue, 0, 0); !errors.Is(err, db.ErrObjectTooLarge) {
		t.Errorf("Expected huge value to fail with ErrObjectTooLarge, got %v", err)
	}
	if _, exists := cache.Get([]byte("huge")); exists {
		t.Errorf("Rejected object must not be stored")
	}
}

func testCollisionHandling(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	prefix := "collision-test-"
	numKeys := 2000

	for i := 0; i < numKeys; i++ {
		mustSet(t, cache, fmt.Sprintf("%s%d", prefix, i), []byte(fmt.Sprintf("value-%d", i)), 0)
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))

		item, exists := cache.Get([]byte(key))
		if !exists {
			t.Errorf("Key %s not found", key)
			continue
		}
		if !bytes.Equal(item.Value, expectedValue) {
			t.Errorf("Value for key %s does not match: expected %s, got %s", key, expectedValue, item.Value)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		cache.Delete([]byte(fmt.Sprintf("%s%d", prefix, i)))
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists := cache.Get([]byte(key))

		if i%2 == 0 && exists {
			t.Errorf("Key %s should be deleted", key)
		} else if i%2 != 0 && !exists {
			t.Errorf("Key %s should exist", key)
		}
	}
}

func testConcurrentAccess(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	const (
		numWorkers = 8
		numOps     = 1000
		numKeys    = 50
	)

	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < numOps; i++ {
				key := []byte(fmt.Sprintf("concurrent-%d", (worker+i)%numKeys))
				switch i % 4 {
				case 0, 1:
					value := []byte(fmt.Sprintf("%s=%d", key, i))
					if _, err := cache.Set(key, value, 0, 0); err != nil {
						failures.Add(1)
					}
				case 2:
					prefix := []byte(fmt.Sprintf("%s=", key))
					if item, ok := cache.Get(key); ok && !bytes.HasPrefix(item.Value, prefix) {
						// a value must always belong to its own key
						failures.Add(1)
					}
				case 3:
					cache.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()

	if n := failures.Load(); n > 0 {
		t.Errorf("%d concurrent operations failed or returned a foreign value", n)
	}
}

func testRealisticUsage(t *testing.T, cache db.ICache) {
	defer cache.Close()

	requireFeature(t, cache, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	users := make(map[string][]byte)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("user:%d", i)
		value := []byte(fmt.Sprintf(`{"id":%d,"name":"User %d","email":"user%d@example.com"}`, i, i, i))
		users[key] = value
		mustSet(t, cache, key, value, 0)
	}

	for i := 0; i < 200; i += 3 {
		key := fmt.Sprintf("user:%d", i)
		users[key] = []byte(fmt.Sprintf(`{"id":%d,"name":"Updated User %d"}`, i, i))
		mustSet(t, cache, key, users[key], time.Hour)
	}

	for i := 1; i < 200; i += 7 {
		key := fmt.Sprintf("user:%d", i)
		delete(users, key)
		cache.Delete([]byte(key))
	}

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("user:%d", i)
		expected, shouldExist := users[key]
		item, exists := cache.Get([]byte(key))
		if exists != shouldExist {
			t.Errorf("Key %s: expected exists=%v, got %v", key, shouldExist, exists)
			continue
		}
		if exists && !bytes.Equal(item.Value, expected) {
			t.Errorf("Key %s: expected %s, got %s", key, expected, item.Value)
		}
	}

	info := cache.GetInfo()
	if info.SizeBytes <= 0 {
		t.Errorf("Expected a positive size after writes, got %d", info.SizeBytes)
	}
}

package seg

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/ValentinKolb/segcache/lib/db/engines/seg/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// fakeClock is a manually advanced time source
type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// tinyOptions returns options for a pool of count segments that hold exactly
// two objects with 5 byte keys and 115 byte values each
func tinyOptions(count int, policy EvictionPolicy) *Options {
	segSize := 2 * internal.ItemSize(5, 115)
	return &Options{
		TotalMemoryBytes:   int64(count * segSize),
		SegmentSizeBytes:   segSize,
		HashIndexPower:     4,
		TTLBucketCount:     8,
		TTLBucketWidth:     10 * time.Second,
		EvictionPolicy:     policy,
		EvictionMergeWidth: 4,
		ExpireInterval:     time.Hour,
	}
}

func newTestCache(t *testing.T, opts *Options) *segImpl {
	t.Helper()
	s, err := newSegCache(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tinyKey(i int) []byte   { return []byte(fmt.Sprintf("key-%d", i)) }
func tinyValue(i int) []byte { return bytes.Repeat([]byte{byte('a' + i%26)}, 115) }

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

func TestOptionsValidation(t *testing.T) {
	_, err := NewSegCache(&Options{SegmentSizeBytes: 100})
	assert.Error(t, err, "segment size must be a multiple of 8")

	_, err = NewSegCache(&Options{TotalMemoryBytes: 1 << 20, SegmentSizeBytes: 1 << 20})
	assert.Error(t, err, "a single segment leaves nothing beside the reserve")

	_, err = NewSegCache(&Options{EvictionPolicy: "lru"})
	assert.Error(t, err)

	_, err = NewSegCache(&Options{TTLBucketWidth: 1500 * time.Millisecond})
	assert.Error(t, err)

	p, err := ParseEvictionPolicy(" Merge ")
	require.NoError(t, err)
	assert.Equal(t, PolicyMerge, p)

	opts := DefaultOptions()
	require.NoError(t, opts.normalize())
	assert.Equal(t, 64, opts.SegmentCount())
	maxTTL := time.Duration(opts.TTLBucketCount-1) * opts.TTLBucketWidth
	assert.GreaterOrEqual(t, maxTTL, 30*24*time.Hour, "default ttl range covers relative exptimes")
	assert.Contains(t, opts.String(), "Eviction Policy")
}

// --------------------------------------------------------------------------
// Storage Facade
// --------------------------------------------------------------------------

func TestFirstCasIsOne(t *testing.T) {
	s := newTestCache(t, nil)

	cas, err := s.Set([]byte("0"), []byte("0"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cas)

	item, ok := s.Get([]byte("0"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), item.Cas)
}

func TestObjectTooLarge(t *testing.T) {
	opts := tinyOptions(4, PolicyMerge)
	s := newTestCache(t, opts)

	// fits exactly into one segment
	value := make([]byte, opts.SegmentSizeBytes-internal.ItemHeaderSize-5)
	_, err := s.Set([]byte("exact"), value, 0, 0)
	require.NoError(t, err)

	_, err = s.Set([]byte("large"), append(value, 'x'), 0, 0)
	assert.ErrorIs(t, err, db.ErrObjectTooLarge)

	stats := s.pool.Stats()
	assert.Equal(t, 1, stats.Active, "rejected write must not allocate")
	assert.EqualValues(t, 1, s.stats.tooLarge.Value())
}

func TestMaxValueSize(t *testing.T) {
	s := newTestCache(t, &Options{MaxValueSize: 10})

	_, err := s.Set([]byte("k"), make([]byte, 10), 0, 0)
	require.NoError(t, err)
	_, err = s.Set([]byte("k"), make([]byte, 11), 0, 0)
	assert.ErrorIs(t, err, db.ErrObjectTooLarge)
}

func TestOverwriteMarksPreviousDead(t *testing.T) {
	s := newTestCache(t, nil)

	for i := 0; i < 10; i++ {
		_, err := s.Set([]byte("k"), []byte(fmt.Sprintf("v%d", i)), 0, 0)
		require.NoError(t, err)
	}

	stats := s.pool.Stats()
	assert.Equal(t, 1, stats.LiveItems)
	assert.Equal(t, 9, stats.DeadItems)
	assert.EqualValues(t, 1, s.index.Stats().Entries)
}

func TestClosedCache(t *testing.T) {
	s, err := newSegCache(nil)
	require.NoError(t, err)
	_, err = s.Set([]byte("k"), []byte("v"), 0, 0)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Set([]byte("k"), []byte("v"), 0, 0)
	assert.ErrorIs(t, err, db.ErrClosed)
	_, ok := s.Get([]byte("k"))
	assert.False(t, ok)
}

// --------------------------------------------------------------------------
// Expiration
// --------------------------------------------------------------------------

func TestTTLWithClock(t *testing.T) {
	clk := newFakeClock()
	s := newTestCache(t, &Options{Clock: clk.Now, ExpireInterval: time.Hour})

	_, err := s.Set([]byte("k"), []byte("v"), 0, 10*time.Second)
	require.NoError(t, err)

	clk.Advance(9 * time.Second)
	item, ok := s.Get([]byte("k"))
	require.True(t, ok, "object must live until its ttl has passed")
	assert.Equal(t, time.Second, item.TTL)

	clk.Advance(time.Second)
	_, ok = s.Get([]byte("k"))
	assert.False(t, ok, "object must be a miss once its ttl has passed")
	assert.Equal(t, 0, s.pool.Stats().LiveItems, "an expired lookup marks the item dead")

	_, err = s.Replace([]byte("k"), []byte("v"), 0, 0)
	assert.ErrorIs(t, err, db.ErrNotStored, "expired objects do not count as present")
	_, err = s.Add([]byte("k"), []byte("v2"), 0, 0)
	assert.NoError(t, err)
}

func TestTTLRoundsUpAndClamps(t *testing.T) {
	clk := newFakeClock()
	s := newTestCache(t, &Options{Clock: clk.Now, TTLBucketCount: 4, TTLBucketWidth: 10 * time.Second})

	_, err := s.Set([]byte("short"), []byte("v"), 0, 1500*time.Millisecond)
	require.NoError(t, err)
	item, ok := s.Get([]byte("short"))
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, item.TTL)

	_, err = s.Set([]byte("long"), []byte("v"), 0, time.Hour)
	require.NoError(t, err)
	item, ok = s.Get([]byte("long"))
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, item.TTL, "ttl is clamped to the last bounded bucket")
}

func TestIncrKeepsExpiration(t *testing.T) {
	clk := newFakeClock()
	s := newTestCache(t, &Options{Clock: clk.Now})

	_, err := s.Set([]byte("n"), []byte("1"), 3, 10*time.Second)
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	v, err := s.Incr([]byte("n"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	item, ok := s.Get([]byte("n"))
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, item.TTL)
	assert.Equal(t, uint32(3), item.Flags)

	clk.Advance(5 * time.Second)
	_, err = s.Incr([]byte("n"), 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestExpireSegments(t *testing.T) {
	clk := newFakeClock()
	opts := tinyOptions(8, PolicyMerge)
	opts.Clock = clk.Now
	s := newTestCache(t, opts)

	for i := 0; i < 6; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, 5*time.Second)
		require.NoError(t, err)
	}
	_, err := s.Set([]byte("never"), []byte("v"), 0, 0)
	require.NoError(t, err)

	before := s.pool.FreeCount()
	clk.Advance(6 * time.Second)
	s.maintain(-1)

	assert.EqualValues(t, 3, s.stats.expiredSegments.Value())
	assert.Equal(t, before+3, s.pool.FreeCount())
	for i := 0; i < 6; i++ {
		_, ok := s.Get(tinyKey(i))
		assert.False(t, ok)
	}
	_, ok := s.Get([]byte("never"))
	assert.True(t, ok, "objects without ttl are never expired")
	require.NoError(t, s.checkInvariants())
}

// --------------------------------------------------------------------------
// Eviction
// --------------------------------------------------------------------------

func TestMergeEvictionKeepsNewest(t *testing.T) {
	s := newTestCache(t, tinyOptions(4, PolicyMerge))

	for i := 0; i < 9; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, 0)
		require.NoError(t, err, "write %d", i)
	}

	for _, i := range []int{7, 8} {
		item, ok := s.Get(tinyKey(i))
		require.True(t, ok, "key %d must survive", i)
		assert.Equal(t, tinyValue(i), item.Value)
	}

	misses := 0
	for i := 0; i < 7; i++ {
		if _, ok := s.Get(tinyKey(i)); !ok {
			misses++
		}
	}
	assert.GreaterOrEqual(t, misses, 1)
	assert.GreaterOrEqual(t, s.stats.merges.Value(), int64(1))
	assert.GreaterOrEqual(t, s.stats.evictedItems.Value(), int64(1))
	require.NoError(t, s.checkInvariants())
}

func TestMergePrefersFrequentlyRead(t *testing.T) {
	s := newTestCache(t, tinyOptions(4, PolicyMerge))

	for i := 0; i < 6; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, 0)
		require.NoError(t, err)
	}
	// key-0 and key-1 are old but hot
	for n := 0; n < 10; n++ {
		s.Get(tinyKey(0))
		s.Get(tinyKey(1))
	}

	_, err := s.Set(tinyKey(6), tinyValue(6), 0, 0)
	require.NoError(t, err)

	for _, i := range []int{0, 1, 6} {
		_, ok := s.Get(tinyKey(i))
		assert.True(t, ok, "key %d must survive", i)
	}
	for _, i := range []int{2, 3} {
		_, ok := s.Get(tinyKey(i))
		assert.False(t, ok, "key %d must be evicted", i)
	}
	require.NoError(t, s.checkInvariants())
}

func TestSegmentPolicies(t *testing.T) {
	for _, policy := range []EvictionPolicy{PolicyRandom, PolicyFIFO, PolicyCTE, PolicyUtil} {
		t.Run(string(policy), func(t *testing.T) {
			s := newTestCache(t, tinyOptions(4, policy))

			for i := 0; i < 20; i++ {
				_, err := s.Set(tinyKey(i), tinyValue(i), 0, 0)
				require.NoError(t, err, "write %d", i)
				require.NoError(t, s.checkInvariants())
			}

			_, ok := s.Get(tinyKey(19))
			assert.True(t, ok, "the newest key must be present")
			assert.GreaterOrEqual(t, s.stats.evictions.Value(), int64(1))
		})
	}
}

func TestPoliciesEvictActiveHeads(t *testing.T) {
	policies := []EvictionPolicy{PolicyRandom, PolicyFIFO, PolicyCTE, PolicyUtil, PolicyMerge}
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			clk := newFakeClock()
			opts := tinyOptions(4, policy)
			opts.Clock = clk.Now
			s := newTestCache(t, opts)

			// every usable segment becomes the active head of its own bucket
			for i, ttl := range []time.Duration{0, 5 * time.Second, 15 * time.Second} {
				_, err := s.Set(tinyKey(i), tinyValue(i), 0, ttl)
				require.NoError(t, err)
			}
			require.Equal(t, reservedSegments, s.pool.FreeCount())

			for i := 3; i < 10; i++ {
				_, err := s.Set(tinyKey(i), tinyValue(i), 0, 25*time.Second)
				require.NoError(t, err, "write %d", i)
				require.NoError(t, s.checkInvariants())
			}

			_, ok := s.Get(tinyKey(9))
			assert.True(t, ok, "the newest key must be present")
			assert.GreaterOrEqual(t, s.stats.evictions.Value(), int64(1))
			assert.Zero(t, s.stats.outOfMemory.Value())
		})
	}
}

func TestFIFOEvictsOldest(t *testing.T) {
	s := newTestCache(t, tinyOptions(4, PolicyFIFO))

	for i := 0; i < 7; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, 0)
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		_, ok := s.Get(tinyKey(i))
		assert.False(t, ok, "key %d lived in the oldest segment", i)
	}
	for i := 2; i < 7; i++ {
		_, ok := s.Get(tinyKey(i))
		assert.True(t, ok, "key %d must survive", i)
	}
}

func TestNoEvictionFailsWithOutOfMemory(t *testing.T) {
	s := newTestCache(t, tinyOptions(4, PolicyNone))
	assert.False(t, s.SupportsFeature(db.FeatureEviction))

	for i := 0; i < 6; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, 0)
		require.NoError(t, err)
	}
	_, err := s.Set(tinyKey(6), tinyValue(6), 0, 0)
	assert.ErrorIs(t, err, db.ErrOutOfMemory)

	// overwriting still needs a new segment
	_, err = s.Set(tinyKey(0), tinyValue(0), 0, 0)
	assert.ErrorIs(t, err, db.ErrOutOfMemory)

	for i := 0; i < 6; i++ {
		_, ok := s.Get(tinyKey(i))
		assert.True(t, ok)
	}
	assert.EqualValues(t, 2, s.stats.outOfMemory.Value())
}

func TestFlushAllReturnsSegments(t *testing.T) {
	s := newTestCache(t, tinyOptions(4, PolicyMerge))

	for i := 0; i < 20; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, time.Duration(i%3)*time.Second)
		require.NoError(t, err)
	}

	s.FlushAll()
	assert.Equal(t, 4, s.pool.FreeCount())
	assert.EqualValues(t, 0, s.index.Stats().Entries)
	require.NoError(t, s.checkInvariants())

	for i := 0; i < 20; i++ {
		_, ok := s.Get(tinyKey(i))
		assert.False(t, ok)
	}
}

func TestGetInfo(t *testing.T) {
	s := newTestCache(t, tinyOptions(4, PolicyMerge))

	for i := 0; i < 9; i++ {
		_, err := s.Set(tinyKey(i), tinyValue(i), 0, 0)
		require.NoError(t, err)
	}

	info := s.GetInfo()
	assert.Equal(t, db.ImplSeg, info.CacheType)
	assert.Positive(t, info.SizeBytes)
	assert.Contains(t, info.SupportedFeatures, db.FeatureEviction)

	meta, ok := info.Metadata.(Info)
	require.True(t, ok)
	assert.Equal(t, PolicyMerge, meta.Policy)
	assert.Equal(t, 4, meta.Segments.Capacity)
	assert.Equal(t, 1, meta.TTLBuckets.NonEmpty)
	assert.EqualValues(t, 9, meta.Counters["set"])
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

func TestConcurrentEviction(t *testing.T) {
	for _, policy := range []EvictionPolicy{PolicyMerge, PolicyFIFO, PolicyRandom} {
		t.Run(string(policy), func(t *testing.T) {
			opts := &Options{
				TotalMemoryBytes: 16 * 4096,
				SegmentSizeBytes: 4096,
				HashIndexPower:   4,
				TTLBucketCount:   4,
				EvictionPolicy:   policy,
				ExpireInterval:   5 * time.Millisecond,
			}
			s := newTestCache(t, opts)

			const (
				writers = 4
				readers = 4
				ops     = 3000
			)

			var (
				wg      sync.WaitGroup
				foreign atomic.Int64
				oom     atomic.Int64
			)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < ops; i++ {
						key := []byte(fmt.Sprintf("w%d-%d", w, i%500))
						value := []byte(fmt.Sprintf("%s=%d", key, i))
						ttl := time.Duration(i%3) * time.Minute
						if _, err := s.Set(key, value, 0, ttl); errors.Is(err, db.ErrOutOfMemory) {
							oom.Add(1)
						} else if err != nil {
							t.Errorf("unexpected error: %v", err)
							return
						}
						if i%50 == 0 {
							s.Delete(key)
						}
					}
				}(w)
			}
			for r := 0; r < readers; r++ {
				wg.Add(1)
				go func(r int) {
					defer wg.Done()
					for i := 0; i < ops; i++ {
						key := []byte(fmt.Sprintf("w%d-%d", i%writers, i%500))
						if item, ok := s.Get(key); ok {
							if !bytes.HasPrefix(item.Value, append(append([]byte(nil), key...), '=')) {
								foreign.Add(1)
							}
						}
					}
				}(r)
			}
			wg.Wait()

			assert.Zero(t, foreign.Load(), "readers must never see the value of another key")
			assert.Less(t, oom.Load(), int64(writers*ops/10))
			s.pool.Drain()
			require.NoError(t, s.checkInvariants())
		})
	}
}

package seg

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/ValentinKolb/segcache/lib/db/engines/seg/internal"
	"github.com/ValentinKolb/segcache/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("seg")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// keyLockStripes serialize writes of keys with the same stripe
	keyLockStripes = 1024
	// maxEvictAttempts bounds the evictions a single write may trigger
	maxEvictAttempts = 2
	// sizeSampleRate is the fraction (1/n) of writes recorded in the size histogram
	sizeSampleRate = 8
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// segImpl implements db.ICache on top of a segment pool.
//
// Lock order: key stripe -> ttl bucket -> index bucket. The eviction lock is
// never taken while a ttl bucket lock is held.
type segImpl struct {
	opts  Options
	seed  uint64
	clock *clock

	pool  *internal.Pool
	index *internal.HashTable
	ttl   *internal.TTLBuckets

	evictor evictor
	evictMu sync.Mutex

	keyLocks [keyLockStripes]sync.Mutex
	casSeq   atomic.Uint64

	stats     *engineStats
	itemSizes *util.SizeHistogram
	oomLog    rate.Sometimes

	// background expiration and eviction
	events        *util.LockFreeMPSC[pressureEvent]
	loopIsRunning atomic.Bool
	loopDone      chan struct{}
	closed        atomic.Bool
}

// NewSegCache creates a segment cache with the given options (nil = defaults)
// and starts its background expiration loop.
//
// Thread-safety: This function is not thread-safe and should only be called once
// per cache during initialization.
func NewSegCache(opts *Options) (db.ICache, error) {
	return newSegCache(opts)
}

func newSegCache(opts *Options) (*segImpl, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if err := o.normalize(); err != nil {
		return nil, err
	}

	pool := internal.NewPool(o.SegmentCount(), o.SegmentSizeBytes, reservedSegments)
	s := &segImpl{
		opts:      o,
		seed:      util.GenerateSeed(),
		clock:     newClock(o.Clock),
		pool:      pool,
		index:     internal.NewHashTable(pool, o.HashIndexPower, internal.DefaultMaxChain),
		ttl:       internal.NewTTLBuckets(pool, o.TTLBucketCount, uint32(o.TTLBucketWidth/time.Second)),
		stats:     newEngineStats(),
		itemSizes: util.NewSizeHistogram(),
		oomLog:    rate.Sometimes{Interval: 10 * time.Second},
		events:    util.NewLockFreeMPSC[pressureEvent](),
	}
	s.evictor = newEvictor(s, o.EvictionPolicy)

	Logger.Infof("segment cache created: %d segments of %d bytes, policy %s",
		o.SegmentCount(), o.SegmentSizeBytes, o.EvictionPolicy)

	s.startLoop()
	return s, nil
}

// hash maps a key to its 64 bit index hash
func (s *segImpl) hash(key []byte) uint64 {
	return uint64(util.HashKey(key, s.seed))
}

// keyLock returns the write stripe of a hash
func (s *segImpl) keyLock(hash uint64) *sync.Mutex {
	return &s.keyLocks[hash%keyLockStripes]
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// Get returns a copy of the live object stored under key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Get(key []byte) (db.Item, bool) {
	s.stats.gets.Inc()
	if !db.ValidKey(key) || s.closed.Load() {
		s.stats.misses.Inc()
		return db.Item{}, false
	}

	item, ok := s.lookup(s.hash(key), key, true)
	if ok {
		s.stats.hits.Inc()
	} else {
		s.stats.misses.Inc()
	}
	return item, ok
}

// lookup copies the live item of key out of segment memory.
// Expired items are reported as a miss and their index entry is dropped.
func (s *segImpl) lookup(hash uint64, key []byte, touch bool) (db.Item, bool) {
	now := s.clock.Now()
	var out db.Item
	_, found := s.index.Get(hash, key, touch, func(item internal.ItemView) bool {
		if item.Header.Expired(now) {
			return false
		}
		out = db.Item{
			Key:   append([]byte(nil), item.Key...),
			Value: append([]byte(nil), item.Value...),
			Flags: item.Header.Flags,
			Cas:   item.Header.Cas,
			TTL:   s.clock.Remaining(item.Header.ExpireAt, now),
		}
		return true
	})
	return out, found
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Set stores the object, overwriting any previous version.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Set(key, value []byte, flags uint32, ttl time.Duration) (uint64, error) {
	return s.store(key, value, flags, ttl, func(db.Item, bool) error { return nil })
}

// Add stores the object only if the key holds no live object.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Add(key, value []byte, flags uint32, ttl time.Duration) (uint64, error) {
	return s.store(key, value, flags, ttl, func(_ db.Item, found bool) error {
		if found {
			return db.ErrNotStored
		}
		return nil
	})
}

// Replace stores the object only if the key holds a live object.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Replace(key, value []byte, flags uint32, ttl time.Duration) (uint64, error) {
	return s.store(key, value, flags, ttl, func(_ db.Item, found bool) error {
		if !found {
			return db.ErrNotStored
		}
		return nil
	})
}

// Cas stores the object only if the version of the live object equals expected.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Cas(key, value []byte, flags uint32, ttl time.Duration, expected uint64) (uint64, error) {
	return s.store(key, value, flags, ttl, func(old db.Item, found bool) error {
		if !found {
			return db.ErrNotFound
		}
		if old.Cas != expected {
			s.stats.casMismatch.Inc()
			return db.ErrVersionMismatch
		}
		return nil
	})
}

// Incr adds delta to the decimal value of key, wrapping at 2^64.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Incr(key []byte, delta uint64) (uint64, error) {
	return s.arith(key, func(v uint64) uint64 { return v + delta })
}

// Decr subtracts delta from the decimal value of key, flooring at 0.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Decr(key []byte, delta uint64) (uint64, error) {
	return s.arith(key, func(v uint64) uint64 {
		if delta > v {
			return 0
		}
		return v - delta
	})
}

// Delete removes the object stored under key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Delete(key []byte) bool {
	if !db.ValidKey(key) || s.closed.Load() {
		return false
	}
	hash := s.hash(key)
	mu := s.keyLock(hash)
	mu.Lock()
	defer mu.Unlock()
	return s.remove(hash, key)
}

// remove drops the index entry of key and marks its item dead.
// It reports whether the removed item was live. Requires the key stripe.
func (s *segImpl) remove(hash uint64, key []byte) bool {
	hdr, loc, ok := s.index.Remove(hash, key)
	if !ok {
		return false
	}
	s.pool.MarkDead(loc)
	if hdr.Expired(s.clock.Now()) {
		return false
	}
	s.stats.deletes.Inc()
	return true
}

// store is the shared implementation of Set, Add, Replace and Cas.
// check is called under the key stripe with the current live object and
// returns an error to reject the write.
func (s *segImpl) store(key, value []byte, flags uint32, ttl time.Duration, check func(old db.Item, found bool) error) (uint64, error) {
	if s.closed.Load() {
		return 0, db.ErrClosed
	}
	if !db.ValidKey(key) {
		return 0, db.ErrInvalidKey
	}
	if err := s.checkSize(key, value); err != nil {
		return 0, err
	}

	hash := s.hash(key)
	mu := s.keyLock(hash)
	mu.Lock()
	defer mu.Unlock()

	old, found := s.lookup(hash, key, false)
	if err := check(old, found); err != nil {
		return 0, err
	}

	// a negative ttl stores an already expired object
	if ttl < 0 {
		if found {
			s.remove(hash, key)
		}
		return s.casSeq.Add(1), nil
	}

	bucketTTL, expireAt := s.clock.Expiry(ttl, s.ttl.MaxTTL())
	return s.write(hash, key, value, flags, bucketTTL, expireAt)
}

// arith is the shared implementation of Incr and Decr
func (s *segImpl) arith(key []byte, fn func(uint64) uint64) (uint64, error) {
	if s.closed.Load() {
		return 0, db.ErrClosed
	}
	if !db.ValidKey(key) {
		return 0, db.ErrInvalidKey
	}

	hash := s.hash(key)
	mu := s.keyLock(hash)
	mu.Lock()
	defer mu.Unlock()

	old, found := s.lookup(hash, key, false)
	if !found {
		return 0, db.ErrNotFound
	}
	cur, err := strconv.ParseUint(string(old.Value), 10, 64)
	if err != nil {
		return 0, db.ErrNotNumeric
	}

	next := fn(cur)
	value := strconv.AppendUint(nil, next, 10)

	// keep the absolute expiration of the object
	var bucketTTL, expireAt uint32
	if old.TTL > 0 {
		bucketTTL, expireAt = s.clock.Expiry(old.TTL, s.ttl.MaxTTL())
	}
	if _, err := s.write(hash, key, value, old.Flags, bucketTTL, expireAt); err != nil {
		return 0, err
	}
	return next, nil
}

// checkSize rejects objects before any allocation
func (s *segImpl) checkSize(key, value []byte) error {
	if len(value) > s.opts.MaxValueSize || internal.ItemSize(len(key), len(value)) > s.opts.SegmentSizeBytes {
		s.stats.tooLarge.Inc()
		return db.ErrObjectTooLarge
	}
	return nil
}

// write appends the item to its ttl bucket and points the index at it.
// On pool exhaustion it runs a bounded number of evictions before failing
// with db.ErrOutOfMemory. Requires the key stripe.
func (s *segImpl) write(hash uint64, key, value []byte, flags uint32, bucketTTL, expireAt uint32) (uint64, error) {
	cas := s.casSeq.Add(1)
	bucket := s.ttl.BucketFor(bucketTTL)
	hdr := internal.ItemHeader{
		KeyLen:   uint8(len(key)),
		Tag:      internal.TagOf(hash),
		ValueLen: uint32(len(value)),
		Flags:    flags,
		ExpireAt: expireAt,
		Cas:      cas,
	}

	for attempt := 0; ; attempt++ {
		bucket.Lock()
		loc, err := bucket.Append(s.clock.Now(), hdr, key, value)
		if err == nil {
			prev, replaced := s.index.Insert(hash, key, loc)
			bucket.Unlock()
			if replaced {
				s.pool.MarkDead(prev)
			}
			s.stats.sets.Inc()
			if rand.Uint32N(sizeSampleRate) == 0 {
				s.itemSizes.AddSample(hdr.Size())
			}
			return cas, nil
		}
		bucket.Unlock()

		if !errors.Is(err, internal.ErrExhausted) {
			return 0, err
		}
		if attempt >= maxEvictAttempts || !s.evict(bucket) {
			break
		}
	}

	s.stats.outOfMemory.Inc()
	s.oomLog.Do(func() {
		Logger.Warningf("out of memory: eviction could not free a segment (policy %s, %d segments)",
			s.opts.EvictionPolicy, s.pool.Capacity())
	})
	return 0, db.ErrOutOfMemory
}

// FlushAll detaches every segment and clears the index.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) FlushAll() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	var detached []*internal.Segment
	for i := 0; i < s.ttl.Len(); i++ {
		b := s.ttl.Bucket(i)
		b.Lock()
		detached = append(detached, b.Detach()...)
		b.Unlock()
	}
	s.index.Clear()
	for _, seg := range detached {
		s.pool.Reclaim(seg)
	}
	s.stats.flushes.Inc()
	Logger.Infof("flushed %d segments", len(detached))
}

// --------------------------------------------------------------------------
// Feature Support and Info
// --------------------------------------------------------------------------

// SupportsFeature checks if the cache supports the specified features
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureGet | db.FeatureSet | db.FeatureAdd | db.FeatureReplace |
		db.FeatureCas | db.FeatureIncrDecr | db.FeatureDelete | db.FeatureFlushAll |
		db.FeatureExpiration
	if s.opts.EvictionPolicy != PolicyNone {
		supported |= db.FeatureEviction
	}
	return feature&supported == feature
}

// Close stops the background loop. Operations on a closed cache fail or miss.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopLoop()
	Logger.Infof("segment cache closed")
	return nil
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// engineStats holds the operation counters of the cache
type engineStats struct {
	gets, hits, misses         *xsync.Counter
	sets, deletes, casMismatch *xsync.Counter
	tooLarge, outOfMemory      *xsync.Counter
	evictions, evictedItems    *xsync.Counter
	merges, mergedItems        *xsync.Counter
	expiredSegments, flushes   *xsync.Counter
}

func newEngineStats() *engineStats {
	return &engineStats{
		gets: xsync.NewCounter(), hits: xsync.NewCounter(), misses: xsync.NewCounter(),
		sets: xsync.NewCounter(), deletes: xsync.NewCounter(), casMismatch: xsync.NewCounter(),
		tooLarge: xsync.NewCounter(), outOfMemory: xsync.NewCounter(),
		evictions: xsync.NewCounter(), evictedItems: xsync.NewCounter(),
		merges: xsync.NewCounter(), mergedItems: xsync.NewCounter(),
		expiredSegments: xsync.NewCounter(), flushes: xsync.NewCounter(),
	}
}

// snapshot returns the counters by name
func (st *engineStats) snapshot() map[string]int64 {
	return map[string]int64{
		"get":              st.gets.Value(),
		"get_hit":          st.hits.Value(),
		"get_miss":         st.misses.Value(),
		"set":              st.sets.Value(),
		"delete":           st.deletes.Value(),
		"cas_mismatch":     st.casMismatch.Value(),
		"object_too_large": st.tooLarge.Value(),
		"out_of_memory":    st.outOfMemory.Value(),
		"evict_segment":    st.evictions.Value(),
		"evict_item":       st.evictedItems.Value(),
		"merge":            st.merges.Value(),
		"merge_item":       st.mergedItems.Value(),
		"expire_segment":   st.expiredSegments.Value(),
		"flush_all":        st.flushes.Value(),
	}
}

// Info is the engine specific metadata reported by GetInfo
type Info struct {
	Policy      EvictionPolicy          `json:"policy"`
	MergeWidth  int                     `json:"merge_width"`
	SegmentSize int                     `json:"segment_size"`
	Segments    internal.PoolStats      `json:"segments"`
	Index       internal.HashTableStats `json:"index"`
	TTLBuckets  TTLBucketInfo           `json:"ttl_buckets"`
	ItemSizes   ItemSizeInfo            `json:"item_sizes"`
	Counters    map[string]int64        `json:"counters"`
}

// TTLBucketInfo describes the ttl chains
type TTLBucketInfo struct {
	Count        int                    `json:"count"`
	WidthSeconds int                    `json:"width_seconds"`
	NonEmpty     int                    `json:"non_empty"`
	ChainLength  util.DistributionStats `json:"chain_length"`
}

// ItemSizeInfo summarizes sampled item sizes
type ItemSizeInfo struct {
	Samples int64 `json:"samples"`
	Average int   `json:"average"`
	Median  int   `json:"median"`
	P99     int   `json:"p99"`
}

// GetInfo returns information about the cache
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) GetInfo() db.CacheInfo {
	var (
		chains   []float64
		nonEmpty int
	)
	for i := 0; i < s.ttl.Len(); i++ {
		b := s.ttl.Bucket(i)
		b.Lock()
		n := b.Len()
		b.Unlock()
		if n > 0 {
			chains = append(chains, float64(n))
			nonEmpty++
		}
	}

	info := Info{
		Policy:      s.opts.EvictionPolicy,
		MergeWidth:  s.opts.EvictionMergeWidth,
		SegmentSize: s.opts.SegmentSizeBytes,
		Segments:    s.pool.Stats(),
		Index:       s.index.Stats(),
		TTLBuckets: TTLBucketInfo{
			Count:        s.ttl.Len(),
			WidthSeconds: int(s.opts.TTLBucketWidth / time.Second),
			NonEmpty:     nonEmpty,
			ChainLength:  util.NewDistributionStats(chains),
		},
		ItemSizes: ItemSizeInfo{
			Samples: s.itemSizes.GetCount(),
			Average: s.itemSizes.AverageSize(),
			Median:  s.itemSizes.MedianEstimate(),
			P99:     s.itemSizes.GetPercentileEstimate(99),
		},
		Counters: s.stats.snapshot(),
	}

	var features []db.Feature
	for f := db.FeatureGet; f <= db.FeatureEviction; f <<= 1 {
		if s.SupportsFeature(f) {
			features = append(features, f)
		}
	}

	return db.CacheInfo{
		SizeBytes:         info.Segments.UsedBytes,
		CacheType:         db.ImplSeg,
		SupportedFeatures: features,
		Metadata:          info,
	}
}

// checkInvariants verifies free list accounting and chain order
func (s *segImpl) checkInvariants() error {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	attached := 0
	for i := 0; i < s.ttl.Len(); i++ {
		b := s.ttl.Bucket(i)
		b.Lock()
		err := b.CheckOrder()
		attached += b.Len()
		b.Unlock()
		if err != nil {
			return err
		}
	}
	return s.pool.CheckFreeList(attached)
}

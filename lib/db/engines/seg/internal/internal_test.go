package internal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(key string) uint64 { return xxhash.Sum64String(key) }

func header(key string, value []byte, expireAt uint32) ItemHeader {
	return ItemHeader{
		KeyLen:   uint8(len(key)),
		Tag:      TagOf(hashOf(key)),
		ValueLen: uint32(len(value)),
		ExpireAt: expireAt,
	}
}

// --------------------------------------------------------------------------
// Items
// --------------------------------------------------------------------------

func TestItemLayout(t *testing.T) {
	assert.Equal(t, 24, ItemSize(0, 0))
	assert.Equal(t, 32, ItemSize(1, 1))
	assert.Equal(t, 144, ItemSize(5, 115))

	hdr := ItemHeader{KeyLen: 3, Tag: 0xBEEF, ValueLen: 5, Flags: 9, ExpireAt: 77, Cas: 1 << 40}
	buf := make([]byte, hdr.Size())
	encodeItem(buf, hdr, []byte("key"), []byte("value"))

	item, ok := decodeItem(buf)
	require.True(t, ok)
	assert.Equal(t, hdr, item.Header)
	assert.Equal(t, []byte("key"), item.Key)
	assert.Equal(t, []byte("value"), item.Value)
	assert.Len(t, item.Raw, 32)

	_, ok = decodeItem(buf[:20])
	assert.False(t, ok, "truncated header")
	_, ok = decodeItem(make([]byte, 32))
	assert.False(t, ok, "missing magic")

	assert.True(t, hdr.Expired(77))
	assert.False(t, hdr.Expired(76))
	assert.False(t, ItemHeader{}.Expired(1<<31), "0 never expires")
}

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

func TestPoolAllocateAndReserve(t *testing.T) {
	p := NewPool(3, 64, 1)
	assert.Equal(t, 3, p.FreeCount())

	a, err := p.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.ID(), "segment 0 is allocated first")
	assert.Equal(t, StateActive, a.State())

	_, err = p.Allocate(1)
	require.NoError(t, err)
	assert.False(t, p.HasFree())

	_, err = p.Allocate(1)
	assert.ErrorIs(t, err, ErrExhausted, "the reserve is not handed out to writers")

	r, err := p.AllocateReserved(1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, r.State())

	_, err = p.AllocateReserved(1)
	assert.ErrorIs(t, err, ErrExhausted)
	require.NoError(t, p.CheckFreeList(3))
}

func TestPoolReclaimWaitsForReaders(t *testing.T) {
	p := NewPool(2, 64, 0)
	seg, err := p.Allocate(1)
	require.NoError(t, err)
	off, err := seg.append(header("k", []byte("v"), 0), []byte("k"), []byte("v"))
	require.NoError(t, err)
	loc := Location{Seg: seg.ID(), Gen: seg.Gen(), Offset: off}

	item, pinned, ok := p.Read(loc)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), item.Value)

	assert.False(t, p.Reclaim(seg), "a pinned segment is deferred")
	assert.Equal(t, 1, p.ReclaimingCount())
	assert.Equal(t, 0, p.Drain())

	_, _, ok = p.Read(loc)
	assert.False(t, ok, "no new reader may enter a reclaiming segment")

	pinned.Release()
	assert.Equal(t, 1, p.Drain())
	assert.Equal(t, 2, p.FreeCount())
	require.NoError(t, p.CheckFreeList(0))

	// the generation moves on with every allocation
	again, err := p.Allocate(2)
	require.NoError(t, err)
	if again.ID() == loc.Seg {
		assert.NotEqual(t, loc.Gen, again.Gen())
	}
	_, _, ok = p.Read(loc)
	assert.False(t, ok, "old locations are stale after reuse")
}

func TestPoolStats(t *testing.T) {
	p := NewPool(4, 128, 1)
	seg, err := p.Allocate(1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := seg.append(header("k", []byte("v"), 0), []byte("k"), []byte("v"))
		require.NoError(t, err)
	}
	seg.MarkDead()

	stats := p.Stats()
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, 3, stats.Free)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.LiveItems)
	assert.Equal(t, 1, stats.DeadItems)
	assert.Equal(t, 96, stats.UsedBytes)

	_, err = seg.append(header("k", []byte("v"), 0), []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = seg.append(header("k", []byte("v"), 0), []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrSegmentFull)
}

// --------------------------------------------------------------------------
// TTL Buckets
// --------------------------------------------------------------------------

func TestTTLBucketMapping(t *testing.T) {
	p := NewPool(4, 64, 1)
	tb := NewTTLBuckets(p, 4, 10)

	assert.Equal(t, uint32(30), tb.MaxTTL())
	assert.Equal(t, 3, tb.BucketFor(0).Index(), "ttl 0 never expires")
	assert.True(t, tb.BucketFor(0).Immortal())
	assert.Equal(t, 0, tb.BucketFor(1).Index())
	assert.Equal(t, 0, tb.BucketFor(10).Index())
	assert.Equal(t, 1, tb.BucketFor(11).Index())
	assert.Equal(t, 2, tb.BucketFor(30).Index())
	assert.Equal(t, 2, tb.BucketFor(1000).Index(), "long ttls are clamped")
}

func TestTTLBucketRotation(t *testing.T) {
	itemSize := ItemSize(1, 7)
	p := NewPool(5, 2*itemSize, 1)
	tb := NewTTLBuckets(p, 4, 10)
	b := tb.BucketFor(5)

	value := []byte("1234567")
	b.Lock()
	defer b.Unlock()

	var locs []Location
	for i := 0; i < 5; i++ {
		loc, err := b.Append(1, header("k", value, 6), []byte("k"), value)
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, locs[0].Seg, locs[1].Seg)
	assert.NotEqual(t, locs[1].Seg, locs[2].Seg)
	assert.Len(t, b.Sealed(), 2)
	assert.Equal(t, StateActive, b.Head().State())

	// an aged head is rotated even if it has room
	loc, err := b.Append(11, header("k", value, 16), []byte("k"), value)
	require.NoError(t, err)
	assert.NotEqual(t, locs[4].Seg, loc.Seg)
	assert.Equal(t, 4, b.Len())
	require.NoError(t, b.CheckOrder())

	// only the reserve is left
	_, err = b.Append(11, header("k", value, 16), []byte("k"), value)
	require.NoError(t, err)
	_, err = b.Append(11, header("k", value, 16), []byte("k"), value)
	assert.ErrorIs(t, err, ErrExhausted)
	require.NoError(t, p.CheckFreeList(b.Len()))
}

func TestTTLBucketChainOps(t *testing.T) {
	p := NewPool(6, 64, 0)
	tb := NewTTLBuckets(p, 2, 10)
	b := tb.Bucket(0)
	b.Lock()
	defer b.Unlock()

	var segs []*Segment
	for i := 0; i < 3; i++ {
		seg, err := b.SealAndRotate(uint32(i + 1))
		require.NoError(t, err)
		segs = append(segs, seg)
	}
	assert.Equal(t, []*Segment{segs[0], segs[1]}, b.OldestSealed(5))

	b.Remove(segs[0])
	b.Remove(segs[1])
	assert.Equal(t, segs[2], b.Tail())

	d1, err := p.AllocateReserved(1)
	require.NoError(t, err)
	d1.Seal()
	b.InsertAfter(nil, d1)
	d2, err := p.AllocateReserved(2)
	require.NoError(t, err)
	d2.Seal()
	b.InsertAfter(d1, d2)

	assert.Equal(t, d1, b.Tail())
	assert.Equal(t, d2, b.Next(d1))
	assert.Equal(t, segs[2], b.Next(d2))
	assert.Equal(t, segs[2], b.Head())
	require.NoError(t, b.CheckOrder())

	detached := b.Detach()
	assert.Equal(t, []*Segment{d1, d2, segs[2]}, detached)
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Head())
}

// --------------------------------------------------------------------------
// Hash Table
// --------------------------------------------------------------------------

type tableFixture struct {
	pool   *Pool
	table  *HashTable
	bucket *TTLBucket
}

func newTableFixture(segments, power int) *tableFixture {
	p := NewPool(segments, 4096, 0)
	return &tableFixture{
		pool:   p,
		table:  NewHashTable(p, uint8(power), DefaultMaxChain),
		bucket: NewTTLBuckets(p, 2, 10).Bucket(1),
	}
}

func (f *tableFixture) put(t *testing.T, key, value string) Location {
	f.bucket.Lock()
	defer f.bucket.Unlock()
	loc, err := f.bucket.Append(1, header(key, []byte(value), 0), []byte(key), []byte(value))
	require.NoError(t, err)
	if prev, ok := f.table.Insert(hashOf(key), []byte(key), loc); ok {
		f.pool.MarkDead(prev)
	}
	return loc
}

func (f *tableFixture) get(key string) (string, bool) {
	var value string
	_, ok := f.table.Get(hashOf(key), []byte(key), true, func(item ItemView) bool {
		value = string(item.Value)
		return true
	})
	return value, ok
}

func TestHashTableInsertGetRemove(t *testing.T) {
	f := newTableFixture(4, 2)

	f.put(t, "a", "1")
	f.put(t, "b", "2")
	loc := f.put(t, "a", "3")

	v, ok := f.get("a")
	require.True(t, ok)
	assert.Equal(t, "3", v)
	assert.EqualValues(t, 2, f.table.Stats().Entries)

	hdr, removed, ok := f.table.Remove(hashOf("a"), []byte("a"))
	require.True(t, ok)
	assert.Equal(t, loc, removed)
	assert.Equal(t, uint32(1), hdr.ValueLen)

	_, ok = f.get("a")
	assert.False(t, ok)
	_, _, ok = f.table.Remove(hashOf("a"), []byte("a"))
	assert.False(t, ok)
}

func TestHashTableVisitRejectRemovesEntry(t *testing.T) {
	f := newTableFixture(4, 2)
	f.put(t, "a", "1")

	loc := f.put(t, "b", "2")

	_, ok := f.table.Get(hashOf("a"), []byte("a"), false, func(ItemView) bool { return false })
	assert.False(t, ok)
	assert.EqualValues(t, 1, f.table.Stats().Entries)
	assert.EqualValues(t, 1, f.pool.Segment(loc.Seg).LiveItems(), "the rejected item is dead")
	assert.Equal(t, 1, f.pool.Stats().LiveItems)

	// a second rejection finds no entry and must not count the item twice
	_, ok = f.table.Get(hashOf("a"), []byte("a"), false, func(ItemView) bool { return false })
	assert.False(t, ok)
	assert.EqualValues(t, 1, f.pool.Segment(loc.Seg).LiveItems())
}

func TestHashTableSameHashDifferentKey(t *testing.T) {
	f := newTableFixture(4, 2)
	f.put(t, "a", "1")

	// a lookup with a colliding hash must compare the stored key
	_, ok := f.table.Get(hashOf("a"), []byte("b"), false, func(ItemView) bool { return true })
	assert.False(t, ok)
}

func TestHashTableGrow(t *testing.T) {
	f := newTableFixture(64, 0)

	for i := 0; i < 200; i++ {
		f.put(t, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
	}

	stats := f.table.Stats()
	assert.Greater(t, stats.Grows, uint64(0))
	assert.EqualValues(t, 200, stats.Entries)
	for i := 0; i < 200; i++ {
		v, ok := f.get(fmt.Sprintf("key-%d", i))
		require.True(t, ok, "key-%d", i)
		assert.Equal(t, fmt.Sprintf("value-%d", i), v)
	}
}

func TestHashTableStaleEntries(t *testing.T) {
	f := newTableFixture(4, 2)
	loc := f.put(t, "a", "1")

	f.bucket.Lock()
	segs := f.bucket.Detach()
	f.bucket.Unlock()
	for _, seg := range segs {
		f.pool.Reclaim(seg)
	}

	_, ok := f.table.IsCurrent(hashOf("a"), loc)
	assert.True(t, ok, "the entry is only removed on access")

	_, ok = f.get("a")
	assert.False(t, ok)
	assert.EqualValues(t, 0, f.table.Stats().Entries)
}

func TestHashTableRelocate(t *testing.T) {
	f := newTableFixture(4, 2)
	from := f.put(t, "a", "1")
	for i := 0; i < 10; i++ {
		f.get("a")
	}
	freq, ok := f.table.IsCurrent(hashOf("a"), from)
	require.True(t, ok)
	assert.Equal(t, uint32(10), freq)

	to := Location{Seg: from.Seg, Gen: from.Gen, Offset: from.Offset + 8}
	assert.False(t, f.table.Relocate(hashOf("a"), to, from), "relocate only succeeds from the current location")
	assert.True(t, f.table.Relocate(hashOf("a"), from, to))

	freq, ok = f.table.IsCurrent(hashOf("a"), to)
	require.True(t, ok)
	assert.Equal(t, uint32(5), freq, "relocation halves the frequency")
	assert.True(t, f.table.RemoveAt(hashOf("a"), to))
	assert.False(t, f.table.RemoveAt(hashOf("a"), to))
}

func TestHashTableConcurrent(t *testing.T) {
	f := newTableFixture(64, 1)
	var mu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i%50)
				mu.Lock()
				f.put(t, key, key)
				mu.Unlock()
				if v, ok := f.get(key); ok && v != key {
					t.Errorf("key %s returned %s", key, v)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.EqualValues(t, 200, f.table.Stats().Entries)
}

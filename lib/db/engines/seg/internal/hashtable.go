package internal

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	slotsPerBucket = 8
	// DefaultMaxChain caps the overflow buckets behind a head bucket;
	// a full chain triggers a stale purge and then a table grow
	DefaultMaxChain = 4
	// maxFreq saturates the access frequency counter
	maxFreq = 127
	// exactFreq is the frequency below which every access is counted
	exactFreq = 16
)

// --------------------------------------------------------------------------
// Hash Table Structure
// --------------------------------------------------------------------------

// slot is one index entry
type slot struct {
	used bool
	hash uint64
	loc  Location
	freq atomic.Uint32
}

// bucket is a head bucket with its overflow chain.
// The mutex of the head bucket guards the whole chain.
type bucket struct {
	mu    sync.RWMutex
	slots [slotsPerBucket]slot
	next  *bucket
}

// HashTable maps keys to the location of their most recent live item.
//
// Lookups validate every candidate slot against the item in segment memory:
// the segment generation must still match, the tag in the item header must
// match the hash and the stored key must equal the requested key. Slots that
// fail the generation check are stale and removed lazily.
//
// Thread-safety: all methods are thread-safe. Operations take the table lock
// shared and the bucket lock; only grow takes the table lock exclusively.
type HashTable struct {
	pool     *Pool
	maxChain int

	resize  sync.RWMutex
	buckets []bucket
	mask    uint64

	entries atomic.Int64
	grows   atomic.Uint64
	purged  atomic.Uint64
}

// NewHashTable creates a table with 2^power head buckets
func NewHashTable(pool *Pool, power uint8, maxChain int) *HashTable {
	if maxChain <= 0 {
		maxChain = DefaultMaxChain
	}
	n := uint64(1) << power
	return &HashTable{
		pool:     pool,
		maxChain: maxChain,
		buckets:  make([]bucket, n),
		mask:     n - 1,
	}
}

// HashTableStats describes the table
type HashTableStats struct {
	Buckets int    `json:"buckets"`
	Entries int64  `json:"entries"`
	Grows   uint64 `json:"grows"`
	Purged  uint64 `json:"purged"`
}

// Stats returns the current table statistics
func (h *HashTable) Stats() HashTableStats {
	h.resize.RLock()
	defer h.resize.RUnlock()
	return HashTableStats{
		Buckets: len(h.buckets),
		Entries: h.entries.Load(),
		Grows:   h.grows.Load(),
		Purged:  h.purged.Load(),
	}
}

func (h *HashTable) bucketFor(hash uint64) *bucket {
	return &h.buckets[hash&h.mask]
}

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// matchResult is the outcome of comparing a slot to a key
type matchResult int

const (
	matchNo matchResult = iota
	matchYes
	matchStale
)

// match compares the item addressed by s with key.
// On matchYes the returned segment is pinned and must be released.
func (h *HashTable) match(s *slot, key []byte) (ItemView, *Segment, matchResult) {
	item, seg, ok := h.pool.Read(s.loc)
	if !ok {
		return ItemView{}, nil, matchStale
	}
	if item.Header.Tag != TagOf(s.hash) || !bytes.Equal(item.Key, key) {
		seg.Release()
		return ItemView{}, nil, matchNo
	}
	return item, seg, matchYes
}

// Get looks up key and calls visit with the item while its segment is pinned.
// visit returns false to report the item as dead (e.g. expired); the entry is
// then removed, the item is marked dead in its segment and Get reports a miss.
// If touch is set, a hit bumps the access frequency of the entry.
func (h *HashTable) Get(hash uint64, key []byte, touch bool, visit func(item ItemView) bool) (Location, bool) {
	h.resize.RLock()
	defer h.resize.RUnlock()

	b := h.bucketFor(hash)
	var (
		stale []Location
		dead  *Location
		found bool
		loc   Location
	)

	b.mu.RLock()
search:
	for bk := b; bk != nil; bk = bk.next {
		for i := range bk.slots {
			s := &bk.slots[i]
			if !s.used || s.hash != hash {
				continue
			}
			item, seg, res := h.match(s, key)
			switch res {
			case matchStale:
				stale = append(stale, s.loc)
				continue
			case matchNo:
				continue
			}
			alive := visit(item)
			seg.Release()
			if !alive {
				l := s.loc
				dead = &l
				stale = append(stale, l)
				break search
			}
			if touch {
				bumpFreq(&s.freq)
			}
			found, loc = true, s.loc
			break search
		}
	}
	b.mu.RUnlock()

	if len(stale) > 0 {
		markDead := false
		b.mu.Lock()
		for _, l := range stale {
			if h.removeLocked(b, hash, l) && dead != nil && l == *dead {
				markDead = true
			}
		}
		b.mu.Unlock()
		if markDead {
			h.pool.MarkDead(*dead)
		}
	}
	return loc, found
}

// IsCurrent reports whether the entry for hash points at loc, and returns its
// access frequency
func (h *HashTable) IsCurrent(hash uint64, loc Location) (uint32, bool) {
	h.resize.RLock()
	defer h.resize.RUnlock()

	b := h.bucketFor(hash)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s := findLoc(b, hash, loc); s != nil {
		return s.freq.Load(), true
	}
	return 0, false
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Insert points key at loc. If the key had an entry, its location is returned
// so the caller can mark the previous item dead.
func (h *HashTable) Insert(hash uint64, key []byte, loc Location) (Location, bool) {
	for {
		prev, replaced, ok := h.tryInsert(hash, key, loc)
		if ok {
			return prev, replaced
		}
		h.grow()
	}
}

// tryInsert inserts without growing. ok is false if the chain is full.
func (h *HashTable) tryInsert(hash uint64, key []byte, loc Location) (prev Location, replaced, ok bool) {
	h.resize.RLock()
	defer h.resize.RUnlock()

	b := h.bucketFor(hash)
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		empty *slot
		last  *bucket
		depth int
	)
	for bk := b; bk != nil; bk = bk.next {
		for i := range bk.slots {
			s := &bk.slots[i]
			if !s.used {
				if empty == nil {
					empty = s
				}
				continue
			}
			if s.hash != hash {
				continue
			}
			_, seg, res := h.match(s, key)
			switch res {
			case matchStale:
				h.clearSlot(s)
				if empty == nil {
					empty = s
				}
			case matchYes:
				seg.Release()
				prev = s.loc
				s.loc = loc
				s.freq.Store(0)
				return prev, true, true
			}
		}
		last = bk
		depth++
	}

	if empty == nil && h.purgeLocked(b) > 0 {
		empty = firstEmpty(b)
	}
	if empty == nil {
		if depth > h.maxChain {
			return Location{}, false, false
		}
		last.next = &bucket{}
		empty = &last.next.slots[0]
	}

	empty.used = true
	empty.hash = hash
	empty.loc = loc
	empty.freq.Store(0)
	h.entries.Add(1)
	return Location{}, false, true
}

// Remove deletes the entry of key and returns the header and location of the
// item it pointed to
func (h *HashTable) Remove(hash uint64, key []byte) (ItemHeader, Location, bool) {
	h.resize.RLock()
	defer h.resize.RUnlock()

	b := h.bucketFor(hash)
	b.mu.Lock()
	defer b.mu.Unlock()

	for bk := b; bk != nil; bk = bk.next {
		for i := range bk.slots {
			s := &bk.slots[i]
			if !s.used || s.hash != hash {
				continue
			}
			item, seg, res := h.match(s, key)
			switch res {
			case matchStale:
				h.clearSlot(s)
			case matchYes:
				hdr, loc := item.Header, s.loc
				seg.Release()
				h.clearSlot(s)
				return hdr, loc, true
			}
		}
	}
	return ItemHeader{}, Location{}, false
}

// RemoveAt deletes the entry for hash if it still points at loc
func (h *HashTable) RemoveAt(hash uint64, loc Location) bool {
	h.resize.RLock()
	defer h.resize.RUnlock()

	b := h.bucketFor(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	return h.removeLocked(b, hash, loc)
}

// Relocate moves the entry for hash from one location to another if it still
// points at from. The access frequency is halved so old popularity decays.
func (h *HashTable) Relocate(hash uint64, from, to Location) bool {
	h.resize.RLock()
	defer h.resize.RUnlock()

	b := h.bucketFor(hash)
	b.mu.Lock()
	defer b.mu.Unlock()

	s := findLoc(b, hash, from)
	if s == nil {
		return false
	}
	s.loc = to
	s.freq.Store(s.freq.Load() / 2)
	return true
}

// Clear removes every entry
func (h *HashTable) Clear() {
	h.resize.Lock()
	defer h.resize.Unlock()
	h.buckets = make([]bucket, len(h.buckets))
	h.entries.Store(0)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (h *HashTable) removeLocked(b *bucket, hash uint64, loc Location) bool {
	if s := findLoc(b, hash, loc); s != nil {
		h.clearSlot(s)
		return true
	}
	return false
}

func (h *HashTable) clearSlot(s *slot) {
	s.used = false
	s.hash = 0
	s.loc = Location{}
	s.freq.Store(0)
	h.entries.Add(-1)
}

// purgeLocked clears every stale slot in the chain of b and returns the count
func (h *HashTable) purgeLocked(b *bucket) int {
	n := 0
	for bk := b; bk != nil; bk = bk.next {
		for i := range bk.slots {
			s := &bk.slots[i]
			if s.used && !h.pool.Valid(s.loc) {
				h.clearSlot(s)
				n++
			}
		}
	}
	h.purged.Add(uint64(n))
	return n
}

// grow doubles the number of head buckets and rehashes every valid entry
func (h *HashTable) grow() {
	h.resize.Lock()
	defer h.resize.Unlock()

	old := h.buckets
	n := uint64(len(old)) * 2
	h.buckets = make([]bucket, n)
	h.mask = n - 1

	var entries int64
	for i := range old {
		for bk := &old[i]; bk != nil; bk = bk.next {
			for j := range bk.slots {
				s := &bk.slots[j]
				if !s.used || !h.pool.Valid(s.loc) {
					continue
				}
				dst := h.bucketFor(s.hash)
				empty := firstEmpty(dst)
				if empty == nil {
					last := dst
					for last.next != nil {
						last = last.next
					}
					last.next = &bucket{}
					empty = &last.next.slots[0]
				}
				empty.used = true
				empty.hash = s.hash
				empty.loc = s.loc
				empty.freq.Store(s.freq.Load())
				entries++
			}
		}
	}
	h.entries.Store(entries)
	h.grows.Add(1)
	Logger.Infof("hash index grown to %d buckets (%d entries)", n, entries)
}

func findLoc(b *bucket, hash uint64, loc Location) *slot {
	for bk := b; bk != nil; bk = bk.next {
		for i := range bk.slots {
			s := &bk.slots[i]
			if s.used && s.hash == hash && s.loc == loc {
				return s
			}
		}
	}
	return nil
}

func firstEmpty(b *bucket) *slot {
	for bk := b; bk != nil; bk = bk.next {
		for i := range bk.slots {
			if !bk.slots[i].used {
				return &bk.slots[i]
			}
		}
	}
	return nil
}

// bumpFreq counts an access. Above exactFreq the counter grows with
// probability 1/freq so it approximates a logarithm of the access count.
func bumpFreq(f *atomic.Uint32) {
	cur := f.Load()
	if cur >= maxFreq {
		return
	}
	if cur >= exactFreq && rand.Uint32N(cur) != 0 {
		return
	}
	f.CompareAndSwap(cur, cur+1)
}

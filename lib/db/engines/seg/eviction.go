package seg

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/ValentinKolb/segcache/lib/db/engines/seg/internal"
	"github.com/ValentinKolb/segcache/lib/db/util"
)

// --------------------------------------------------------------------------
// Utility
// --------------------------------------------------------------------------

// Candidate describes an object considered for retention during a merge
type Candidate struct {
	Freq         uint32        // approximate access frequency, halved on every merge
	Size         int           // bytes the object occupies in a segment
	RemainingTTL time.Duration // 0 if the object never expires
	MaxTTL       time.Duration // upper ttl bound of the object's bucket, 0 if it never expires
}

// Utility scores a candidate. Objects with the highest scores survive a merge.
type Utility func(c Candidate) float64

// DefaultUtility weighs the access frequency by the remaining fraction of the
// object's lifetime. Objects that never expire count with their full frequency.
func DefaultUtility(c Candidate) float64 {
	life := 1.0
	if c.MaxTTL > 0 {
		life = math.Min(1, float64(c.RemainingTTL)/float64(c.MaxTTL))
	}
	return float64(c.Freq) + life
}

// --------------------------------------------------------------------------
// Evictors
// --------------------------------------------------------------------------

// evictor frees at least one segment if possible.
// Implementations are called with the eviction lock held.
type evictor interface {
	evict(requester *internal.TTLBucket, now uint32)
}

func newEvictor(s *segImpl, policy EvictionPolicy) evictor {
	switch policy {
	case PolicyNone:
		return noneEvictor{}
	case PolicyMerge:
		return &mergeEvictor{s: s}
	default:
		return &segmentEvictor{s: s, policy: policy}
	}
}

// evict runs one round of space reclamation for a writer that found the pool
// exhausted. It reports whether a foreground allocation can now succeed.
func (s *segImpl) evict(requester *internal.TTLBucket) bool {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	s.pool.Drain()
	if s.pool.HasFree() {
		return true
	}

	now := s.clock.Now()
	if s.expireSegments(now) > 0 && s.pool.HasFree() {
		return true
	}

	s.events.Push(pressureEvent{Bucket: requester.Index(), At: now})
	s.evictor.evict(requester, now)
	return s.pool.HasFree()
}

// noneEvictor never evicts
type noneEvictor struct{}

func (noneEvictor) evict(*internal.TTLBucket, uint32) {}

// segmentEvictor evicts one whole sealed segment chosen by policy
type segmentEvictor struct {
	s      *segImpl
	policy EvictionPolicy
}

func (e *segmentEvictor) evict(_ *internal.TTLBucket, now uint32) {
	s := e.s
	victims := util.NewVictimHeap()
	var sealed []*internal.Segment

	for i := 0; i < s.ttl.Len(); i++ {
		b := s.ttl.Bucket(i)
		b.Lock()
		for _, seg := range b.Sealed() {
			sealed = append(sealed, seg)
			victims.Add(seg.ID(), e.priority(seg))
		}
		b.Unlock()
	}
	if len(sealed) == 0 {
		Logger.Debugf("%s eviction: no sealed segment, evicting the oldest head", e.policy)
		s.evictOldestHead(now)
		return
	}

	var victim *internal.Segment
	if e.policy == PolicyRandom {
		victim = sealed[rand.IntN(len(sealed))]
	} else {
		id, _ := victims.Pop()
		victim = s.pool.Segment(id)
	}
	s.evictSegment(victim, now)
}

// priority orders victims, lowest first. Ties go to the segment added first:
// buckets are scanned in order, each chain from its tail.
func (e *segmentEvictor) priority(seg *internal.Segment) uint64 {
	switch e.policy {
	case PolicyCTE:
		if exp := seg.ExpireAt(); exp != 0 {
			return uint64(exp)
		}
		return math.MaxUint32
	case PolicyUtil:
		return uint64(max(seg.LiveItems(), 0))
	default:
		return uint64(seg.CreatedAt())
	}
}

// evictSegment detaches a sealed segment, drops every index entry still
// pointing into it and reclaims it. Requires the eviction lock.
func (s *segImpl) evictSegment(seg *internal.Segment, now uint32) {
	b := s.ttl.Bucket(seg.Bucket())
	b.Lock()
	b.Remove(seg)
	b.Unlock()

	gen := seg.Gen()
	dropped := 0
	seg.ForEachItem(func(off uint32, item internal.ItemView) bool {
		loc := internal.Location{Seg: seg.ID(), Gen: gen, Offset: off}
		if s.index.RemoveAt(s.hash(item.Key), loc) && !item.Header.Expired(now) {
			dropped++
		}
		return true
	})
	s.pool.Reclaim(seg)

	s.stats.evictions.Inc()
	s.stats.evictedItems.Add(int64(dropped))
	Logger.Debugf("evicted segment %d of bucket %d (%d live items)", seg.ID(), b.Index(), dropped)
}

// --------------------------------------------------------------------------
// Merge Eviction
// --------------------------------------------------------------------------

// mergeEvictor compacts the oldest sealed segments of one chain into fewer
// segments, keeping the objects with the highest utility
type mergeEvictor struct {
	s *segImpl
}

// mergeEntry is a live object of a merge source
type mergeEntry struct {
	src   int
	loc   internal.Location
	hash  uint64
	item  internal.ItemView
	score float64
	keep  bool
}

func (e *mergeEvictor) evict(requester *internal.TTLBucket, now uint32) {
	s := e.s
	width := s.opts.EvictionMergeWidth

	b := e.pickBucket(requester, width)
	if b == nil {
		s.evictOldestHead(now)
		return
	}

	b.Lock()
	defer b.Unlock()

	sources := b.OldestSealed(width)
	if len(sources) == 0 {
		return
	}
	for _, src := range sources {
		b.Remove(src)
	}

	entries := e.collect(b, sources, now)
	e.selectSurvivors(entries, len(sources))

	var (
		dst    *internal.Segment
		anchor *internal.Segment
		used   int
		kept   int
		drops  int
	)
	next := 0
	for si, src := range sources {
		for ; next < len(entries) && entries[next].src == si; next++ {
			en := &entries[next]
			if !en.keep {
				if s.index.RemoveAt(en.hash, en.loc) {
					drops++
				}
				continue
			}
			if dst == nil || dst.Remaining() < len(en.item.Raw) {
				dst = nil
				if used < len(sources)-1 {
					if seg, err := s.pool.AllocateReserved(src.CreatedAt()); err == nil {
						seg.Seal()
						b.InsertAfter(anchor, seg)
						dst, anchor = seg, seg
						used++
					}
				}
				if dst == nil {
					if s.index.RemoveAt(en.hash, en.loc) {
						drops++
					}
					continue
				}
			}
			to, err := s.pool.AppendTo(dst, en.item)
			if err != nil {
				// unreachable: the item was checked against the remaining space
				Logger.Panicf("merge: append to segment %d failed: %v", dst.ID(), err)
			}
			if s.index.Relocate(en.hash, en.loc, to) {
				kept++
			} else {
				dst.MarkDead()
			}
		}
		s.pool.Reclaim(src)
	}

	s.stats.merges.Inc()
	s.stats.mergedItems.Add(int64(kept))
	s.stats.evictedItems.Add(int64(drops))
	Logger.Debugf("merged %d segments of bucket %d into %d (%d kept, %d dropped)",
		len(sources), b.Index(), used, kept, drops)
}

// pickBucket returns the chain to merge: the requester if it has enough sealed
// segments, otherwise the chain with the most sealed segments. It returns nil
// if no chain has a sealed segment.
func (e *mergeEvictor) pickBucket(requester *internal.TTLBucket, width int) *internal.TTLBucket {
	want := min(width, 2)
	requester.Lock()
	n := len(requester.OldestSealed(want))
	requester.Unlock()
	if n >= want {
		return requester
	}

	var (
		best      *internal.TTLBucket
		bestCount int
	)
	for i := 0; i < e.s.ttl.Len(); i++ {
		b := e.s.ttl.Bucket(i)
		b.Lock()
		n := len(b.OldestSealed(width))
		b.Unlock()
		if n > bestCount {
			best, bestCount = b, n
		}
	}
	return best
}

// evictOldestHead seals the oldest non-empty head and evicts it. This is the
// last resort of every policy when no chain has a sealed segment, e.g. when
// each usable segment is the active head of a different ttl bucket.
// Requires the eviction lock.
func (s *segImpl) evictOldestHead(now uint32) {
	var oldest *internal.Segment
	for i := 0; i < s.ttl.Len(); i++ {
		b := s.ttl.Bucket(i)
		b.Lock()
		if head := b.Head(); head != nil && head.TotalItems() > 0 {
			if oldest == nil || head.CreatedAt() < oldest.CreatedAt() {
				oldest = head
			}
		}
		b.Unlock()
	}
	if oldest == nil {
		return
	}

	b := s.ttl.Bucket(oldest.Bucket())
	b.Lock()
	oldest.Seal()
	b.Unlock()
	s.evictSegment(oldest, now)
}

// collect gathers the live objects of the sources in append order.
// Expired and overwritten objects are skipped.
func (e *mergeEvictor) collect(b *internal.TTLBucket, sources []*internal.Segment, now uint32) []mergeEntry {
	s := e.s
	maxTTL := time.Duration(b.MaxTTL()) * time.Second

	var entries []mergeEntry
	for si, src := range sources {
		gen := src.Gen()
		src.ForEachItem(func(off uint32, item internal.ItemView) bool {
			loc := internal.Location{Seg: src.ID(), Gen: gen, Offset: off}
			hash := s.hash(item.Key)
			freq, current := s.index.IsCurrent(hash, loc)
			if !current {
				return true
			}
			if item.Header.Expired(now) {
				s.index.RemoveAt(hash, loc)
				return true
			}
			score := s.opts.Utility(Candidate{
				Freq:         freq,
				Size:         len(item.Raw),
				RemainingTTL: s.clock.Remaining(item.Header.ExpireAt, now),
				MaxTTL:       maxTTL,
			})
			entries = append(entries, mergeEntry{src: si, loc: loc, hash: hash, item: item, score: score})
			return true
		})
	}
	return entries
}

// selectSurvivors marks the highest scoring entries that fit into n-1
// segments. Ties prefer the newer entry.
func (e *mergeEvictor) selectSurvivors(entries []mergeEntry, n int) {
	budget := (n - 1) * e.s.opts.SegmentSizeBytes
	if budget <= 0 {
		return
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := &entries[order[a]], &entries[order[b]]
		if ea.score != eb.score {
			return ea.score > eb.score
		}
		return order[a] > order[b]
	})

	for _, i := range order {
		size := len(entries[i].item.Raw)
		if size > budget {
			continue
		}
		entries[i].keep = true
		budget -= size
	}
}

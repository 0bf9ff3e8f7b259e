package internal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("seg")

// --------------------------------------------------------------------------
// Internal Signals
// --------------------------------------------------------------------------

var (
	// ErrSegmentFull signals that an append did not fit; the caller rotates
	ErrSegmentFull = errors.New("segment full")
	// ErrExhausted signals that the pool has no free segment; the caller evicts
	ErrExhausted = errors.New("segment pool exhausted")
)

// Location addresses an item: the segment, the segment generation at write
// time and the offset of the item header inside the segment
type Location struct {
	Seg    uint32
	Gen    uint32
	Offset uint32
}

func (l Location) String() string {
	return fmt.Sprintf("%d@%d+%d", l.Seg, l.Gen, l.Offset)
}

// --------------------------------------------------------------------------
// Segment Pool
// --------------------------------------------------------------------------

// Pool owns the memory of all segments as one preallocated arena.
//
// Free segments are kept on a stack, mirrored in a bitset for O(1) membership
// checks. Reserve segments of the free list can only be taken by eviction
// (AllocateReserved), so a merge always has a destination segment.
//
// Thread-safety: all methods are thread-safe.
type Pool struct {
	segSize  int
	arena    []byte
	segments []Segment
	reserve  int

	mu         sync.Mutex
	free       []uint32
	freeMap    *bitset.BitSet
	reclaiming []uint32
}

// NewPool creates a pool of count segments of segSize bytes each.
// reserve segments are held back for eviction.
func NewPool(count, segSize, reserve int) *Pool {
	if count <= reserve {
		Logger.Panicf("segment pool needs more than %d segments, got %d", reserve, count)
	}

	p := &Pool{
		segSize:  segSize,
		arena:    make([]byte, count*segSize),
		segments: make([]Segment, count),
		reserve:  reserve,
		free:     make([]uint32, 0, count),
		freeMap:  bitset.New(uint(count)),
	}

	// push in reverse so segment 0 is allocated first
	for i := count - 1; i >= 0; i-- {
		seg := &p.segments[i]
		seg.id = uint32(i)
		seg.data = p.arena[i*segSize : (i+1)*segSize : (i+1)*segSize]
		seg.reset()
		p.free = append(p.free, uint32(i))
		p.freeMap.Set(uint(i))
	}

	return p
}

// Segment returns the segment with the given id
func (p *Pool) Segment(id uint32) *Segment {
	return &p.segments[id]
}

// Capacity returns the total number of segments
func (p *Pool) Capacity() int { return len(p.segments) }

// SegmentSize returns the size of one segment in bytes
func (p *Pool) SegmentSize() int { return p.segSize }

// Reserve returns the number of segments held back for eviction
func (p *Pool) Reserve() int { return p.reserve }

// FreeCount returns the number of segments on the free list
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// ReclaimingCount returns the number of detached segments waiting for readers
func (p *Pool) ReclaimingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reclaiming)
}

// HasFree reports whether a foreground allocation would succeed
func (p *Pool) HasFree() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) > p.reserve
}

// --------------------------------------------------------------------------
// Allocation
// --------------------------------------------------------------------------

// Allocate takes a segment from the free list and makes it active.
// It fails with ErrExhausted if only reserve segments are left.
func (p *Pool) Allocate(now uint32) (*Segment, error) {
	return p.allocate(now, p.reserve)
}

// AllocateReserved is Allocate for eviction, it may use the reserve
func (p *Pool) AllocateReserved(now uint32) (*Segment, error) {
	return p.allocate(now, 0)
}

func (p *Pool) allocate(now uint32, keep int) (*Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) <= keep {
		return nil, ErrExhausted
	}

	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if !p.freeMap.Test(uint(id)) {
		Logger.Panicf("segment %d on free list but not marked free", id)
	}
	p.freeMap.Clear(uint(id))

	seg := &p.segments[id]
	seg.gen.Add(1)
	seg.createdAt.Store(now)
	seg.setState(StateActive)
	return seg, nil
}

// AppendTo copies an encoded item into seg. Only merges append this way; the
// caller owns seg and serializes appends to it.
func (p *Pool) AppendTo(seg *Segment, item ItemView) (Location, error) {
	off, err := seg.appendRaw(item)
	if err != nil {
		return Location{}, err
	}
	return Location{Seg: seg.id, Gen: seg.Gen(), Offset: off}, nil
}

// --------------------------------------------------------------------------
// Reclamation
// --------------------------------------------------------------------------

// Reclaim starts reclamation of a segment detached from its chain.
// The segment returns to the free list immediately if no reader holds it,
// otherwise it is deferred until Drain observes zero references.
// It returns true if the segment was freed immediately.
func (p *Pool) Reclaim(seg *Segment) bool {
	st := seg.State()
	if st != StateActive && st != StateSealed {
		Logger.Panicf("segment %d: reclaim in state %s", seg.id, st)
	}
	if seg.prev != noLink || seg.next != noLink {
		Logger.Panicf("segment %d: reclaim while attached to a chain", seg.id)
	}

	seg.setState(StateReclaiming)

	p.mu.Lock()
	defer p.mu.Unlock()

	if seg.refs.Load() == 0 {
		p.freeLocked(seg)
		return true
	}
	p.reclaiming = append(p.reclaiming, seg.id)
	return false
}

// Drain frees deferred segments whose readers are gone.
// It returns the number of freed segments.
func (p *Pool) Drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	freed := 0
	remaining := p.reclaiming[:0]
	for _, id := range p.reclaiming {
		seg := &p.segments[id]
		if seg.refs.Load() == 0 {
			p.freeLocked(seg)
			freed++
		} else {
			remaining = append(remaining, id)
		}
	}
	p.reclaiming = remaining
	return freed
}

// freeLocked returns a reclaiming segment to the free list. The caller has
// observed zero references after the state became StateReclaiming; readers
// arriving later see that state and back off without reading.
func (p *Pool) freeLocked(seg *Segment) {
	if p.freeMap.Test(uint(seg.id)) {
		Logger.Panicf("segment %d: double free", seg.id)
	}
	seg.reset()
	seg.setState(StateFree)
	p.free = append(p.free, seg.id)
	p.freeMap.Set(uint(seg.id))
}

// --------------------------------------------------------------------------
// Read Access
// --------------------------------------------------------------------------

// Read pins the segment addressed by loc and decodes the item there.
// On success the caller must call Release on the returned segment once it is
// done with the view. It fails if the segment was reclaimed or reused since
// loc was written.
func (p *Pool) Read(loc Location) (ItemView, *Segment, bool) {
	if int(loc.Seg) >= len(p.segments) {
		return ItemView{}, nil, false
	}
	seg := &p.segments[loc.Seg]
	if !seg.acquire() {
		return ItemView{}, nil, false
	}
	if seg.gen.Load() != loc.Gen {
		seg.Release()
		return ItemView{}, nil, false
	}
	item, ok := seg.itemAt(loc.Offset)
	if !ok {
		seg.Release()
		return ItemView{}, nil, false
	}
	return item, seg, true
}

// Pin pins the segment addressed by loc if it still holds the generation of loc
func (p *Pool) Pin(loc Location) (*Segment, bool) {
	seg := &p.segments[loc.Seg]
	if !seg.acquire() {
		return nil, false
	}
	if seg.gen.Load() != loc.Gen {
		seg.Release()
		return nil, false
	}
	return seg, true
}

// Valid reports whether loc may still address a live item, without reading it
func (p *Pool) Valid(loc Location) bool {
	seg, ok := p.Pin(loc)
	if !ok {
		return false
	}
	seg.Release()
	return true
}

// MarkDead decrements the live counter of the segment holding loc, if the
// segment still holds that generation
func (p *Pool) MarkDead(loc Location) {
	if seg, ok := p.Pin(loc); ok {
		seg.MarkDead()
		seg.Release()
	}
}

// --------------------------------------------------------------------------
// Accounting
// --------------------------------------------------------------------------

// PoolStats is a snapshot of segment states
type PoolStats struct {
	Capacity   int `json:"capacity"`
	Free       int `json:"free"`
	Active     int `json:"active"`
	Sealed     int `json:"sealed"`
	Reclaiming int `json:"reclaiming"`
	LiveItems  int `json:"live_items"`
	DeadItems  int `json:"dead_items"`
	UsedBytes  int `json:"used_bytes"`
}

// Stats counts segments per state. The counts are not an atomic snapshot.
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{Capacity: len(p.segments)}
	for i := range p.segments {
		seg := &p.segments[i]
		switch seg.State() {
		case StateFree:
			stats.Free++
			continue
		case StateActive:
			stats.Active++
		case StateSealed:
			stats.Sealed++
		case StateReclaiming:
			stats.Reclaiming++
			continue
		}
		live, total := int(seg.LiveItems()), int(seg.TotalItems())
		stats.LiveItems += live
		stats.DeadItems += total - live
		stats.UsedBytes += int(seg.WriteOffset())
	}
	return stats
}

// CheckFreeList verifies that the free list and the free bitset agree.
// attached is the number of segments reachable from all ttl chains.
// Together with the reclaiming segments they must add up to the capacity.
func (p *Pool) CheckFreeList(attached int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint(len(p.free)) != p.freeMap.Count() {
		return fmt.Errorf("free list holds %d segments, bitset marks %d", len(p.free), p.freeMap.Count())
	}
	for _, id := range p.free {
		if st := p.segments[id].State(); st != StateFree {
			return fmt.Errorf("segment %d on free list in state %s", id, st)
		}
	}
	if total := len(p.free) + len(p.reclaiming) + attached; total != len(p.segments) {
		return fmt.Errorf("free %d + reclaiming %d + chained %d = %d, capacity %d",
			len(p.free), len(p.reclaiming), attached, total, len(p.segments))
	}
	return nil
}

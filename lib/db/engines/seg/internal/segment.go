package internal

import (
	"fmt"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Segment State
// --------------------------------------------------------------------------

// SegmentState is the lifecycle state of a segment
type SegmentState uint32

const (
	// StateFree segments are in the pool's free list and owned by no chain
	StateFree SegmentState = iota
	// StateActive segments are the head of a ttl chain and accept appends
	StateActive
	// StateSealed segments are read-only members of a ttl chain
	StateSealed
	// StateReclaiming segments are detached and wait for their readers to drain
	StateReclaiming
)

func (s SegmentState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActive:
		return "active"
	case StateSealed:
		return "sealed"
	case StateReclaiming:
		return "reclaiming"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// noLink marks the end of a ttl chain
const noLink int32 = -1

// --------------------------------------------------------------------------
// Segment
// --------------------------------------------------------------------------

// Segment is a fixed-size append-only region of the pool arena.
//
// Appends are serialized by the owner of the segment (the ttl bucket lock for
// active segments, the eviction lock for merge destinations). The write offset
// is published after the item bytes are written, so readers only decode items
// below the offset they loaded.
//
// Readers pin the segment with acquire before touching its memory. A segment
// in StateReclaiming is only returned to the free list once refs is zero.
type Segment struct {
	id   uint32
	data []byte

	state       atomic.Uint32
	refs        atomic.Int32
	gen         atomic.Uint32
	writeOffset atomic.Uint32
	liveItems   atomic.Int32
	totalItems  atomic.Int32
	createdAt   atomic.Uint32
	expireAt    atomic.Uint32

	// chain membership, guarded by the lock of the owning ttl bucket
	bucket int32
	prev   int32 // towards the tail (older)
	next   int32 // towards the head (newer)
}

func (s *Segment) ID() uint32 { return s.id }
func (s *Segment) State() SegmentState { return SegmentState(s.state.Load()) }
func (s *Segment) Gen() uint32 { return s.gen.Load() }
func (s *Segment) Refs() int32 { return s.refs.Load() }
func (s *Segment) LiveItems() int32 { return s.liveItems.Load() }
func (s *Segment) TotalItems() int32 { return s.totalItems.Load() }
func (s *Segment) WriteOffset() uint32 { return s.writeOffset.Load() }
func (s *Segment) CreatedAt() uint32 { return s.createdAt.Load() }
func (s *Segment) ExpireAt() uint32 { return s.expireAt.Load() }
func (s *Segment) Capacity() int { return len(s.data) }
func (s *Segment) Remaining() int { return len(s.data) - int(s.writeOffset.Load()) }
func (s *Segment) Bucket() int { return int(s.bucket) }
func (s *Segment) setState(st SegmentState) { s.state.Store(uint32(st)) }

// Expired reports whether every item in the segment is dead at clock second now.
// Segments holding items that never expire are never expired.
func (s *Segment) Expired(now uint32) bool {
	exp := s.expireAt.Load()
	return exp != 0 && exp <= now && s.totalItems.Load() > 0
}

// Seal makes an active segment read-only
func (s *Segment) Seal() {
	s.state.CompareAndSwap(uint32(StateActive), uint32(StateSealed))
}

// --------------------------------------------------------------------------
// Reference Counting
// --------------------------------------------------------------------------

// acquire pins the segment for reading.
// It returns false if the segment is free or being reclaimed, in which case
// nothing must be read from it.
//
// The increment happens before the state check; the reclaimer stores the state
// before checking refs. One of the two always observes the other.
func (s *Segment) acquire() bool {
	s.refs.Add(1)
	st := SegmentState(s.state.Load())
	if st != StateActive && st != StateSealed {
		s.refs.Add(-1)
		return false
	}
	return true
}

// Release unpins a segment pinned by Pool.Read or Pool.Pin
func (s *Segment) Release() {
	if s.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("segment %d: reference count below zero", s.id))
	}
}

// --------------------------------------------------------------------------
// Append and Read
// --------------------------------------------------------------------------

// append encodes the item at the current write offset.
// It fails with ErrSegmentFull if the item does not fit.
//
// Thread-safety: callers must serialize appends to the same segment.
func (s *Segment) append(hdr ItemHeader, key, value []byte) (uint32, error) {
	off := s.writeOffset.Load()
	size := uint32(hdr.Size())
	if int(off)+int(size) > len(s.data) {
		return 0, ErrSegmentFull
	}
	encodeItem(s.data[off:off+size], hdr, key, value)
	s.publish(off, size, hdr.ExpireAt)
	return off, nil
}

// appendRaw copies an encoded item verbatim, used when merging
//
// Thread-safety: callers must serialize appends to the same segment.
func (s *Segment) appendRaw(item ItemView) (uint32, error) {
	off := s.writeOffset.Load()
	size := uint32(len(item.Raw))
	if int(off)+int(size) > len(s.data) {
		return 0, ErrSegmentFull
	}
	copy(s.data[off:off+size], item.Raw)
	s.publish(off, size, item.Header.ExpireAt)
	return off, nil
}

// publish updates the counters and makes the item at off visible to readers
func (s *Segment) publish(off, size, expireAt uint32) {
	s.liveItems.Add(1)
	s.totalItems.Add(1)
	if expireAt > s.expireAt.Load() {
		s.expireAt.Store(expireAt)
	}
	s.writeOffset.Store(off + size)
}

// itemAt decodes the item at off. The segment must be pinned or owned.
func (s *Segment) itemAt(off uint32) (ItemView, bool) {
	end := s.writeOffset.Load()
	if off%itemAlign != 0 || off+ItemHeaderSize > end {
		return ItemView{}, false
	}
	return decodeItem(s.data[off:end])
}

// ForEachItem calls fn for every item below the write offset in append order
// until fn returns false. The segment must be pinned or owned by the caller.
func (s *Segment) ForEachItem(fn func(off uint32, item ItemView) bool) {
	end := s.writeOffset.Load()
	for off := uint32(0); off < end; {
		item, ok := decodeItem(s.data[off:end])
		if !ok {
			panic(fmt.Sprintf("segment %d: corrupt item at offset %d", s.id, off))
		}
		if !fn(off, item) {
			return
		}
		off += uint32(len(item.Raw))
	}
}

// MarkDead decrements the live item counter after the item was overwritten,
// deleted or dropped
func (s *Segment) MarkDead() {
	s.liveItems.Add(-1)
}

// reset clears the segment before it goes back to the free list
func (s *Segment) reset() {
	s.writeOffset.Store(0)
	s.liveItems.Store(0)
	s.totalItems.Store(0)
	s.createdAt.Store(0)
	s.expireAt.Store(0)
	s.bucket = noLink
	s.prev = noLink
	s.next = noLink
}

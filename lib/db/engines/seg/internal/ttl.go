package internal

import (
	"errors"
	"fmt"
	"sync"
)

// --------------------------------------------------------------------------
// TTL Buckets
// --------------------------------------------------------------------------

// TTLBuckets partitions ttls into count coarse ranges of width seconds.
//
// Bucket i < count-1 holds ttls in (i*width, (i+1)*width]. Longer ttls are
// clamped into bucket count-2. The last bucket holds items that never expire
// and is never swept by expiration.
type TTLBuckets struct {
	pool    *Pool
	width   uint32
	buckets []TTLBucket
}

// TTLBucket owns a doubly linked chain of segments ordered by creation time,
// oldest at the tail. The head is the active segment new items are appended to.
//
// Thread-safety: chain operations require the bucket lock (Lock/Unlock).
type TTLBucket struct {
	sync.Mutex
	index  int
	maxTTL uint32 // 0 for the never-expiring bucket
	width  uint32
	pool   *Pool

	head   int32
	tail   int32
	length int
}

// NewTTLBuckets creates count buckets of width seconds over pool.
// count must be at least 2.
func NewTTLBuckets(pool *Pool, count int, width uint32) *TTLBuckets {
	if count < 2 || width == 0 {
		panic(fmt.Sprintf("invalid ttl buckets: count=%d width=%d", count, width))
	}
	t := &TTLBuckets{
		pool:    pool,
		width:   width,
		buckets: make([]TTLBucket, count),
	}
	for i := range t.buckets {
		b := &t.buckets[i]
		b.index = i
		b.width = width
		b.pool = pool
		b.head = noLink
		b.tail = noLink
		if i < count-1 {
			b.maxTTL = uint32(i+1) * width
		}
	}
	return t
}

// Len returns the number of buckets
func (t *TTLBuckets) Len() int { return len(t.buckets) }

// Bucket returns bucket i
func (t *TTLBuckets) Bucket(i int) *TTLBucket { return &t.buckets[i] }

// MaxTTL returns the longest supported ttl in seconds
func (t *TTLBuckets) MaxTTL() uint32 {
	return uint32(len(t.buckets)-1) * t.width
}

// BucketFor maps a ttl in seconds to its bucket. 0 selects the never-expiring bucket.
func (t *TTLBuckets) BucketFor(ttl uint32) *TTLBucket {
	if ttl == 0 {
		return &t.buckets[len(t.buckets)-1]
	}
	i := int((ttl - 1) / t.width)
	if i > len(t.buckets)-2 {
		i = len(t.buckets) - 2
	}
	return &t.buckets[i]
}

// Attached counts the segments reachable from all chains
func (t *TTLBuckets) Attached() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.Lock()
		n += b.length
		b.Unlock()
	}
	return n
}

// --------------------------------------------------------------------------
// Bucket Accessors
// --------------------------------------------------------------------------

func (b *TTLBucket) Index() int { return b.index }

// MaxTTL returns the longest ttl of the bucket in seconds, 0 if items never expire
func (b *TTLBucket) MaxTTL() uint32 { return b.maxTTL }

// Immortal reports whether the bucket holds items that never expire
func (b *TTLBucket) Immortal() bool { return b.maxTTL == 0 }

// Len returns the chain length. Requires the bucket lock.
func (b *TTLBucket) Len() int { return b.length }

// Head returns the newest segment or nil. Requires the bucket lock.
func (b *TTLBucket) Head() *Segment { return b.seg(b.head) }

// Tail returns the oldest segment or nil. Requires the bucket lock.
func (b *TTLBucket) Tail() *Segment { return b.seg(b.tail) }

// Next returns the next newer segment in the chain or nil. Requires the bucket lock.
func (b *TTLBucket) Next(seg *Segment) *Segment { return b.seg(seg.next) }

func (b *TTLBucket) seg(id int32) *Segment {
	if id == noLink {
		return nil
	}
	return b.pool.Segment(uint32(id))
}

// --------------------------------------------------------------------------
// Append Path
// --------------------------------------------------------------------------

// Active returns the append target of the bucket, allocating a new head if
// there is none, the head is sealed, or the head is older than one bucket
// width. If the pool is exhausted while an aged head is still active, the
// aged head is returned. Requires the bucket lock.
func (b *TTLBucket) Active(now uint32) (*Segment, error) {
	head := b.Head()
	if head != nil && head.State() == StateActive {
		if b.Immortal() || now < head.CreatedAt()+b.width {
			return head, nil
		}
		if seg, err := b.SealAndRotate(now); err == nil {
			return seg, nil
		}
		return head, nil
	}
	return b.SealAndRotate(now)
}

// SealAndRotate allocates a new active head and seals the previous one.
// The previous head stays active if allocation fails. Requires the bucket lock.
func (b *TTLBucket) SealAndRotate(now uint32) (*Segment, error) {
	seg, err := b.pool.Allocate(now)
	if err != nil {
		return nil, err
	}
	if head := b.Head(); head != nil {
		head.Seal()
	}
	b.pushHead(seg)
	return seg, nil
}

// Append writes an item to the active segment, rotating once on ErrSegmentFull.
// It returns ErrExhausted if a new segment is needed and the pool has none.
// Requires the bucket lock.
func (b *TTLBucket) Append(now uint32, hdr ItemHeader, key, value []byte) (Location, error) {
	seg, err := b.Active(now)
	if err != nil {
		return Location{}, err
	}
	off, err := seg.append(hdr, key, value)
	if errors.Is(err, ErrSegmentFull) {
		if seg, err = b.SealAndRotate(now); err != nil {
			return Location{}, err
		}
		off, err = seg.append(hdr, key, value)
	}
	if err != nil {
		return Location{}, err
	}
	return Location{Seg: seg.id, Gen: seg.Gen(), Offset: off}, nil
}

// --------------------------------------------------------------------------
// Chain Operations
// --------------------------------------------------------------------------

// OldestSealed returns up to n sealed segments starting at the tail, oldest first.
// The scan stops at the first segment that is not sealed. Requires the bucket lock.
func (b *TTLBucket) OldestSealed(n int) []*Segment {
	out := make([]*Segment, 0, n)
	for seg := b.Tail(); seg != nil && len(out) < n; seg = b.Next(seg) {
		if seg.State() != StateSealed {
			break
		}
		out = append(out, seg)
	}
	return out
}

// Sealed returns every sealed segment of the chain. Requires the bucket lock.
func (b *TTLBucket) Sealed() []*Segment {
	var out []*Segment
	for seg := b.Tail(); seg != nil; seg = b.Next(seg) {
		if seg.State() == StateSealed {
			out = append(out, seg)
		}
	}
	return out
}

// pushHead links seg as the newest segment
func (b *TTLBucket) pushHead(seg *Segment) {
	seg.bucket = int32(b.index)
	seg.prev = b.head
	seg.next = noLink
	if head := b.Head(); head != nil {
		head.next = int32(seg.id)
	} else {
		b.tail = int32(seg.id)
	}
	b.head = int32(seg.id)
	b.length++
}

// InsertAfter links seg directly after anchor (towards the head), or at the
// tail if anchor is nil. Merge destinations are inserted this way so the chain
// stays ordered by creation time. Requires the bucket lock.
func (b *TTLBucket) InsertAfter(anchor, seg *Segment) {
	seg.bucket = int32(b.index)
	if anchor == nil {
		seg.prev = noLink
		seg.next = b.tail
		if tail := b.Tail(); tail != nil {
			tail.prev = int32(seg.id)
		} else {
			b.head = int32(seg.id)
		}
		b.tail = int32(seg.id)
		b.length++
		return
	}
	seg.prev = int32(anchor.id)
	seg.next = anchor.next
	if next := b.Next(anchor); next != nil {
		next.prev = int32(seg.id)
	} else {
		b.head = int32(seg.id)
	}
	anchor.next = int32(seg.id)
	b.length++
}

// Remove unlinks seg from the chain. Requires the bucket lock.
func (b *TTLBucket) Remove(seg *Segment) {
	if int(seg.bucket) != b.index {
		panic(fmt.Sprintf("segment %d: removed from bucket %d but owned by %d", seg.id, b.index, seg.bucket))
	}
	if prev := b.seg(seg.prev); prev != nil {
		prev.next = seg.next
	} else {
		b.tail = seg.next
	}
	if next := b.seg(seg.next); next != nil {
		next.prev = seg.prev
	} else {
		b.head = seg.prev
	}
	seg.prev = noLink
	seg.next = noLink
	b.length--
}

// Detach removes every segment from the chain and returns them oldest first.
// Requires the bucket lock.
func (b *TTLBucket) Detach() []*Segment {
	out := make([]*Segment, 0, b.length)
	for seg := b.Tail(); seg != nil; {
		next := b.Next(seg)
		b.Remove(seg)
		out = append(out, seg)
		seg = next
	}
	return out
}

// CheckOrder verifies the chain links and the creation time order.
// Requires the bucket lock.
func (b *TTLBucket) CheckOrder() error {
	n := 0
	var prev *Segment
	for seg := b.Tail(); seg != nil; seg = b.Next(seg) {
		if int(seg.bucket) != b.index {
			return fmt.Errorf("bucket %d: segment %d owned by bucket %d", b.index, seg.id, seg.bucket)
		}
		if prev != nil && seg.CreatedAt() < prev.CreatedAt() {
			return fmt.Errorf("bucket %d: segment %d created before its predecessor %d", b.index, seg.id, prev.id)
		}
		if st := seg.State(); st != StateActive && st != StateSealed {
			return fmt.Errorf("bucket %d: segment %d chained in state %s", b.index, seg.id, st)
		}
		prev = seg
		n++
	}
	if n != b.length {
		return fmt.Errorf("bucket %d: chain has %d segments, length says %d", b.index, n, b.length)
	}
	if prev != nil && int32(prev.id) != b.head {
		return fmt.Errorf("bucket %d: head %d is not the last linked segment %d", b.index, b.head, prev.id)
	}
	return nil
}

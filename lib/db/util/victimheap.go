package util

import (
	"container/heap"
)

// --------------------------------------------------------------------------
// VictimHeap
// --------------------------------------------------------------------------

// VictimHeap ranks segments for eviction. The segment with the lowest priority
// comes first; equal priorities keep the order in which segments were added,
// so callers that add segments oldest first get the oldest on ties.
//
// Not thread-safe, the eviction lock serializes all users.
//
// Example usage:
//
//	victims := NewVictimHeap()
//	victims.Add(seg.ID(), uint64(seg.CreatedAt()))
//	id, ok := victims.Pop()
type VictimHeap struct {
	queue victimQueue
	seq   uint64
}

type victim struct {
	id       uint32
	priority uint64
	seq      uint64
}

// NewVictimHeap creates an empty heap
func NewVictimHeap() *VictimHeap {
	return &VictimHeap{}
}

// Len returns the number of ranked segments
func (h *VictimHeap) Len() int { return len(h.queue) }

// Add ranks segment id with priority
func (h *VictimHeap) Add(id uint32, priority uint64) {
	heap.Push(&h.queue, victim{id: id, priority: priority, seq: h.seq})
	h.seq++
}

// Peek returns the next victim without removing it
func (h *VictimHeap) Peek() (id uint32, priority uint64, ok bool) {
	if len(h.queue) == 0 {
		return 0, 0, false
	}
	return h.queue[0].id, h.queue[0].priority, true
}

// Pop removes and returns the next victim
func (h *VictimHeap) Pop() (uint32, bool) {
	if len(h.queue) == 0 {
		return 0, false
	}
	return heap.Pop(&h.queue).(victim).id, true
}

// victimQueue implements heap.Interface
type victimQueue []victim

func (q victimQueue) Len() int { return len(q) }

func (q victimQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q victimQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *victimQueue) Push(x any) { *q = append(*q, x.(victim)) }

func (q *victimQueue) Pop() any {
	old := *q
	v := old[len(old)-1]
	*q = old[:len(old)-1]
	return v
}

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVictimHeapOrder(t *testing.T) {
	h := NewVictimHeap()
	_, ok := h.Pop()
	assert.False(t, ok)
	_, _, ok = h.Peek()
	assert.False(t, ok)

	// segment id -> creation time
	created := map[uint32]uint64{7: 30, 3: 10, 9: 50, 1: 20, 4: 40}
	for _, id := range []uint32{7, 3, 9, 1, 4} {
		h.Add(id, created[id])
	}
	require.Equal(t, 5, h.Len())

	id, priority, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, uint64(10), priority)

	var order []uint32
	for h.Len() > 0 {
		id, ok := h.Pop()
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []uint32{3, 1, 7, 4, 9}, order)
}

func TestVictimHeapTiesKeepInsertionOrder(t *testing.T) {
	h := NewVictimHeap()
	// sealed segments created in the same second, added tail first
	for _, id := range []uint32{12, 5, 8, 2} {
		h.Add(id, 100)
	}
	h.Add(6, 99)

	var order []uint32
	for h.Len() > 0 {
		id, _ := h.Pop()
		order = append(order, id)
	}
	assert.Equal(t, []uint32{6, 12, 5, 8, 2}, order)
}

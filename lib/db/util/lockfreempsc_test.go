package util

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pressure struct {
	bucket int
	at     uint32
}

// receive reads n values or fails after a second
func receive[T any](t *testing.T, q *LockFreeMPSC[T], n int) []T {
	t.Helper()
	out := make([]T, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case v, ok := <-q.Recv():
			require.True(t, ok, "queue closed after %d of %d values", len(out), n)
			out = append(out, v)
		case <-timeout:
			t.Fatalf("received %d of %d values", len(out), n)
		}
	}
	return out
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewLockFreeMPSC[pressure]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		require.True(t, q.Push(pressure{bucket: i, at: uint32(i)}))
	}
	for i, event := range receive(t, q, 100) {
		assert.Equal(t, pressure{bucket: i, at: uint32(i)}, event)
	}
}

func TestQueueWakesIdleConsumer(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 5; i++ {
		// the forwarder is parked between pushes
		time.Sleep(5 * time.Millisecond)
		q.Push(i)
		assert.Equal(t, []int{i}, receive(t, q, 1))
	}
}

func TestQueueCloseDrainsThenCloses(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	q.Close()
	q.Close()

	assert.False(t, q.Push(99), "push after close")
	assert.Len(t, receive(t, q, 10), 10)

	select {
	case _, ok := <-q.Recv():
		assert.False(t, ok, "no values after the pushed ones")
	case <-time.After(time.Second):
		t.Fatal("Recv was not closed")
	}
}

func TestQueueCloseWhileIdle(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range q.Recv() {
		}
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not observe close")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 16, 500
	q := NewLockFreeMPSC[pressure]()
	defer q.Close()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(pressure{bucket: p, at: uint32(i)})
			}
		}(p)
	}

	events := receive(t, q, producers*perProducer)
	wg.Wait()

	// every value arrives once and each producer's values keep their order
	next := make([]uint32, producers)
	for _, e := range events {
		require.Equal(t, next[e.bucket], e.at, "producer %d", e.bucket)
		next[e.bucket]++
	}
	for p := range next {
		assert.EqualValues(t, perProducer, next[p])
	}
}

func BenchmarkQueuePush(b *testing.B) {
	q := NewLockFreeMPSC[pressure]()
	defer q.Close()
	go func() {
		for range q.Recv() {
		}
	}()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			q.Push(pressure{bucket: 1})
		}
	})
}

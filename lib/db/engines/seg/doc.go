// Package seg implements a segment-structured in-memory cache (db.ICache).
//
// Objects are appended to fixed-size segments carved out of one preallocated
// arena. Segments holding objects with similar ttls are chained in ttl buckets,
// ordered by creation time. Memory is never freed per object: a segment is
// reclaimed as a whole once all its objects expired (expiration) or when a
// writer finds the pool exhausted (eviction).
//
// Key Components:
//
//   - Pool: The arena and its free list. A small reserve of free segments can
//     only be taken by eviction so a merge always has a destination.
//
//   - HashTable: Maps keys to the location of their newest item. Entries hold
//     the segment generation they were written under; entries whose segment was
//     reclaimed or reused are detected on access and removed lazily.
//
//   - TTLBuckets: Partitions ttls into coarse ranges. Each bucket appends to its
//     head segment and keeps older segments sealed behind it.
//
//   - Eviction: Either removes one whole sealed segment (random, fifo, cte,
//     util) or merges the oldest segments of a chain into fewer segments,
//     keeping the objects with the highest utility (merge, the default).
//
//   - Background loop: Periodically reclaims expired segments, retries
//     segments whose readers were still active and evicts ahead of writers
//     after memory pressure was reported.
//
// Readers pin a segment with a reference count while they copy an object out,
// so a segment is only reused once every reader left it.
//
// Example usage:
//
//	cache, err := seg.NewSegCache(&seg.Options{TotalMemoryBytes: 64 << 20})
//	if err != nil {
//		return err
//	}
//	defer cache.Close()
//
//	cas, err := cache.Set([]byte("key"), []byte("value"), 0, time.Minute)
//	item, ok := cache.Get([]byte("key"))
package seg

package seg

import (
	"time"
)

// pressureEvent is sent to the background loop when a writer had to evict
type pressureEvent struct {
	Bucket int
	At     uint32
}

// --------------------------------------------------------------------------
// Expiration
// --------------------------------------------------------------------------

// expireSegments detaches and reclaims every segment at the tail of a ttl
// chain whose items have all expired. Index entries pointing into reclaimed
// segments are removed lazily by lookups. It returns the number of segments
// reclaimed. Requires the eviction lock.
func (s *segImpl) expireSegments(now uint32) int {
	n := 0
	for i := 0; i < s.ttl.Len(); i++ {
		b := s.ttl.Bucket(i)
		if b.Immortal() {
			continue
		}
		b.Lock()
		for tail := b.Tail(); tail != nil && tail.Expired(now); tail = b.Tail() {
			b.Remove(tail)
			s.pool.Reclaim(tail)
			n++
		}
		b.Unlock()
	}
	if n > 0 {
		s.stats.expiredSegments.Add(int64(n))
		Logger.Debugf("expired %d segments", n)
	}
	return n
}

// --------------------------------------------------------------------------
// Background Loop
// --------------------------------------------------------------------------

// startLoop starts the background expiration loop
// if the loop is already running, this function does nothing
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) startLoop() {
	if s.loopIsRunning.CompareAndSwap(false, true) {
		s.loopDone = make(chan struct{})
		go s.backgroundLoop()
	}
}

// stopLoop stops the background loop and waits for it to exit.
// the loop can't be started again after it has been stopped!
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *segImpl) stopLoop() {
	if s.loopIsRunning.CompareAndSwap(true, false) {
		s.events.Close()
		<-s.loopDone
	}
}

// backgroundLoop collects pressure events between ticks and runs maintenance
// on every tick
// WARNING: this method should never be called! use startLoop() and stopLoop()
func (s *segImpl) backgroundLoop() {
	defer close(s.loopDone)

	timer := time.NewTimer(s.opts.ExpireInterval)
	defer timer.Stop()

	for {
		timer.Reset(s.opts.ExpireInterval)

		pressure := -1
		endLoop := false
		for !endLoop {
			select {
			case event, ok := <-s.events.Recv():
				if !ok {
					return
				}
				pressure = event.Bucket
			case <-timer.C:
				endLoop = true
			}
		}

		s.maintain(pressure)
	}
}

// maintain drains deferred segments and expires dead ones. If writers reported
// pressure since the last tick and the pool is still at its reserve, it evicts
// ahead of the next write.
func (s *segImpl) maintain(pressureBucket int) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if freed := s.pool.Drain(); freed > 0 {
		Logger.Debugf("freed %d deferred segments", freed)
	}
	now := s.clock.Now()
	s.expireSegments(now)

	if pressureBucket >= 0 && !s.pool.HasFree() {
		s.evictor.evict(s.ttl.Bucket(pressureBucket), now)
	}
}

package seg

import "time"

// clock converts wall time into the coarse second resolution stored in item
// headers. Second 0 is reserved for "never expires", so the first second after
// start is 1.
type clock struct {
	start time.Time
	now   func() time.Time
}

func newClock(now func() time.Time) *clock {
	return &clock{start: now(), now: now}
}

// Now returns the current clock second
func (c *clock) Now() uint32 {
	d := c.now().Sub(c.start)
	if d < 0 {
		return 1
	}
	return uint32(d/time.Second) + 1
}

// Expiry converts a relative ttl into the ttl bucket key and the absolute
// expiration second. Partial seconds round up and ttls beyond maxTTL are
// clamped. A zero ttl never expires and yields (0, 0).
func (c *clock) Expiry(ttl time.Duration, maxTTL uint32) (bucketTTL, expireAt uint32) {
	if ttl <= 0 {
		return 0, 0
	}
	secs := uint64((ttl + time.Second - 1) / time.Second)
	if secs > uint64(maxTTL) {
		secs = uint64(maxTTL)
	}
	return uint32(secs), c.Now() + uint32(secs)
}

// Remaining returns the time until expireAt, 0 if the item never expires
func (c *clock) Remaining(expireAt, now uint32) time.Duration {
	if expireAt == 0 || expireAt <= now {
		return 0
	}
	return time.Duration(expireAt-now) * time.Second
}

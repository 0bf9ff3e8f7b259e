package base

// minRead is the least free space offered to a read
const minRead = 512

// ensureSpace returns buf with at least minRead bytes of free capacity.
// The buffer doubles while it is full, up to limit bytes; ok is false when
// buf is already at the limit and full.
func ensureSpace(buf []byte, limit int) (_ []byte, ok bool) {
	if cap(buf)-len(buf) >= minRead {
		return buf, true
	}
	if cap(buf) >= limit && len(buf) == cap(buf) {
		return buf, false
	}
	if cap(buf)-len(buf) > 0 && cap(buf) >= limit {
		return buf, true
	}

	size := min(max(2*cap(buf), len(buf)+minRead), limit)
	grown := make([]byte, len(buf), size)
	copy(grown, buf)
	return grown, true
}

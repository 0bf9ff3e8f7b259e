// Package protocol implements the memcache text protocol.
//
// The parser works on the raw session buffer: it returns ErrIncomplete until
// a whole request (command line plus data block) was received and never
// copies keys or values. Replies are appended to a caller owned buffer so a
// session can answer a batch of pipelined requests with a single write.
//
// Supported commands: get, gets, set, add, replace, cas, incr, decr, delete,
// flush_all, version, stats and quit. append and prepend are recognized and
// answered with ERROR.
//
// Example usage:
//
//	req, n, err := protocol.Parse(buf)
//	switch {
//	case errors.Is(err, protocol.ErrIncomplete):
//		// read more
//	case err != nil:
//		out = protocol.AppendError(out, err)
//	default:
//		// execute req
//	}
//	buf = buf[n:]
package protocol

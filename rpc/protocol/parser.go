package protocol

import (
	"bytes"
	"strconv"

	"github.com/ValentinKolb/segcache/lib/db"
)

// MaxLineLength bounds a command line (without data block). Longer lines
// close the session.
const MaxLineLength = 64 << 10

var noReply = []byte("noreply")

// --------------------------------------------------------------------------
// Parser
// --------------------------------------------------------------------------

// Parser parses memcache text requests out of a session buffer.
//
// Parsing is incremental: when the buffer ends inside a request Parse returns
// ErrIncomplete and consumes nothing, so the caller can read more bytes and
// retry with the grown buffer. Pipelined requests are parsed one per call.
//
// Thread-safety: A Parser holds no state besides its limits and may be shared.
type Parser struct {
	// MaxValueBytes bounds the data block of storage commands (0 = unlimited).
	// Larger blocks cannot be buffered and close the session.
	MaxValueBytes int
}

// Parse parses the first request of buf with an unlimited parser
func Parse(buf []byte) (Request, int, error) {
	var p Parser
	return p.Parse(buf)
}

// Parse parses the first request in buf and returns it together with the
// number of bytes it occupied. A *Error is returned for requests that must be
// answered with an error reply; n then still covers the malformed request.
func (p *Parser) Parse(buf []byte) (req Request, n int, err error) {
	eol := bytes.IndexByte(buf, '\n')
	if eol < 0 {
		if len(buf) > MaxLineLength {
			return req, len(buf), errLineTooLong
		}
		return req, 0, ErrIncomplete
	}
	n = eol + 1

	line := buf[:eol]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if len(line) > MaxLineLength {
		return req, n, errLineTooLong
	}

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return req, n, errUnknownCommand
	}
	cmd, ok := commandNames[string(fields[0])]
	if !ok {
		return req, n, errUnknownCommand
	}
	req.Command = cmd
	args := fields[1:]

	switch cmd {
	case CmdGet, CmdGets:
		if len(args) == 0 {
			return req, n, errUnknownCommand
		}
		for _, key := range args {
			if err := checkKey(key); err != nil {
				return req, n, err
			}
		}
		req.Keys = args

	case CmdSet, CmdAdd, CmdReplace, CmdCas, CmdAppend, CmdPrepend:
		return p.parseStorage(buf, n, req, args)

	case CmdIncr, CmdDecr:
		args, req.NoReply = trimNoReply(args)
		if len(args) != 2 {
			return req, n, errBadFormat
		}
		if err := checkKey(args[0]); err != nil {
			return req, n, err
		}
		delta, err := strconv.ParseUint(string(args[1]), 10, 64)
		if err != nil {
			return req, n, clientError("invalid numeric delta argument")
		}
		req.Key, req.Delta = args[0], delta

	case CmdDelete:
		args, req.NoReply = trimNoReply(args)
		// legacy clients send a zero hold time
		if len(args) == 2 && string(args[1]) == "0" {
			args = args[:1]
		}
		if len(args) != 1 {
			return req, n, clientError("bad command line format.  Usage: delete <key> [noreply]")
		}
		if err := checkKey(args[0]); err != nil {
			return req, n, err
		}
		req.Key = args[0]

	case CmdFlushAll:
		args, req.NoReply = trimNoReply(args)
		if len(args) > 1 {
			return req, n, errBadFormat
		}
		if len(args) == 1 {
			delay, err := strconv.ParseInt(string(args[0]), 10, 64)
			if err != nil || delay < 0 {
				return req, n, errBadFormat
			}
			req.Exptime = delay
		}

	case CmdVersion, CmdQuit:
		if len(args) != 0 {
			return req, n, errUnknownCommand
		}

	case CmdStats:
		req.Args = args
	}
	return req, n, nil
}

// parseStorage parses "<cmd> <key> <flags> <exptime> <bytes> [<cas>] [noreply]"
// followed by the data block. lineEnd is the offset behind the command line.
func (p *Parser) parseStorage(buf []byte, lineEnd int, req Request, args [][]byte) (Request, int, error) {
	args, req.NoReply = trimNoReply(args)

	want := 4
	if req.Command == CmdCas {
		want = 5
	}
	if len(args) != want {
		return req, lineEnd, errBadFormat
	}

	flags, err := strconv.ParseUint(string(args[1]), 10, 32)
	if err != nil {
		return req, lineEnd, errBadFormat
	}
	exptime, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return req, lineEnd, errBadFormat
	}
	size, err := strconv.ParseUint(string(args[3]), 10, 31)
	if err != nil {
		return req, lineEnd, errBadFormat
	}
	var cas uint64
	if req.Command == CmdCas {
		if cas, err = strconv.ParseUint(string(args[4]), 10, 64); err != nil {
			return req, lineEnd, errBadFormat
		}
	}
	if p.MaxValueBytes > 0 && int(size) > p.MaxValueBytes {
		return req, lineEnd, errTooLarge
	}

	end := lineEnd + int(size) + 2
	if len(buf) < end {
		return Request{}, 0, ErrIncomplete
	}
	if buf[end-2] != '\r' || buf[end-1] != '\n' {
		return req, end, errBadChunk
	}
	if err := checkKey(args[0]); err != nil {
		return req, end, err
	}

	req.Key = args[0]
	req.Flags = uint32(flags)
	req.Exptime = exptime
	req.Value = buf[lineEnd : lineEnd+int(size)]
	req.Cas = cas
	return req, end, nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// trimNoReply strips a trailing noreply argument
func trimNoReply(args [][]byte) ([][]byte, bool) {
	if len(args) > 0 && bytes.Equal(args[len(args)-1], noReply) {
		return args[:len(args)-1], true
	}
	return args, false
}

// checkKey rejects keys that are too long or contain control characters
func checkKey(key []byte) *Error {
	if len(key) > db.MaxKeyLen {
		return clientError("key too long (max %d bytes)", db.MaxKeyLen)
	}
	for _, c := range key {
		if c < 0x20 || c == 0x7f {
			return clientError("key contains control characters")
		}
	}
	return nil
}

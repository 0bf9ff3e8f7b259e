package protocol

import (
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// Command identifies a memcache text command
type Command uint8

const (
	CmdGet Command = iota + 1
	CmdGets
	CmdSet
	CmdAdd
	CmdReplace
	CmdCas
	CmdAppend
	CmdPrepend
	CmdIncr
	CmdDecr
	CmdDelete
	CmdFlushAll
	CmdVersion
	CmdStats
	CmdQuit
)

var commandNames = map[string]Command{
	"get":       CmdGet,
	"gets":      CmdGets,
	"set":       CmdSet,
	"add":       CmdAdd,
	"replace":   CmdReplace,
	"cas":       CmdCas,
	"append":    CmdAppend,
	"prepend":   CmdPrepend,
	"incr":      CmdIncr,
	"decr":      CmdDecr,
	"delete":    CmdDelete,
	"flush_all": CmdFlushAll,
	"version":   CmdVersion,
	"stats":     CmdStats,
	"quit":      CmdQuit,
}

var commandStrings = [...]string{
	CmdGet:      "get",
	CmdGets:     "gets",
	CmdSet:      "set",
	CmdAdd:      "add",
	CmdReplace:  "replace",
	CmdCas:      "cas",
	CmdAppend:   "append",
	CmdPrepend:  "prepend",
	CmdIncr:     "incr",
	CmdDecr:     "decr",
	CmdDelete:   "delete",
	CmdFlushAll: "flush_all",
	CmdVersion:  "version",
	CmdStats:    "stats",
	CmdQuit:     "quit",
}

func (c Command) String() string {
	if int(c) < len(commandStrings) && commandStrings[c] != "" {
		return commandStrings[c]
	}
	return "unknown"
}

// IsStorage reports whether the command carries a data block
func (c Command) IsStorage() bool {
	switch c {
	case CmdSet, CmdAdd, CmdReplace, CmdCas, CmdAppend, CmdPrepend:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Request
// --------------------------------------------------------------------------

// Request is one parsed command. Key, Keys, Value and Args alias the parse
// buffer and are only valid until the buffer is reused.
type Request struct {
	Command Command
	Key     []byte   // single key commands
	Keys    [][]byte // get and gets
	Flags   uint32
	Exptime int64 // raw exptime (storage) or delay (flush_all)
	Value   []byte
	Cas     uint64 // compare value of cas
	Delta   uint64 // incr and decr
	Args    [][]byte
	NoReply bool
}

// TTL converts the raw exptime of the request into a relative ttl at now.
//
// 0 means the object never expires. A negative exptime, or an absolute unix
// timestamp (any value above 30 days) in the past, yields a negative ttl: the
// object is expired at once.
func (r *Request) TTL(now time.Time) time.Duration {
	return ExptimeTTL(r.Exptime, now)
}

// maxRelativeExptime is the largest exptime interpreted as seconds from now
const maxRelativeExptime = 60 * 60 * 24 * 30

// ExptimeTTL converts a memcache exptime into a relative ttl
func ExptimeTTL(exptime int64, now time.Time) time.Duration {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return -time.Second
	case exptime > maxRelativeExptime:
		ttl := time.Unix(exptime, 0).Sub(now)
		if ttl <= 0 {
			return -time.Second
		}
		return ttl
	default:
		return time.Duration(exptime) * time.Second
	}
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ErrIncomplete is returned by Parse when the buffer does not yet hold a
// complete request
var ErrIncomplete = errors.New("incomplete request")

// ErrorKind is the response class of a protocol error
type ErrorKind uint8

const (
	// KindError answers "ERROR" (unknown or unsupported command)
	KindError ErrorKind = iota
	// KindClient answers "CLIENT_ERROR <msg>"
	KindClient
	// KindServer answers "SERVER_ERROR <msg>"
	KindServer
)

// Error is a request that can be answered but not executed
type Error struct {
	Kind ErrorKind
	Msg  string
	// Fatal errors close the session after the reply was sent
	Fatal bool
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindClient:
		return "CLIENT_ERROR " + e.Msg
	case KindServer:
		return "SERVER_ERROR " + e.Msg
	default:
		return "ERROR"
	}
}

func clientError(format string, args ...any) *Error {
	return &Error{Kind: KindClient, Msg: fmt.Sprintf(format, args...)}
}

var (
	errUnknownCommand = &Error{Kind: KindError}
	errBadFormat      = &Error{Kind: KindClient, Msg: "bad command line format"}
	errBadChunk       = &Error{Kind: KindClient, Msg: "bad data chunk"}
	errLineTooLong    = &Error{Kind: KindClient, Msg: "line too long", Fatal: true}
	errTooLarge       = &Error{Kind: KindServer, Msg: "object too large for cache", Fatal: true}
)

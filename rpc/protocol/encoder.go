package protocol

import (
	"errors"
	"strconv"

	"github.com/ValentinKolb/segcache/lib/db"
)

// Fixed replies
const (
	RespStored    = "STORED\r\n"
	RespNotStored = "NOT_STORED\r\n"
	RespExists    = "EXISTS\r\n"
	RespNotFound  = "NOT_FOUND\r\n"
	RespDeleted   = "DELETED\r\n"
	RespOK        = "OK\r\n"
	RespEnd       = "END\r\n"
	RespError     = "ERROR\r\n"
)

const crlf = "\r\n"

// --------------------------------------------------------------------------
// Encoder Functions
// --------------------------------------------------------------------------

// AppendValue appends "VALUE <key> <flags> <bytes>[ <cas>]\r\n<data>\r\n"
func AppendValue(dst []byte, item db.Item, withCas bool) []byte {
	dst = append(dst, "VALUE "...)
	dst = append(dst, item.Key...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(item.Flags), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(item.Value)), 10)
	if withCas {
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, item.Cas, 10)
	}
	dst = append(dst, crlf...)
	dst = append(dst, item.Value...)
	return append(dst, crlf...)
}

// AppendUint appends the numeric reply of incr and decr
func AppendUint(dst []byte, v uint64) []byte {
	dst = strconv.AppendUint(dst, v, 10)
	return append(dst, crlf...)
}

// AppendVersion appends "VERSION <version>"
func AppendVersion(dst []byte, version string) []byte {
	dst = append(dst, "VERSION "...)
	dst = append(dst, version...)
	return append(dst, crlf...)
}

// AppendStat appends one "STAT <name> <value>" line
func AppendStat(dst []byte, name, value string) []byte {
	dst = append(dst, "STAT "...)
	dst = append(dst, name...)
	dst = append(dst, ' ')
	dst = append(dst, value...)
	return append(dst, crlf...)
}

// AppendError appends the reply for a failed request.
//
// Cache errors map to their memcache replies: a rejected precondition answers
// NOT_STORED, NOT_FOUND or EXISTS, resource errors answer SERVER_ERROR. A
// non-numeric incr or decr answers ERROR. Unknown errors answer SERVER_ERROR
// with the error text.
func AppendError(dst []byte, err error) []byte {
	var perr *Error
	switch {
	case errors.As(err, &perr):
		dst = append(dst, perr.Error()...)
		return append(dst, crlf...)
	case errors.Is(err, db.ErrNotStored):
		return append(dst, RespNotStored...)
	case errors.Is(err, db.ErrNotFound):
		return append(dst, RespNotFound...)
	case errors.Is(err, db.ErrVersionMismatch):
		return append(dst, RespExists...)
	case errors.Is(err, db.ErrNotNumeric):
		return append(dst, RespError...)
	case errors.Is(err, db.ErrOutOfMemory):
		return append(dst, "SERVER_ERROR out of memory storing object\r\n"...)
	case errors.Is(err, db.ErrObjectTooLarge):
		return append(dst, "SERVER_ERROR object too large for cache\r\n"...)
	case errors.Is(err, db.ErrInvalidKey):
		return append(dst, "CLIENT_ERROR bad command line format\r\n"...)
	default:
		dst = append(dst, "SERVER_ERROR "...)
		dst = append(dst, err.Error()...)
		return append(dst, crlf...)
	}
}

// IsFatal reports whether err must close the session after it was answered
func IsFatal(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Fatal
}

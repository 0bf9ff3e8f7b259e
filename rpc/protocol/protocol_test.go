package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetrieval(t *testing.T) {
	req, n, err := Parse([]byte("gets a bb ccc\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, CmdGets, req.Command)
	require.Len(t, req.Keys, 3)
	assert.Equal(t, "ccc", string(req.Keys[2]))

	// trailing spaces are tolerated
	req, n, err = Parse([]byte("get 4 \r\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, [][]byte{[]byte("4")}, req.Keys)

	_, _, err = Parse([]byte("get\r\n"))
	assert.EqualError(t, err, "ERROR")
}

func TestParseStorage(t *testing.T) {
	buf := []byte("set k 42 100 5 noreply\r\nhello\r\nget k\r\n")
	req, n, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, CmdSet, req.Command)
	assert.Equal(t, "k", string(req.Key))
	assert.Equal(t, uint32(42), req.Flags)
	assert.Equal(t, int64(100), req.Exptime)
	assert.Equal(t, "hello", string(req.Value))
	assert.True(t, req.NoReply)

	req, m, err := Parse(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, CmdGet, req.Command)
	assert.Equal(t, len(buf), n+m)

	req, _, err = Parse([]byte("cas k 0 0 1 77\r\nx\r\n"))
	require.NoError(t, err)
	assert.Equal(t, CmdCas, req.Command)
	assert.Equal(t, uint64(77), req.Cas)
	assert.False(t, req.NoReply)
}

func TestParseIncomplete(t *testing.T) {
	full := "set key 0 0 10\r\n0123456789\r\n"
	for i := 0; i < len(full); i++ {
		_, n, err := Parse([]byte(full[:i]))
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
		assert.Zero(t, n)
	}
	_, n, err := Parse([]byte(full))
	require.NoError(t, err)
	assert.Equal(t, len(full), n)

	// an invalid trailing byte is only consumed once its line is complete
	_, _, err = Parse([]byte(" "))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in   string
		want string
		n    int
	}{
		{"bogus\r\n", "ERROR", 7},
		{"\r\n", "ERROR", 2},
		{"set k 0 0\r\n", "CLIENT_ERROR bad command line format", 11},
		{"set k x 0 1\r\na\r\n", "CLIENT_ERROR bad command line format", 13},
		{"set k 0 0 1\r\nab\r\n", "CLIENT_ERROR bad data chunk", 16},
		{"incr k abc\r\n", "CLIENT_ERROR invalid numeric delta argument", 12},
		{"delete\r\n", "CLIENT_ERROR bad command line format.  Usage: delete <key> [noreply]", 8},
		{"get a\x01b\r\n", "CLIENT_ERROR key contains control characters", 9},
		{"version now\r\n", "ERROR", 13},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, n, err := Parse([]byte(tt.in))
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
			assert.Equal(t, tt.n, n)
			assert.False(t, IsFatal(err))
		})
	}
}

func TestParseKeyTooLong(t *testing.T) {
	key := strings.Repeat("k", db.MaxKeyLen+1)
	in := fmt.Sprintf("set %s 0 0 1\r\nx\r\n", key)
	_, n, err := Parse([]byte(in))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "CLIENT_ERROR"))
	// the data block is skipped together with the command line
	assert.Equal(t, len(in), n)

	_, _, err = Parse([]byte("get " + strings.Repeat("k", db.MaxKeyLen) + "\r\n"))
	assert.NoError(t, err)
}

func TestParseLimits(t *testing.T) {
	p := Parser{MaxValueBytes: 4}
	_, _, err := p.Parse([]byte("set k 0 0 5\r\n"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, "SERVER_ERROR object too large for cache", err.Error())

	_, _, err = Parse([]byte(strings.Repeat("x", MaxLineLength+1)))
	assert.True(t, IsFatal(err))
}

func TestParseOtherCommands(t *testing.T) {
	req, _, err := Parse([]byte("delete k 0 noreply\r\n"))
	require.NoError(t, err)
	assert.Equal(t, CmdDelete, req.Command)
	assert.True(t, req.NoReply)

	req, _, err = Parse([]byte("decr k 18446744073709551615\r\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), req.Delta)

	req, _, err = Parse([]byte("flush_all 10\r\n"))
	require.NoError(t, err)
	assert.Equal(t, CmdFlushAll, req.Command)
	assert.Equal(t, int64(10), req.Exptime)

	req, _, err = Parse([]byte("append k 0 0 1\r\nx\r\n"))
	require.NoError(t, err)
	assert.Equal(t, CmdAppend, req.Command)
	assert.True(t, req.Command.IsStorage())

	req, _, err = Parse([]byte("stats settings\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "settings", string(req.Args[0]))
	assert.Equal(t, "stats", req.Command.String())
}

func TestExptimeTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, time.Duration(0), ExptimeTTL(0, now))
	assert.Equal(t, 10*time.Second, ExptimeTTL(10, now))
	assert.Less(t, ExptimeTTL(-1, now), time.Duration(0))
	assert.Equal(t, 30*24*time.Hour, ExptimeTTL(maxRelativeExptime, now))

	// absolute unix timestamps
	assert.Equal(t, time.Minute, ExptimeTTL(now.Unix()+60, now))
	assert.Less(t, ExptimeTTL(now.Unix()-60, now), time.Duration(0))
	assert.Less(t, ExptimeTTL(now.Unix(), now), time.Duration(0))
}

func TestAppendReplies(t *testing.T) {
	item := db.Item{Key: []byte("k"), Value: []byte("hello"), Flags: 3, Cas: 9}

	out := AppendValue(nil, item, false)
	out = AppendValue(out, item, true)
	out = append(out, RespEnd...)
	assert.Equal(t, "VALUE k 3 5\r\nhello\r\nVALUE k 3 5 9\r\nhello\r\nEND\r\n", string(out))

	assert.Equal(t, "42\r\n", string(AppendUint(nil, 42)))
	assert.Equal(t, "VERSION 1.0.0\r\n", string(AppendVersion(nil, "1.0.0")))
	assert.Equal(t, "STAT curr_items 7\r\n", string(AppendStat(nil, "curr_items", "7")))
}

func TestAppendError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{db.ErrNotStored, RespNotStored},
		{db.ErrNotFound, RespNotFound},
		{db.ErrVersionMismatch, RespExists},
		{db.ErrNotNumeric, RespError},
		{db.ErrOutOfMemory, "SERVER_ERROR out of memory storing object\r\n"},
		{fmt.Errorf("write: %w", db.ErrObjectTooLarge), "SERVER_ERROR object too large for cache\r\n"},
		{errBadChunk, "CLIENT_ERROR bad data chunk\r\n"},
		{errors.New("boom"), "SERVER_ERROR boom\r\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(AppendError(nil, tt.err)), tt.err.Error())
	}
}

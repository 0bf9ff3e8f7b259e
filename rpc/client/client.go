package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/transport"
	"github.com/ValentinKolb/segcache/rpc/transport/tcp"
	"github.com/ValentinKolb/segcache/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("client")

// ErrClosed is returned by requests on a closed client
var ErrClosed = errors.New("client closed")

// ServerError is a reply the client could not map to a cache error
// (ERROR, CLIENT_ERROR or an unknown SERVER_ERROR)
type ServerError struct {
	Reply string
}

func (e *ServerError) Error() string {
	return "server replied: " + e.Reply
}

// clientConnection is one session to the server.
// Requests on a connection are serialized by mu.
type clientConnection struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Client speaks the memcache text protocol.
//
// Thread-safety: All methods can be called concurrently. Requests are spread
// round robin over the configured number of connections.
type Client struct {
	config    common.ClientConfig
	connector transport.IClientConnector
	conns     []*clientConnection
	next      atomic.Uint64
	closed    atomic.Bool
}

// ConnectorFor picks the connector of an endpoint. Paths (a leading "/" or a
// ".sock" suffix) use unix sockets, everything else tcp.
func ConnectorFor(endpoint string) transport.IClientConnector {
	if strings.HasPrefix(endpoint, "/") || strings.HasSuffix(endpoint, ".sock") {
		return unix.NewUnixClientConnector()
	}
	return tcp.NewTCPClientConnector()
}

// New connects a client to config.Endpoint
func New(config common.ClientConfig) (*Client, error) {
	c := &Client{
		config:    config,
		connector: ConnectorFor(config.Endpoint),
		conns:     make([]*clientConnection, max(1, config.Connections)),
	}

	for i := range c.conns {
		c.conns[i] = &clientConnection{}
		if err := c.reconnect(c.conns[i]); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", config.Endpoint, err)
		}
	}

	Logger.Debugf("Connected %d %s connections to %s", len(c.conns), c.connector.GetName(), config.Endpoint)
	return c, nil
}

// Close closes all connections
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, cc := range c.conns {
		if cc == nil {
			continue
		}
		cc.mu.Lock()
		if cc.conn != nil {
			errs = append(errs, cc.conn.Close())
			cc.conn = nil
		}
		cc.mu.Unlock()
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// reconnect replaces the session of cc. The caller holds cc.mu or owns cc.
func (c *Client) reconnect(cc *clientConnection) error {
	if cc.conn != nil {
		_ = cc.conn.Close()
		cc.conn = nil
	}
	conn, err := c.connector.Connect(c.config.Endpoint, c.config.Timeout())
	if err != nil {
		return err
	}
	cc.conn = conn
	cc.r = bufio.NewReader(conn)
	cc.w = bufio.NewWriter(conn)
	return nil
}

// do runs one request on the next connection. Failed sessions are replaced
// and the request is retried once if the failure happened before a reply was
// read.
func (c *Client) do(request func(w *bufio.Writer) error, reply func(r *bufio.Reader) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	cc := c.conns[c.next.Add(1)%uint64(len(c.conns))]
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if c.closed.Load() {
			return ErrClosed
		}
		if cc.conn == nil || attempt > 0 {
			if err := c.reconnect(cc); err != nil {
				return err
			}
		}
		if timeout := c.config.Timeout(); timeout > 0 {
			_ = cc.conn.SetDeadline(time.Now().Add(timeout))
		}

		err := request(cc.w)
		if err == nil {
			err = cc.w.Flush()
		}
		if err != nil {
			lastErr = err
			Logger.Debugf("write to %s failed: %v", c.config.Endpoint, err)
			continue
		}

		err = reply(cc.r)
		var netErr net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
			// the session state is unknown, never reuse it
			_ = cc.conn.Close()
			cc.conn = nil
		}
		return err
	}
	return lastErr
}

// readLine reads one reply line without the trailing "\r\n"
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// replyError maps an error reply to an error
func replyError(line string) error {
	switch {
	case line == "NOT_STORED":
		return db.ErrNotStored
	case line == "NOT_FOUND":
		return db.ErrNotFound
	case line == "EXISTS":
		return db.ErrVersionMismatch
	case line == "SERVER_ERROR "+db.ErrObjectTooLarge.Error():
		return db.ErrObjectTooLarge
	case line == "SERVER_ERROR "+db.ErrOutOfMemory.Error():
		return db.ErrOutOfMemory
	default:
		return &ServerError{Reply: line}
	}
}

// expect reads one line and compares it with want
func expect(r *bufio.Reader, want string) error {
	line, err := readLine(r)
	if err != nil {
		return err
	}
	if line != want {
		return replyError(line)
	}
	return nil
}

func checkKey(key string) error {
	if !db.ValidKey([]byte(key)) || strings.ContainsAny(key, " \t\r\n") {
		return db.ErrInvalidKey
	}
	return nil
}

// --------------------------------------------------------------------------
// Retrieval
// --------------------------------------------------------------------------

// Get returns the item stored under key including its cas value.
// The boolean result is false on a miss.
func (c *Client) Get(key string) (db.Item, bool, error) {
	items, err := c.GetMulti(key)
	if err != nil {
		return db.Item{}, false, err
	}
	item, ok := items[key]
	return item, ok, nil
}

// GetMulti fetches several keys with one request. Misses are absent from the
// result.
func (c *Client) GetMulti(keys ...string) (map[string]db.Item, error) {
	if len(keys) == 0 {
		return map[string]db.Item{}, nil
	}
	for _, key := range keys {
		if err := checkKey(key); err != nil {
			return nil, err
		}
	}

	items := make(map[string]db.Item, len(keys))
	err := c.do(func(w *bufio.Writer) error {
		_, err := w.WriteString("gets " + strings.Join(keys, " ") + "\r\n")
		return err
	}, func(r *bufio.Reader) error {
		for {
			line, err := readLine(r)
			if err != nil {
				return err
			}
			if line == "END" {
				return nil
			}
			item, err := readValue(r, line)
			if err != nil {
				return err
			}
			items[string(item.Key)] = item
		}
	})
	return items, err
}

// readValue parses a "VALUE <key> <flags> <bytes> <cas>" header and its data block
func readValue(r *bufio.Reader, header string) (db.Item, error) {
	fields := strings.Fields(header)
	if len(fields) != 5 || fields[0] != "VALUE" {
		return db.Item{}, replyError(header)
	}
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return db.Item{}, fmt.Errorf("invalid flags in %q: %w", header, err)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil || size < 0 {
		return db.Item{}, fmt.Errorf("invalid size in %q", header)
	}
	cas, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return db.Item{}, fmt.Errorf("invalid cas in %q: %w", header, err)
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(r, data); err != nil {
		return db.Item{}, err
	}
	if data[size] != '\r' || data[size+1] != '\n' {
		return db.Item{}, fmt.Errorf("bad data chunk for %q", fields[1])
	}
	return db.Item{
		Key:   []byte(fields[1]),
		Value: data[:size],
		Flags: uint32(flags),
		Cas:   cas,
	}, nil
}

// --------------------------------------------------------------------------
// Storage
// --------------------------------------------------------------------------

// Set stores value under key. exptime follows the memcache rules: 0 never
// expires, up to 30 days is relative, larger values are unix timestamps.
func (c *Client) Set(key string, value []byte, flags uint32, exptime int64) error {
	return c.store("set", key, value, flags, exptime, 0)
}

// Add stores value only if key is absent, else db.ErrNotStored
func (c *Client) Add(key string, value []byte, flags uint32, exptime int64) error {
	return c.store("add", key, value, flags, exptime, 0)
}

// Replace stores value only if key is present, else db.ErrNotStored
func (c *Client) Replace(key string, value []byte, flags uint32, exptime int64) error {
	return c.store("replace", key, value, flags, exptime, 0)
}

// Cas stores value only if the cas value of key is still cas. It fails with
// db.ErrVersionMismatch or db.ErrNotFound.
func (c *Client) Cas(key string, value []byte, flags uint32, exptime int64, cas uint64) error {
	return c.store("cas", key, value, flags, exptime, cas)
}

func (c *Client) store(cmd, key string, value []byte, flags uint32, exptime int64, cas uint64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return c.do(func(w *bufio.Writer) error {
		line := fmt.Sprintf("%s %s %d %d %d", cmd, key, flags, exptime, len(value))
		if cmd == "cas" {
			line += " " + strconv.FormatUint(cas, 10)
		}
		_, _ = w.WriteString(line + "\r\n")
		_, _ = w.Write(value)
		_, err := w.WriteString("\r\n")
		return err
	}, func(r *bufio.Reader) error {
		return expect(r, "STORED")
	})
}

// --------------------------------------------------------------------------
// Arithmetic and deletion
// --------------------------------------------------------------------------

// Incr adds delta to the numeric value of key
func (c *Client) Incr(key string, delta uint64) (uint64, error) {
	return c.arithmetic("incr", key, delta)
}

// Decr subtracts delta from the numeric value of key, stopping at 0
func (c *Client) Decr(key string, delta uint64) (uint64, error) {
	return c.arithmetic("decr", key, delta)
}

func (c *Client) arithmetic(cmd, key string, delta uint64) (uint64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	var value uint64
	err := c.do(func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "%s %s %d\r\n", cmd, key, delta)
		return err
	}, func(r *bufio.Reader) error {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if line == "ERROR" {
			return db.ErrNotNumeric
		}
		if value, err = strconv.ParseUint(line, 10, 64); err != nil {
			return replyError(line)
		}
		return nil
	})
	return value, err
}

// Delete removes key. The result reports whether the key was present.
func (c *Client) Delete(key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	deleted := false
	err := c.do(func(w *bufio.Writer) error {
		_, err := w.WriteString("delete " + key + "\r\n")
		return err
	}, func(r *bufio.Reader) error {
		err := expect(r, "DELETED")
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		deleted = err == nil
		return err
	})
	return deleted, err
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// FlushAll invalidates all items, after delay seconds if delay is positive
func (c *Client) FlushAll(delay int64) error {
	return c.do(func(w *bufio.Writer) error {
		if delay > 0 {
			_, err := fmt.Fprintf(w, "flush_all %d\r\n", delay)
			return err
		}
		_, err := w.WriteString("flush_all\r\n")
		return err
	}, func(r *bufio.Reader) error {
		return expect(r, "OK")
	})
}

// Version returns the version of the server
func (c *Client) Version() (string, error) {
	var version string
	err := c.do(func(w *bufio.Writer) error {
		_, err := w.WriteString("version\r\n")
		return err
	}, func(r *bufio.Reader) error {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		var ok bool
		if version, ok = strings.CutPrefix(line, "VERSION "); !ok {
			return replyError(line)
		}
		return nil
	})
	return version, err
}

// Stats returns the STAT lines of the server by name
func (c *Client) Stats() (map[string]string, error) {
	stats := make(map[string]string)
	err := c.do(func(w *bufio.Writer) error {
		_, err := w.WriteString("stats\r\n")
		return err
	}, func(r *bufio.Reader) error {
		for {
			line, err := readLine(r)
			if err != nil {
				return err
			}
			if line == "END" {
				return nil
			}
			rest, ok := strings.CutPrefix(line, "STAT ")
			if !ok {
				return replyError(line)
			}
			name, value, _ := strings.Cut(rest, " ")
			stats[name] = value
		}
	})
	return stats, err
}

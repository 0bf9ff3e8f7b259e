package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// sessionMetrics are the VictoriaMetrics counters of one listener
type sessionMetrics struct {
	accepted *metrics.Counter
	closed   *metrics.Counter
	current  *metrics.Counter
	rejected *metrics.Counter
}

func newSessionMetrics(name string) sessionMetrics {
	return sessionMetrics{
		accepted: metrics.GetOrCreateCounter(fmt.Sprintf(`segcache_sessions_accepted_total{listener=%q}`, name)),
		closed:   metrics.GetOrCreateCounter(fmt.Sprintf(`segcache_sessions_closed_total{listener=%q}`, name)),
		current:  metrics.GetOrCreateCounter(fmt.Sprintf(`segcache_sessions_current{listener=%q}`, name)),
		rejected: metrics.GetOrCreateCounter(fmt.Sprintf(`segcache_sessions_buffer_overflow_total{listener=%q}`, name)),
	}
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	name      string
	connector IServerConnector
	handler   transport.ServerHandleFunc
	config    common.ServerConfig

	maxBuffer int
	sem       *semaphore.Weighted
	sessions  *xsync.MapOf[uint64, net.Conn]
	nextID    atomic.Uint64
	wg        sync.WaitGroup

	bufferPool *sync.Pool
	metrics    sessionMetrics
	acceptLog  rate.Sometimes
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport.
//
// name labels the session metrics of the listener. At most
// config.MaxConnections sessions are served at once, further connections wait
// in the accept queue. The buffer of a session starts at config.BufferSize and
// grows up to maxBuffer bytes for requests with large data blocks.
func NewBaseServerTransport(name string, connector IServerConnector, config common.ServerConfig, maxBuffer int) transport.IServerTransport {
	bufferSize := max(config.BufferSize, 1024)
	return &serverTransport{
		name:      name,
		connector: connector,
		config:    config,
		maxBuffer: max(maxBuffer, bufferSize),
		sem:       semaphore.NewWeighted(max(config.MaxConnections, 1)),
		sessions:  xsync.NewMapOf[uint64, net.Conn](),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, bufferSize)
				return &buf
			},
		},
		metrics:   newSessionMetrics(name),
		acceptLog: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Sessions() int {
	return t.sessions.Size()
}

func (t *serverTransport) Listen(ctx context.Context, endpoint string) error {
	if t.handler == nil {
		return fmt.Errorf("%s listener %s: no handler registered", t.connector.GetName(), t.name)
	}

	// Create listener using the connector
	listener, err := t.connector.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	Logger.Infof("Starting %s listener %s on %s (max %d sessions)",
		t.connector.GetName(), t.name, listener.Addr(), t.config.MaxConnections)

	// close the listener and all sessions on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
		t.sessions.Range(func(_ uint64, conn net.Conn) bool {
			_ = conn.Close()
			return true
		})
	})
	defer stop()

	for {
		// Acquire a session slot (blocks while MaxConnections sessions are open)
		if err := t.sem.Acquire(ctx, 1); err != nil {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			t.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			t.acceptLog.Do(func() { Logger.Errorf("Accept error: %v", err) })
			continue
		}

		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		}

		id := t.nextID.Add(1)
		t.sessions.Store(id, conn)
		t.metrics.accepted.Inc()
		t.metrics.current.Inc()

		// a session accepted while shutting down is closed at once
		if ctx.Err() != nil {
			_ = conn.Close()
		}

		t.wg.Add(1)
		go t.handleConnection(id, conn)
	}

	// Wait for all sessions to finish
	t.wg.Wait()
	Logger.Infof("Stopped %s listener %s", t.connector.GetName(), t.name)
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection serves one session: it reads into the session buffer,
// lets the handler execute every complete request and writes all replies of
// one read with a single write.
func (t *serverTransport) handleConnection(id uint64, conn net.Conn) {
	in := t.bufferPool.Get().(*[]byte)
	out := t.bufferPool.Get().(*[]byte)

	defer func() {
		_ = conn.Close()
		t.sessions.Delete(id)
		t.putBuffer(in)
		t.putBuffer(out)
		t.metrics.current.Dec()
		t.metrics.closed.Inc()
		t.sem.Release(1)
		t.wg.Done()
	}()

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	for {
		// make room for the next read
		buf, ok := ensureSpace(*in, t.maxBuffer)
		if !ok {
			t.metrics.rejected.Inc()
			Logger.Warningf("Session %d from %s exceeded the buffer limit of %d bytes", id, conn.RemoteAddr(), t.maxBuffer)
			return
		}
		*in = buf

		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		n, readErr := conn.Read(buf[len(buf):cap(buf)])
		*in = buf[:len(buf)+n]

		if n > 0 {
			consumed, resp, closeSession := t.handler(*in, (*out)[:0])
			*out = resp

			if len(resp) > 0 {
				if timeout > 0 {
					if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
						Logger.Errorf("Failed to set write deadline: %v", err)
						return
					}
				}
				if _, err := conn.Write(resp); err != nil {
					Logger.Debugf("Failed to write response to %s: %v", conn.RemoteAddr(), err)
					return
				}
			}
			if closeSession {
				return
			}

			// keep the unconsumed tail for the next round
			*in = (*in)[:copy(*in, (*in)[consumed:])]
		}

		if readErr != nil {
			// Case EOF: Connection closed by client
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
				Logger.Debugf("Session %d closed", id)
			} else {
				Logger.Debugf("Session %d read error: %v", id, readErr)
			}
			return
		}
	}
}

// putBuffer returns a session buffer to the pool unless it grew beyond the
// configured size
func (t *serverTransport) putBuffer(buf *[]byte) {
	if cap(*buf) > max(t.config.BufferSize, 1024) {
		return
	}
	*buf = (*buf)[:0]
	t.bufferPool.Put(buf)
}

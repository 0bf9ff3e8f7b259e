package server

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"os/signal"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/protocol"
	"github.com/ValentinKolb/segcache/rpc/transport"
	adminhttp "github.com/ValentinKolb/segcache/rpc/transport/http"
	"github.com/ValentinKolb/segcache/rpc/transport/tcp"
	"github.com/ValentinKolb/segcache/rpc/transport/unix"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("rpc")

const (
	// adminBufferSize bounds the session buffer of the admin text port
	adminBufferSize = 64 << 10
)

// CacheServer serves a db.ICache over the memcache text protocol.
//
// Besides the cache port it optionally runs the admin text port (stats,
// version, flush_all, quit) and the admin HTTP endpoint.
type CacheServer struct {
	config    common.ServerConfig
	cache     db.ICache
	transport transport.IServerTransport
	admin     transport.IServerTransport
	adminHTTP *adminhttp.AdminServer
	parser    protocol.Parser

	commands *commandMetrics
	statsSet *metrics.Set
	started  time.Time
	closed   atomic.Bool

	flushMu    sync.Mutex
	flushTimer *time.Timer

	protocolLog rate.Sometimes
}

// MaxRequestBytes returns the largest request a session buffers. Values up
// to twice the max value size are read and rejected by the cache with
// "SERVER_ERROR object too large for cache", larger ones end the session.
func MaxRequestBytes(config common.ServerConfig) int {
	return maxValueBytes(config) + protocol.MaxLineLength + 2
}

func maxValueBytes(config common.ServerConfig) int {
	return max(2*config.Engine.MaxValueSize, 1<<20)
}

// NewTransport creates the server transport of the cache port
func NewTransport(config common.ServerConfig) (transport.IServerTransport, error) {
	switch config.Transport {
	case "tcp":
		return tcp.NewTCPServerTransport("cache", config, MaxRequestBytes(config)), nil
	case "unix":
		return unix.NewUnixServerTransport("cache", config, MaxRequestBytes(config)), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", config.Transport)
	}
}

// NewCacheServer creates a new cache server
// It takes a config, the cache and the transport of the cache port as parameters
//
// Usage:
//
//	t, err := server.NewTransport(config)
//	...
//	s := server.NewCacheServer(config, cache, t)
//	if err := s.Serve(ctx); err != nil {
//		return err
//	}
func NewCacheServer(config common.ServerConfig, cache db.ICache, t transport.IServerTransport) *CacheServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &CacheServer{
		config:      config,
		cache:       cache,
		transport:   t,
		parser:      protocol.Parser{MaxValueBytes: maxValueBytes(config)},
		commands:    newCommandMetrics(),
		statsSet:    metrics.NewSet(),
		started:     time.Now(),
		protocolLog: rate.Sometimes{Interval: 10 * time.Second},
	}

	t.RegisterHandler(s.sessionHandler(NewCacheServerAdapter(s)))

	if config.AdminEndpoint != "" {
		s.admin = tcp.NewTCPServerTransport("admin", config, adminBufferSize)
		s.admin.RegisterHandler(s.sessionHandler(NewAdminServerAdapter(s)))
	}

	if config.AdminHTTPEndpoint != "" {
		s.adminHTTP = adminhttp.NewAdminServer(adminhttp.AdminHandlers{
			Stats:    func() any { return s.Stats() },
			Health:   s.health,
			FlushAll: func() { s.flushAll(0) },
			Metrics:  s.writeMetrics,
		}, config.LogLevel == "debug")
	}

	Logger.Infof("Created cache server")
	Logger.Infof(config.String())
	return s
}

// Serve runs all listeners until ctx is cancelled or one of them fails, then
// closes the cache.
func (s *CacheServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.transport.Listen(ctx, s.config.Endpoint)
	})
	if s.admin != nil {
		g.Go(func() error {
			return s.admin.Listen(ctx, s.config.AdminEndpoint)
		})
	}
	if s.adminHTTP != nil {
		g.Go(func() error {
			return s.adminHTTP.Listen(ctx, s.config.AdminHTTPEndpoint)
		})
	}

	err := g.Wait()
	s.shutdown()
	if err != nil {
		return fmt.Errorf("cache server: %w", err)
	}
	return nil
}

// shutdown stops pending flushes and closes the cache
func (s *CacheServer) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushMu.Unlock()

	if err := s.cache.Close(); err != nil && !errors.Is(err, db.ErrClosed) {
		Logger.Errorf("failed to close cache: %v", err)
	}
	s.commands.stop()
	Logger.Infof("cache server stopped")
}

// health reports whether the server accepts requests
func (s *CacheServer) health() error {
	if s.closed.Load() {
		return db.ErrClosed
	}
	return nil
}

// flushAll flushes the cache after delay. A later flush replaces a pending one.
func (s *CacheServer) flushAll(delay time.Duration) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if delay <= 0 {
		s.cache.FlushAll()
		return
	}
	Logger.Infof("flush_all scheduled in %s", delay)
	s.flushTimer = time.AfterFunc(delay, s.cache.FlushAll)
}

// --------------------------------------------------------------------------
// Session handling
// --------------------------------------------------------------------------

// sessionHandler returns the transport handler that parses the session
// buffer and executes every complete request with adapter
func (s *CacheServer) sessionHandler(adapter IServerAdapter) transport.ServerHandleFunc {
	listener := adapter.Name()

	return func(in, out []byte) (int, []byte, bool) {
		consumed := 0
		for consumed < len(in) {
			req, n, err := s.parser.Parse(in[consumed:])
			if errors.Is(err, protocol.ErrIncomplete) {
				break
			}
			consumed += n

			if err != nil {
				s.commands.protocolError()
				s.protocolLog.Do(func() {
					Logger.Debugf("%s: invalid request: %v", listener, err)
				})
				out = protocol.AppendError(out, err)
				if protocol.IsFatal(err) {
					return consumed, out, true
				}
				continue
			}

			if req.Command == protocol.CmdQuit {
				return consumed, out, true
			}

			start := time.Now()
			mark := len(out)
			out = adapter.Handle(&req, out)
			if req.NoReply {
				out = out[:mark]
			}
			s.commands.observe(listener, req.Command, start)
		}
		return consumed, out, false
	}
}

// Package server implements a null sink audio server. Playback streams are
// consumed at the rate of their sample spec and discarded, record streams
// produce silence and uploads are kept in memory as samples.
package server

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/config"
	"github.com/AutoMQ/audiostream/pkg/util/logutil"
)

var (
	// ErrServerClosed is returned by the Server's Serve method after a call to Shutdown.
	ErrServerClosed = errors.New("server closed")
	// ErrNoStream is returned by Kill for an unknown stream index.
	ErrNoStream = errors.New("no such stream")
)

// Server is a null sink server
type Server struct {
	cfg   config.Server
	clock clockwork.Clock

	ctx context.Context
	lg  *zap.Logger

	streams   cmap.ConcurrentMap[uint32, *streamEntry]
	samples   cmap.ConcurrentMap[string, *Sample]
	nextIndex atomic.Uint32

	metrics *Metrics

	// closing is set once by Shutdown, which then closes done
	closing atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	listeners map[*listener]struct{}
	conns     map[*conn]struct{}
	serving   sync.WaitGroup
	active    sync.WaitGroup
}

// NewServer creates a server. A nil cfg means the defaults.
func NewServer(ctx context.Context, cfg *config.Server, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.NewServer()
	}
	s := &Server{
		cfg:       *cfg,
		clock:     clockwork.NewRealClock(),
		ctx:       ctx,
		streams:   cmap.NewWithCustomShardingFunction[uint32, *streamEntry](func(key uint32) uint32 { return key }),
		samples:   cmap.New[*Sample](),
		lg:        logutil.OrNop(logger),
		done:      make(chan struct{}),
		listeners: make(map[*listener]struct{}),
		conns:     make(map[*conn]struct{}),
	}
	s.cfg.Adjust()
	return s
}

// SetMetrics makes the server report to m. It must be called before serving.
func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
}

// Serve serves every connection accepted on l in its own goroutine until l
// fails or the server shuts down. It closes l and returns ErrServerClosed
// after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	ln := &listener{Listener: l}
	defer func() { _ = ln.Close() }()
	if !s.addListener(ln) {
		return ErrServerClosed
	}
	defer s.removeListener(ln)

	var delay time.Duration
	for {
		rw, err := ln.Accept()
		if err != nil {
			if s.closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				return err
			}
			delay = nextAcceptDelay(delay)
			s.lg.Error("listener accept failed", zap.Duration("retry-in", delay), zap.Error(err))
			select {
			case <-s.clock.After(delay):
			case <-s.done:
			}
			continue
		}
		delay = 0

		c := s.newConn(rw)
		if !s.addConn(c) {
			_ = rw.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.removeConn(c)
			c.serve()
		}()
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it
// until the connection ends. Every binary message carries whole frames.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.cfg.WebSocketInsecure})
	if err != nil {
		s.lg.Warn("failed to accept websocket", zap.String("remote-addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := s.newConn(websocket.NetConn(s.ctx, ws, websocket.MessageBinary))
	if !s.addConn(c) {
		_ = ws.Close(websocket.StatusGoingAway, ErrServerClosed.Error())
		return
	}
	defer s.removeConn(c)
	c.serve()
}

// Shutdown stops accepting, then lets every connection write what it has
// queued and close. It returns ctx.Err() if ctx ends first. A server that
// was shut down cannot serve again.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		s.lg.Warn("server is already shutting down")
		return nil
	}
	s.lg.Info("start to close server")
	close(s.done)

	s.mu.Lock()
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.mu.Unlock()
	s.serving.Wait()

	s.mu.Lock()
	for c := range s.conns {
		c.startGracefulShutdown()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.lg.Info("server closed", zap.Error(err))
	return err
}

// StreamInfo describes a stream open on the server
type StreamInfo struct {
	Index     uint32
	Client    string
	Name      string
	Direction client.Direction
	Channel   uint32
}

// Streams returns the open streams ordered by index
func (s *Server) Streams() []StreamInfo {
	infos := make([]StreamInfo, 0, s.streams.Count())
	s.streams.IterCb(func(_ uint32, e *streamEntry) {
		infos = append(infos, e.info())
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos
}

// Kill removes the stream with the given index and tells its client so
func (s *Server) Kill(index uint32) error {
	e, ok := s.streams.Get(index)
	if !ok {
		return errors.WithMessagef(ErrNoStream, "index %d", index)
	}
	if !e.conn.run(func() { e.conn.kill(e) }) {
		return errors.WithMessagef(ErrNoStream, "index %d closed", index)
	}
	return nil
}

// Sample returns a sample stored by an upload stream
func (s *Server) Sample(name string) (*Sample, bool) {
	return s.samples.Get(name)
}

func (s *Server) register(e *streamEntry) {
	e.index = s.nextIndex.Add(1) - 1
	s.streams.Set(e.index, e)
	s.metrics.streamOpened(e.direction)
}

func (s *Server) unregister(e *streamEntry) {
	if _, ok := s.streams.Pop(e.index); ok {
		s.metrics.streamClosed(e.direction)
	}
}

func (s *Server) newConn(rwc net.Conn) *conn {
	c := &conn{
		server:      s,
		rwc:         rwc,
		doneServing: make(chan struct{}),
		readFrameCh: make(chan frameReadResult),
		serveMsgCh:  make(chan *serverMessage, 1),
		runCh:       make(chan func()),
		playback:    make(map[uint32]*playbackStream),
		record:      make(map[uint32]*recordStream),
		uploads:     make(map[uint32]*uploadStream),
		lg:          s.lg.With(zap.String("remote-addr", addrString(rwc.RemoteAddr()))),
	}
	c.framer = newFramer(rwc, c.lg)
	c.ctx, c.cancelCtx = context.WithCancel(s.ctx)
	return c
}

// closed reports whether Shutdown was called or the server context ended
func (s *Server) closed() bool {
	select {
	case <-s.done:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Server) addListener(ln *listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.lg.Info("add listener", zap.String("addr", ln.Addr().String()))
	s.listeners[ln] = struct{}{}
	s.serving.Add(1)
	return true
}

func (s *Server) removeListener(ln *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lg.Info("delete listener", zap.String("addr", ln.Addr().String()))
	delete(s.listeners, ln)
	s.serving.Done()
}

// addConn is false once the server is shutting down
func (s *Server) addConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	c.lg.Info("add conn")
	s.conns[c] = struct{}{}
	s.active.Add(1)
	s.metrics.connOpened()
	return true
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.lg.Info("delete conn")
	delete(s.conns, c)
	s.active.Done()
	s.metrics.connClosed()
}

const (
	_acceptRetryMin = 5 * time.Millisecond
	_acceptRetryMax = time.Second
)

// nextAcceptDelay doubles the wait after a failed accept, within
// [_acceptRetryMin, _acceptRetryMax]
func nextAcceptDelay(d time.Duration) time.Duration {
	return min(max(2*d, _acceptRetryMin), _acceptRetryMax)
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}

// listener is closed by both Serve and Shutdown, only the first Close reaches
// the wrapped listener
type listener struct {
	net.Listener
	once sync.Once
	err  error
}

func (l *listener) Close() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return l.err
}

package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/config"
	"github.com/AutoMQ/audiostream/pkg/util/logutil"
	"github.com/AutoMQ/audiostream/pkg/util/netutil"
)

const (
	_shutdownTimeout   = 5 * time.Second // timeout when shutting down servers
	_readHeaderTimeout = 5 * time.Second
)

// Service runs a Server on every configured address, together with the
// WebSocket and metrics HTTP endpoints
type Service struct {
	started atomic.Bool // true between Start and Close

	cfg *config.Config

	ctx    context.Context
	server *Server

	listeners   []net.Listener
	httpServers []*http.Server
	wg          sync.WaitGroup

	lg *zap.Logger
}

// NewService creates a service that is not listening yet
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger) *Service {
	logger = logutil.OrNop(logger)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		server: NewServer(ctx, cfg.Server, logger),
		lg:     logger,
	}
}

// Server returns the server handling client connections
func (s *Service) Server() *Server {
	return s.server
}

// Start listens on the configured addresses. Nothing is left listening if it fails.
func (s *Service) Start() error {
	if s.started.Swap(true) {
		s.lg.Warn("service already started")
		return nil
	}

	if addr := s.cfg.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.server.SetMetrics(NewMetrics(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := s.startHTTP(addr, mux); err != nil {
			s.stop()
			return errors.WithMessage(err, "start metrics endpoint")
		}
	}

	for _, a := range s.cfg.Server.ListenAddresses() {
		addr, err := netutil.ParseAddress(a)
		if err != nil {
			s.stop()
			return errors.WithMessagef(err, "listen address %q", a)
		}
		l, err := netutil.Listen(addr)
		if err != nil {
			s.stop()
			return err
		}
		s.listeners = append(s.listeners, l)
	}

	if addr := s.cfg.Server.WebSocketListen; addr != "" {
		if err := s.startHTTP(addr, s.server); err != nil {
			s.stop()
			return errors.WithMessage(err, "start websocket endpoint")
		}
	}

	s.wg.Add(len(s.listeners))
	for _, l := range s.listeners {
		go s.serve(l)
	}
	return nil
}

func (s *Service) serve(l net.Listener) {
	defer s.wg.Done()
	logger := s.lg.With(zap.String("listener-addr", l.Addr().String()))
	defer logutil.LogPanic(logger)

	logger.Info("server started")
	if err := s.server.Serve(l); err != nil && !errors.Is(err, ErrServerClosed) {
		logger.Error("server failed", zap.Error(err))
	}
}

func (s *Service) startHTTP(addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: _readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.httpServers = append(s.httpServers, hs)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger := s.lg.With(zap.String("http-addr", l.Addr().String()))
		logger.Info("http server started")
		if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addrs returns the addresses the service listens on for clients, in the
// order of the configuration
func (s *Service) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// IsClosed checks whether the service is closed or not
func (s *Service) IsClosed() bool {
	return !s.started.Load()
}

// Close stops listening and closes every connection
func (s *Service) Close() {
	if !s.started.Swap(false) {
		// service is already closed
		return
	}

	logger := s.lg
	logger.Info("closing service")
	s.stop()
	logger.Info("service closed")
}

func (s *Service) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), _shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.lg.Error("failed to shut down server", zap.Error(err))
	}
	// listeners not served yet are not closed by Shutdown
	for _, l := range s.listeners {
		_ = l.Close()
	}
	for _, hs := range s.httpServers {
		if err := hs.Shutdown(ctx); err != nil {
			s.lg.Error("failed to shut down http server", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.started.Store(false)
}

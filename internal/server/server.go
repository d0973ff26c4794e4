// Package server exposes proxies to miners. HTTP miners use the burst API and
// line-JSON miners hold a TCP session; both share one listening port.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soheilhy/cmux"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/proxy"
	"github.com/bardlex/roundproxy/internal/stratum"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

// Proxy is what the server needs from a proxy endpoint.
type Proxy interface {
	Name() string
	GetMiningInfo() *mining.MiningInfo
	SubmitNonce(ctx context.Context, raw mining.RawSubmission, meta mining.MinerMeta) *mining.SubmitResult
	TouchMiner(meta mining.MinerMeta)
	OnRoundActivated(fn func(*mining.MiningInfo))
	Miners() []mining.Miner
	TotalCapacity() float64
	Upstreams() []proxy.Upstream
}

// Option customizes a Server.
type Option func(*Server)

// WithTimeouts sets the line session read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// Server serves every configured proxy.
type Server struct {
	logger       *log.Logger
	proxies      map[string]Proxy
	order        []string
	readTimeout  time.Duration
	writeTimeout time.Duration

	engine *gin.Engine

	lnMu   sync.Mutex
	http   *http.Server
	ln     net.Listener
	closed bool

	mu       sync.RWMutex
	sessions map[string]map[string]*stratum.Session
	nextID   uint64

	wg sync.WaitGroup
}

// New creates a server for proxies. Line miners that do not name a proxy
// use the first one.
func New(logger *log.Logger, proxies []Proxy, opts ...Option) *Server {
	s := &Server{
		logger:       logger.WithComponent("server"),
		proxies:      make(map[string]Proxy, len(proxies)),
		readTimeout:  5 * time.Minute,
		writeTimeout: 10 * time.Second,
		sessions:     make(map[string]map[string]*stratum.Session),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range proxies {
		name := p.Name()
		s.proxies[name] = p
		s.order = append(s.order, name)
		s.sessions[name] = make(map[string]*stratum.Session)
		p.OnRoundActivated(func(info *mining.MiningInfo) { s.broadcast(name, info) })
	}

	s.engine = s.routes()
	return s
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe listens on addr and serves until ctx ends or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "listen", "failed to listen").
			WithContext("address", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve splits ln between the HTTP API and line-JSON sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := cmux.New(ln)
	httpL := mux.Match(cmux.HTTP1Fast())
	lineL := mux.Match(cmux.Any())
	httpSrv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.lnMu.Lock()
	if s.closed {
		s.lnMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.http = httpSrv
	s.wg.Add(2)
	s.lnMu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := httpSrv.Serve(httpL); err != nil && !isClosed(err) {
			s.logger.WithError(err).Error("http server stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLines(ctx, lineL)
	}()

	s.logger.Info("server listening", "address", ln.Addr().String(), "proxies", strings.Join(s.order, ","))

	errCh := make(chan error, 1)
	go func() { errCh <- mux.Serve() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if isClosed(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeNetwork, "serve", "listener failed")
	}
}

func (s *Server) acceptLines(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Shutdown stops accepting, closes sessions and waits for handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.lnMu.Lock()
	s.closed = true
	httpSrv, ln := s.http, s.ln
	s.lnMu.Unlock()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("http shutdown incomplete")
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !isClosed(err) {
			s.logger.WithError(err).Warn("failed to close listener")
		}
	}

	s.mu.RLock()
	for _, sessions := range s.sessions {
		for _, session := range sessions {
			session.Close()
		}
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// proxy resolves name, or the first proxy when name is empty.
func (s *Server) proxy(name string) (Proxy, bool) {
	if name == "" && len(s.order) > 0 {
		name = s.order[0]
	}
	p, ok := s.proxies[name]
	return p, ok
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed)
}

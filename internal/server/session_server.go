package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/metrics"
	"github.com/devrev/lakelink/internal/protocol"
	"github.com/devrev/lakelink/internal/service"
)

// ErrServerClosed is returned by Serve after Shutdown
var ErrServerClosed = stderrors.New("server: closed")

// Dispatcher answers one decoded request
type Dispatcher interface {
	Dispatch(ctx context.Context, session *service.ScanSession, req protocol.Request) protocol.Response
}

// SessionServerConfig holds configuration for the session server
type SessionServerConfig struct {
	Network        string
	Address        string
	MaxConnections int
}

// SessionServer accepts client connections and runs one request loop per
// connection
type SessionServer struct {
	cfg        *SessionServerConfig
	dispatcher Dispatcher
	scope      *service.ScanScope
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	slots    chan struct{}
}

// NewSessionServer creates a new session server
func NewSessionServer(cfg *SessionServerConfig, dispatcher Dispatcher, scope *service.ScanScope, m *metrics.Metrics, logger *zap.Logger) *SessionServer {
	s := &SessionServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		scope:      scope,
		metrics:    m,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen binds the configured address. A stale unix socket file left by a
// previous process is removed first.
func Listen(network, address string) (net.Listener, error) {
	if network == "unix" {
		if dir := filepath.Dir(address); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create socket directory: %w", err)
			}
		}
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return ln, nil
}

// ListenAndServe binds the configured address and serves it
func (s *SessionServer) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called. ctx is the root
// context of every request handled by the server.
func (s *SessionServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Session server listening",
		zap.String("network", ln.Addr().Network()),
		zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Temporary accept error", zap.Error(err))
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !s.acquireSlot() {
			s.logger.Warn("Connection limit reached, rejecting connection",
				zap.Int("max_connections", s.cfg.MaxConnections))
			conn.Close()
			continue
		}

		if !s.track(conn) {
			s.releaseSlot()
			conn.Close()
			return ErrServerClosed
		}

		go s.handleConn(ctx, conn)
	}
}

// Shutdown stops accepting connections and waits for the open sessions to
// end. When ctx expires first, the remaining connections are closed.
func (s *SessionServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout exceeded, closing open sessions",
			zap.Int("sessions", s.ActiveConnections()))
		s.closeConns()
		<-done
	}

	if err != nil && !stderrors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// ActiveConnections returns the number of open sessions
func (s *SessionServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the bound address, or nil before Serve
func (s *SessionServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn runs the request loop of one connection. It returns when the
// peer disconnects, a frame is malformed or the connection is closed.
func (s *SessionServer) handleConn(ctx context.Context, conn net.Conn) {
	session := s.scope.Open()
	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}

	defer func() {
		released := session.Close()
		conn.Close()
		s.untrack(conn)
		s.releaseSlot()
		if s.metrics != nil {
			s.metrics.RecordConnectionClosed()
		}
		if released > 0 {
			s.logger.Debug("Released scans of closed session", zap.Int("scans", released))
		}
	}()

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			s.endSession(err, "read")
			return
		}

		resp := s.dispatcher.Dispatch(ctx, session, req)

		if err := protocol.WriteResponse(conn, resp); err != nil {
			s.endSession(err, "write")
			return
		}
	}
}

func (s *SessionServer) endSession(err error, stage string) {
	switch {
	case protocol.IsDisconnect(err), s.isClosed() && stderrors.Is(err, net.ErrClosed):
		s.logger.Debug("Client disconnected", zap.String("stage", stage))
	case protocol.IsProtocolError(err):
		if s.metrics != nil {
			s.metrics.RecordProtocolError()
		}
		s.logger.Warn("Protocol error, closing connection",
			zap.String("stage", stage),
			zap.Error(err))
	default:
		s.logger.Warn("Connection failed",
			zap.String("stage", stage),
			zap.Error(err))
	}
}

func (s *SessionServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *SessionServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *SessionServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *SessionServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SessionServer) acquireSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SessionServer) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

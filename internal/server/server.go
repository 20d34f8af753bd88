// Package server accepts client connections on a single port, tells raw TCP
// clients apart from WebSocket upgrades, and hands both to a chat.Pool.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/transport/tcp"
	"github.com/omochice/roomchat/internal/transport/ws"
)

const (
	defaultWebSocketPath    = "/ws"
	defaultHandshakeTimeout = 10 * time.Second
)

// Server is the connection acceptor.
type Server struct {
	pool             *chat.Pool
	logger           *zap.Logger
	wsPath           string
	wsEnabled        bool
	handshakeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWebSocketPath sets the request path accepted for WebSocket upgrades.
func WithWebSocketPath(path string) Option {
	return func(s *Server) {
		s.wsPath = path
	}
}

// WithoutWebSocket treats every connection as a raw TCP client.
func WithoutWebSocket() Option {
	return func(s *Server) {
		s.wsEnabled = false
	}
}

// WithHandshakeTimeout bounds the time between accept and a connection being
// assigned to a slot.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

// New creates a Server handing connections to pool.
func New(pool *chat.Pool, opts ...Option) *Server {
	s := &Server{
		pool:             pool,
		logger:           zap.NewNop(),
		wsPath:           defaultWebSocketPath,
		wsEnabled:        true,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled, then closes
// ln and waits for every connection it started to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("websocket", s.wsEnabled),
		zap.String("websocket_path", s.wsPath))

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("server stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("accept", zap.Error(err))
				continue
			}
			return errors.Wrap(err, "accept")
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	cc, proto, err := s.handshake(conn)
	if err != nil {
		logger.Warn("handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	c, err := s.pool.Assign(cc)
	if err != nil {
		logger.Warn("connection rejected", zap.Error(err))
		_ = conn.Close()
		return
	}

	logger.Debug("connection assigned", zap.Stringer("protocol", proto), zap.Int("slot", c.Slot()))
	if err := c.Serve(ctx); err != nil {
		logger.Debug("connection finished", zap.Error(err))
	}
}

// handshake sniffs the protocol and returns the chat side of the connection.
func (s *Server) handshake(conn net.Conn) (chat.Conn, protocolType, error) {
	_ = conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	proto, reader, err := detectProtocol(conn)
	if err != nil {
		return nil, proto, errors.Wrap(err, "detect protocol")
	}

	if proto == protocolHTTP && s.wsEnabled {
		wc, err := ws.Upgrade(conn, reader, s.wsPath)
		if err != nil {
			return nil, proto, err
		}
		return wc, proto, nil
	}
	return tcp.NewConnWithReader(conn, reader), protocolTCP, nil
}

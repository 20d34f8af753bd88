package chat

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	// ErrSlotFree is returned by Serve when no socket is installed.
	ErrSlotFree = errors.New("connection slot is free")
	// ErrAlreadyServing is returned by Serve when the occupant already has a pipeline.
	ErrAlreadyServing = errors.New("connection already serving")

	errRegistrationRejected = errors.New("registration rejected")
)

// session is one occupancy of a slot: the socket, its outbound queue and the
// pipeline goroutine serving it.
type session struct {
	conn    Conn
	out     *outbound
	logger  *zap.Logger
	started atomic.Bool
	done    chan struct{}

	// Set by stop under Connection.mu; overrides the pipeline's reason.
	reason string
}

// member is the registry handle for a session. It stays bound to the session
// it was created for, so frames delivered after the slot is reused are dropped
// instead of reaching the next occupant.
type member struct {
	id  int64
	out *outbound
}

func (s *session) member(clientID int64) member {
	return member{id: clientID, out: s.out}
}

func (m member) ClientID() int64 { return m.id }

func (m member) Deliver(frame []byte) bool {
	return m.out.enqueue(frame) == nil
}

// Connection is a reusable per-client slot. A slot is either free or owned by
// exactly one live client.
type Connection struct {
	slot   int
	store  Store
	rooms  Rooms
	ids    IDGenerator
	opts   options
	logger *zap.Logger

	mu       sync.Mutex
	busy     bool
	sess     *session
	clientID int64
	login    string
	roomID   int64

	// Owned by the pipeline goroutine.
	header [protocol.HeaderSize]byte
	body   []byte
}

// NewConnection creates a free slot.
func NewConnection(slot int, store Store, rooms Rooms, ids IDGenerator, opt ...Option) *Connection {
	return newConnection(slot, store, rooms, ids, buildOptions(opt...))
}

func newConnection(slot int, store Store, rooms Rooms, ids IDGenerator, opts options) *Connection {
	return &Connection{
		slot:     slot,
		store:    store,
		rooms:    rooms,
		ids:      ids,
		opts:     opts,
		logger:   opts.logger.With(zap.Int("slot", slot)),
		clientID: protocol.NoIdentity,
	}
}

// Reuse installs conn in the slot. A slot that is still busy is a pool
// management fault: the occupant is torn down first and its pipeline is
// waited for. The caller then starts exactly one Serve.
func (c *Connection) Reuse(conn Conn) {
	c.mu.Lock()
	old, busy := c.sess, c.busy
	c.mu.Unlock()

	if busy {
		c.logger.Error("reuse of busy connection slot",
			zap.String("occupant", old.conn.RemoteAddr()),
			zap.String("remote", conn.RemoteAddr()),
			zap.Int64("client_id", c.ClientID()))
		c.opts.metrics.PoolMisuse()
		c.stop(old, "evicted")
	}

	logger := c.logger.With(zap.String("remote", conn.RemoteAddr()))
	s := &session{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.out = newOutbound(conn, c.opts, logger, func(error) {
		// The pipeline observes the closed socket and tears the session down.
		_ = conn.Close()
	})

	c.mu.Lock()
	c.sess = s
	c.busy = true
	c.clientID = protocol.NoIdentity
	c.login = ""
	c.roomID = 0
	c.mu.Unlock()

	c.opts.metrics.ConnectionOpened()
	logger.Info("reuse connection")
}

// stop closes the socket of s, waits for its pipeline to return and then
// releases it, so a reused slot never shares read buffers with a live
// pipeline.
func (c *Connection) stop(s *session, reason string) {
	c.mu.Lock()
	if c.sess == s && s.reason == "" {
		s.reason = reason
	}
	c.mu.Unlock()

	_ = s.conn.Close()
	if s.started.Load() {
		<-s.done
	}
	c.release(s, reason)
}

// Free tears down the current occupant and waits for its pipeline. It is
// idempotent and must not be called from a handler.
func (c *Connection) Free() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		c.stop(s, "free")
	}
}

// release leaves the room, closes the socket, drops pending output and
// resets identity. It does nothing unless s is still the occupant.
func (c *Connection) release(s *session, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.busy || c.sess != s {
		return false
	}
	if s.reason != "" {
		reason = s.reason
	}

	c.rooms.Leave(s.member(c.clientID), c.roomID)

	s.out.close()
	if err := s.conn.CloseWrite(); err != nil {
		logCloseError(s.logger, "shutdown socket", err)
	}
	if err := s.conn.Close(); err != nil {
		logCloseError(s.logger, "close socket", err)
	}

	s.logger.Warn("connection freed",
		zap.String("reason", reason),
		zap.Int64("client_id", c.clientID),
		zap.Int64("room_id", c.roomID))

	c.clientID = protocol.NoIdentity
	c.login = ""
	c.roomID = 0
	c.busy = false
	c.sess = nil
	c.opts.metrics.ConnectionClosed(reason)
	return true
}

func logCloseError(logger *zap.Logger, op string, err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		logger.Debug(op, zap.Error(err))
		return
	}
	logger.Error(op, zap.Error(err))
}

// Serve runs the read pipeline of the current occupant until teardown and
// returns the error that ended it. Canceling ctx closes the socket.
func (c *Connection) Serve(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return ErrSlotFree
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer close(s.done)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	err := c.pipeline(ctx, s)
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	c.release(s, teardownReason(err))
	return err
}

// Deliver enqueues a framed message for the current occupant.
func (c *Connection) Deliver(frame []byte) bool {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return false
	}
	return s.out.enqueue(frame) == nil
}

// Slot returns the slot index within its pool.
func (c *Connection) Slot() int { return c.slot }

// Busy reports whether a client occupies the slot.
func (c *Connection) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// ClientID returns the authenticated identity or protocol.NoIdentity.
func (c *Connection) ClientID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Login returns the login of the authenticated identity.
func (c *Connection) Login() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

// RoomID returns the room the connection is a member of, or 0.
func (c *Connection) RoomID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// QueueLen returns the number of frames waiting for the current occupant.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return 0
	}
	return s.out.len()
}

func (c *Connection) identity() (clientID int64, login string, roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.login, c.roomID
}

// setIdentity records the outcome of authorisation or registration. A
// connection whose identity changes leaves its room first, so an
// unauthenticated connection is never a room member.
func (c *Connection) setIdentity(s *session, clientID int64, login string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != s {
		return
	}
	if clientID != c.clientID && c.roomID != 0 {
		c.rooms.Leave(s.member(c.clientID), c.roomID)
		c.roomID = 0
	}
	c.clientID = clientID
	if clientID == protocol.NoIdentity {
		c.login = ""
	} else {
		c.login = login
	}
}

// setRoom records the joined room. It reports false when s was torn down
// meanwhile, in which case the caller owns undoing the registry change.
func (c *Connection) setRoom(s *session, roomID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != s {
		return false
	}
	c.roomID = roomID
	return true
}

func teardownReason(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return "free"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "shutdown"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, protocol.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, protocol.ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, errRegistrationRejected):
		return "registration_rejected"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "idle_timeout"
	default:
		return "transport"
	}
}

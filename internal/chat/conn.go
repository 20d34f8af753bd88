// Package chat implements the per-connection protocol core: pooled connection
// slots, the header/body read pipeline, command handlers and the ordered
// outbound queue.
package chat

import (
	"context"
	"io"
	"time"

	"github.com/omochice/roomchat/pkg/protocol"
)

// Conn abstracts a bidirectional byte stream for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
type Conn interface {
	io.Reader
	io.Writer

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// CloseWrite half-closes the stream. Transports without half-close
	// return nil.
	CloseWrite() error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Store is the persistence collaborator.
type Store interface {
	// ResolveIdentity returns the client id for a login/secret pair, or
	// protocol.NoIdentity when nothing matches.
	ResolveIdentity(ctx context.Context, login, secret string) (int64, error)
	// LookupLoginID returns the client id registered for login, or
	// protocol.NoIdentity when the login is free.
	LookupLoginID(ctx context.Context, login string) (int64, error)
	CreateAccount(ctx context.Context, login string, clientID int64, secret string) error
	LogMessage(ctx context.Context, msg protocol.Text) error
}

// Member is the handle a room registry uses to push frames to a connection.
// Implementations must be comparable; the registry tells connections sharing
// a client id apart with ==.
type Member interface {
	ClientID() int64
	// Deliver enqueues an already framed message. It reports false when the
	// connection no longer accepts output.
	Deliver(frame []byte) bool
}

// Rooms is the room registry collaborator.
type Rooms interface {
	Join(ctx context.Context, m Member, roomID int64) bool
	Leave(m Member, roomID int64)
	Broadcast(ctx context.Context, msg protocol.Text) int
	// Replay delivers recent room history to m and returns the number of frames.
	Replay(ctx context.Context, m Member, roomID int64) int
}

// IDGenerator produces identities for new accounts.
type IDGenerator interface {
	NextID() int64
}

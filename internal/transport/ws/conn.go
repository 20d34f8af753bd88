// Package ws provides WebSocket transport implementation for the chat server.
// Each binary message carries a slice of the same header/body stream the TCP
// transport uses, so message boundaries carry no meaning.
package ws

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// Conn adapts a server side WebSocket to the chat.Conn byte stream.
type Conn struct {
	conn   net.Conn
	reader io.Reader

	// Guards the write side: outbound frames and control replies written by
	// the reader.
	wmu sync.Mutex

	// Owned by the reading goroutine.
	pending []byte
}

// NewConn wraps an upgraded connection. r supplies bytes already buffered
// past the handshake; nil reads directly from conn.
func NewConn(conn net.Conn, r io.Reader) *Conn {
	if r == nil {
		r = conn
	}
	return &Conn{conn: conn, reader: r}
}

// Read returns stream bytes from the current binary message, reading the next
// one when it is exhausted. A close frame from the peer reads as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		data, err := wsutil.ReadClientBinary(struct {
			io.Reader
			io.Writer
		}{c.reader, lockedWriter{c}})
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.pending = data
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p as one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := wsutil.WriteServerBinary(c.conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline implements chat.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements chat.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// CloseWrite sends a normal closure frame.
func (c *Conn) CloseWrite() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

// Package tcp provides TCP transport implementation for the chat server.
package tcp

import (
	"io"
	"net"
	"time"
)

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn   net.Conn
	reader io.Reader
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: conn}
}

// NewConnWithReader wraps a net.Conn whose first bytes were already buffered
// by r, typically while sniffing the protocol.
func NewConnWithReader(conn net.Conn, r io.Reader) *Conn {
	return &Conn{conn: conn, reader: r}
}

// Read implements chat.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write implements chat.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// SetReadDeadline implements chat.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements chat.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// CloseWrite shuts down the sending side when the underlying connection
// supports it, as *net.TCPConn does.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

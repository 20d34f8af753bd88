package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// dialTCP connects a raw TCP stream.
func dialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return conn, nil
}

// dialWebSocket performs the client handshake and returns the byte stream
// carried inside binary messages.
func dialWebSocket(ctx context.Context, url string) (io.ReadWriteCloser, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return newWebSocketConnection(conn, br), nil
}

// webSocketConnection wraps net.Conn for WebSocket connections using gobwas/ws
type webSocketConnection struct {
	conn   net.Conn
	reader io.Reader
	br     *bufio.Reader

	mu      sync.Mutex
	pending []byte
}

func newWebSocketConnection(conn net.Conn, br *bufio.Reader) *webSocketConnection {
	wc := &webSocketConnection{conn: conn, reader: conn}
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		wc.reader = br
		wc.br = br
	}
	return wc
}

func (wc *webSocketConnection) Write(data []byte) (int, error) {
	err := wsutil.WriteClientBinary(wc.conn, data)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (wc *webSocketConnection) Read(buf []byte) (int, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	for len(wc.pending) == 0 {
		data, err := wsutil.ReadServerBinary(struct {
			io.Reader
			io.Writer
		}{wc.reader, wc.conn})
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		wc.pending = data
	}

	n := copy(buf, wc.pending)
	wc.pending = wc.pending[n:]
	return n, nil
}

func (wc *webSocketConnection) Close() error {
	_ = wsutil.WriteClientMessage(wc.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	err := wc.conn.Close()
	if wc.br != nil {
		ws.PutReader(wc.br)
		wc.br = nil
	}
	return err
}

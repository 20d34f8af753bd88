package ws

import (
	"io"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"
)

// Upgrade performs the server handshake on a raw connection whose request
// bytes may already be buffered in r. Requests for any path other than path
// are rejected with 404.
func Upgrade(conn net.Conn, r io.Reader, path string) (*Conn, error) {
	if r == nil {
		r = conn
	}

	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if path != "" && requestPath(uri) != path {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			return nil
		},
	}

	if _, err := u.Upgrade(struct {
		io.Reader
		io.Writer
	}{r, conn}); err != nil {
		return nil, errors.Wrap(err, "websocket upgrade")
	}
	return NewConn(conn, r), nil
}

func requestPath(uri []byte) string {
	for i, b := range uri {
		if b == '?' {
			return string(uri[:i])
		}
	}
	return string(uri)
}

package chat

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/roomchat/pkg/protocol"
)

// pipeline loops AwaitingHeader -> AwaitingBody -> Dispatching until a read
// fails or a handler ends the session. Request N is fully handled before the
// header of request N+1 is read; responses drain concurrently.
func (c *Connection) pipeline(ctx context.Context, s *session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h, err := c.readHeader(s)
		if err != nil {
			return err
		}

		body, err := c.readBody(s, h)
		if err != nil {
			return err
		}

		if !h.Command.IsRequest() {
			c.opts.metrics.FrameReceived("unknown")
			s.logger.Warn("unknown command, body discarded",
				zap.Stringer("command", h.Command),
				zap.Uint32("length", h.Length))
			continue
		}
		c.opts.metrics.FrameReceived(h.Command.String())

		if !c.dispatch(ctx, s, h.Command, body) {
			return errRegistrationRejected
		}
	}
}

func (c *Connection) readHeader(s *session) (protocol.Header, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))

	if _, err := io.ReadFull(s.conn, c.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			s.logger.Info("client closed connection")
		} else {
			s.logger.Error("read header", zap.Error(err))
		}
		return protocol.Header{}, errors.Wrap(err, "read header")
	}

	var h protocol.Header
	if err := h.Decode(c.header[:]); err != nil {
		// The stream is not message aligned, so resynchronizing is impossible.
		s.logger.Error("parse header", zap.Error(err), zap.Binary("bytes", c.header[:]))
		return protocol.Header{}, err
	}
	return h, nil
}

func (c *Connection) readBody(s *session, h protocol.Header) ([]byte, error) {
	if int(h.Length) > c.opts.maxBodySize {
		s.logger.Error("body too large",
			zap.Stringer("command", h.Command),
			zap.Uint32("length", h.Length),
			zap.Int("max", c.opts.maxBodySize))
		return nil, errors.Wrapf(protocol.ErrBodyTooLarge, "%d bytes", h.Length)
	}

	n := int(h.Length)
	if cap(c.body) < n {
		c.body = make([]byte, n)
	}
	c.body = c.body[:n]

	_ = s.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	if _, err := io.ReadFull(s.conn, c.body); err != nil {
		s.logger.Error("read body", zap.Stringer("command", h.Command), zap.Error(err))
		return nil, errors.Wrap(err, "read body")
	}
	return c.body, nil
}

// dispatch decodes body and runs the handler for cmd. It returns false when
// the handler ended the session.
func (c *Connection) dispatch(ctx context.Context, s *session, cmd protocol.Command, body []byte) bool {
	var req protocol.Request
	if err := req.Decode(body); err != nil {
		s.logger.Warn("parse request", zap.Stringer("command", cmd), zap.Error(err))
		return true
	}

	switch cmd {
	case protocol.AuthorisationRequest:
		if req.Input == nil {
			s.logger.Warn("request without input_request")
			return true
		}
		c.authorise(ctx, s, req.Input)
		return true

	case protocol.RegistrationRequest:
		if req.Register == nil {
			s.logger.Warn("request without register_request")
			return true
		}
		return c.register(ctx, s, req.Register)

	case protocol.JoinRoomRequest:
		if req.JoinRoom == nil {
			s.logger.Warn("request without join_room_request")
			return true
		}
		c.joinRoom(ctx, s, req.JoinRoom)
		return true

	case protocol.EchoRequest:
		if req.Text == nil {
			s.logger.Warn("request without text_request")
			return true
		}
		c.sendText(ctx, s, req.Text)
		return true
	}
	return true
}

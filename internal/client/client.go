// Package client implements a chat client speaking the framed protocol over
// raw TCP or WebSocket.
package client

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrClosed is returned by calls on a client whose connection is gone.
var ErrClosed = errors.New("client closed")

// Client is a chat client. Authorise, Register and JoinRoom wait for their
// reply; the server answers requests in order, so at most one such call is
// outstanding at a time. Text delivered by rooms arrives on Messages.
type Client struct {
	conn   io.ReadWriteCloser
	logger *zap.Logger

	wmu  sync.Mutex
	call sync.Mutex

	replies  chan reply
	messages chan protocol.Text
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	mu        sync.Mutex
	login     string
	err       error
}

type reply struct {
	command  protocol.Command
	response protocol.Response
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to a server over raw TCP.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	conn, err := dialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// DialWebSocket connects to a server through a WebSocket URL such as
// ws://localhost:8080/ws.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, err := dialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// New starts a client over an established stream.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		logger:   zap.NewNop(),
		replies:  make(chan reply, 4),
		messages: make(chan protocol.Text, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.receive()
	return c
}

// Authorise logs in and returns the client id, or protocol.NoIdentity when
// the credentials were refused.
func (c *Client) Authorise(ctx context.Context, login, password string) (int64, error) {
	r, err := c.roundTrip(ctx, protocol.NewAuthorisationRequest(login, password), protocol.AuthorisationResponse)
	if err != nil {
		return protocol.NoIdentity, err
	}
	if r.Input == nil {
		return protocol.NoIdentity, errors.New("authorisation response without payload")
	}
	c.setLogin(r.Input.ClientID, login)
	return r.Input.ClientID, nil
}

// Register creates an account and returns its client id, or
// protocol.NoIdentity when the login is taken. The server closes the
// connection after a refused registration.
func (c *Client) Register(ctx context.Context, login, password string) (int64, error) {
	r, err := c.roundTrip(ctx, protocol.NewRegistrationRequest(login, password), protocol.RegistrationResponse)
	if err != nil {
		return protocol.NoIdentity, err
	}
	if r.Register == nil {
		return protocol.NoIdentity, errors.New("registration response without payload")
	}
	c.setLogin(r.Register.ClientID, login)
	return r.Register.ClientID, nil
}

// JoinRoom moves the client into roomID and reports whether the server
// accepted it.
func (c *Client) JoinRoom(ctx context.Context, roomID int64) (bool, error) {
	r, err := c.roundTrip(ctx, protocol.NewJoinRoomRequest(roomID), protocol.JoinRoomResponse)
	if err != nil {
		return false, err
	}
	if r.JoinRoom == nil {
		return false, errors.New("join room response without payload")
	}
	return r.JoinRoom.Success, nil
}

// SendText sends a line to roomID. There is no direct reply; members of the
// room, this client included, receive it on Messages.
func (c *Client) SendText(roomID int64, text string) error {
	c.mu.Lock()
	login := c.login
	c.mu.Unlock()

	return c.write(protocol.NewEchoRequest(login, roomID, text))
}

// Messages returns the channel of text delivered by rooms. It is closed
// when the connection ends. Replies are not received while it is full.
func (c *Client) Messages() <-chan protocol.Text {
	return c.messages
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the receiver to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Client) setLogin(clientID int64, login string) {
	if clientID == protocol.NoIdentity {
		return
	}
	c.mu.Lock()
	c.login = login
	c.mu.Unlock()
}

func (c *Client) roundTrip(ctx context.Context, frame []byte, want protocol.Command) (protocol.Response, error) {
	c.call.Lock()
	defer c.call.Unlock()

	if err := c.write(frame); err != nil {
		return protocol.Response{}, err
	}

	select {
	case r, ok := <-c.replies:
		if !ok {
			return protocol.Response{}, c.closedErr()
		}
		if r.command != want {
			return protocol.Response{}, errors.Errorf("got %s, want %s", r.command, want)
		}
		return r.response, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-c.done:
		return protocol.Response{}, ErrClosed
	}
}

func (c *Client) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.conn.Write(frame); err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	return nil
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return ErrClosed
}

// receive continuously receives frames from the server.
func (c *Client) receive() {
	defer c.wg.Done()
	defer close(c.messages)
	defer close(c.replies)

	for {
		h, body, err := protocol.ReadFrame(c.conn, 0)
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("error reading from server", zap.Error(err))
				}
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		var resp protocol.Response
		if err := resp.Decode(body); err != nil {
			c.logger.Warn("failed to decode message", zap.Stringer("command", h.Command), zap.Error(err))
			continue
		}

		if h.Command == protocol.EchoResponse {
			if resp.Text == nil {
				continue
			}
			select {
			case c.messages <- *resp.Text:
			case <-c.done:
				return
			}
			continue
		}

		select {
		case c.replies <- reply{command: h.Command, response: resp}:
		case <-c.done:
			return
		}
	}
}

package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/omochice/roomchat/pkg/protocol"
)

// authorise resolves the credentials and always answers, including with
// protocol.NoIdentity. A failed login keeps the connection open.
func (c *Connection) authorise(ctx context.Context, s *session, cred *protocol.Credentials) {
	clientID, err := c.store.ResolveIdentity(ctx, cred.Login, cred.Password)
	if err != nil {
		s.logger.Error("resolve identity", zap.String("login", cred.Login), zap.Error(err))
		clientID = protocol.NoIdentity
	}

	c.setIdentity(s, clientID, cred.Login)
	c.send(s, protocol.NewAuthorisationResponse(clientID))

	if clientID == protocol.NoIdentity {
		s.logger.Info("authorisation failed", zap.String("login", cred.Login))
		return
	}
	s.logger.Info("authorisation completed", zap.String("login", cred.Login), zap.Int64("client_id", clientID))
}

// register creates an account for a free login. A duplicate login is
// rejected with protocol.NoIdentity and ends the session once the response
// has been flushed.
func (c *Connection) register(ctx context.Context, s *session, cred *protocol.Credentials) bool {
	clientID := protocol.NoIdentity

	existing, err := c.store.LookupLoginID(ctx, cred.Login)
	switch {
	case err != nil:
		s.logger.Error("lookup login", zap.String("login", cred.Login), zap.Error(err))
	case existing != protocol.NoIdentity:
		s.logger.Warn("login already registered", zap.String("login", cred.Login))
	default:
		id := c.ids.NextID()
		if err := c.store.CreateAccount(ctx, cred.Login, id, cred.Password); err != nil {
			s.logger.Error("create account", zap.String("login", cred.Login), zap.Error(err))
		} else {
			clientID = id
		}
	}

	c.setIdentity(s, clientID, cred.Login)
	c.send(s, protocol.NewRegistrationResponse(clientID))

	if clientID == protocol.NoIdentity {
		s.logger.Error("registration failed", zap.String("login", cred.Login))
		if !s.out.flush(c.opts.writeTimeout) {
			s.logger.Warn("registration response not flushed")
		}
		return false
	}

	s.logger.Info("registration completed", zap.String("login", cred.Login), zap.Int64("client_id", clientID))
	return true
}

// joinRoom leaves the previous room and joins the requested one. The local
// room id always mirrors the registry: the new room on success, 0 otherwise.
func (c *Connection) joinRoom(ctx context.Context, s *session, req *protocol.JoinRoom) {
	clientID, _, previous := c.identity()

	m := s.member(clientID)
	c.rooms.Leave(m, previous)

	ok := c.rooms.Join(ctx, m, req.RoomID)

	roomID := int64(0)
	if ok {
		roomID = req.RoomID
	}
	if !c.setRoom(s, roomID) {
		c.rooms.Leave(m, roomID)
		return
	}
	c.send(s, protocol.NewJoinRoomResponse(req.RoomID, ok))

	logger := s.logger.With(
		zap.Int64("client_id", clientID),
		zap.Int64("room_id", req.RoomID),
		zap.Int64("previous_room_id", previous))
	if !ok {
		logger.Warn("join room rejected")
		return
	}
	logger.Info("join room completed")

	if n := c.rooms.Replay(ctx, m, req.RoomID); n > 0 {
		logger.Debug("room history replayed", zap.Int("messages", n))
	}
}

// sendText broadcasts a line to the connection's room and logs it once.
// Delivery to the sender depends on the registry's member set; there is no
// direct response.
func (c *Connection) sendText(ctx context.Context, s *session, req *protocol.Text) {
	clientID, login, roomID := c.identity()

	logger := s.logger.With(zap.Int64("client_id", clientID), zap.Int64("room_id", req.RoomID))
	if clientID == protocol.NoIdentity {
		logger.Warn("text from unauthenticated connection dropped")
		return
	}
	if roomID == 0 || req.RoomID != roomID {
		logger.Warn("text for a room the connection has not joined dropped", zap.Int64("joined_room_id", roomID))
		return
	}
	if req.Login != login {
		logger.Warn("sender login does not match session", zap.String("login", req.Login), zap.String("session_login", login))
	}

	msg := protocol.Text{Login: login, RoomID: roomID, Text: req.Text}

	n := c.rooms.Broadcast(ctx, msg)
	if err := c.store.LogMessage(ctx, msg); err != nil {
		logger.Error("save text message", zap.Error(err))
	}
	logger.Debug("text delivered", zap.Int("recipients", n))
}

func (c *Connection) send(s *session, frame []byte) {
	if err := s.out.enqueue(frame); err != nil {
		s.logger.Warn("response dropped", zap.Error(err))
	}
}

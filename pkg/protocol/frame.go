package protocol

import (
	"io"

	"github.com/pkg/errors"
)

// ErrBodyTooLarge is returned when a header declares a body above the allowed size.
var ErrBodyTooLarge = errors.New("body too large")

// Frame returns header || body for the given command.
func Frame(cmd Command, body []byte) []byte {
	b := make([]byte, 0, HeaderSize+len(body))
	b = Header{Command: cmd, Length: uint32(len(body))}.AppendTo(b)
	return append(b, body...)
}

type encoder interface {
	Encode() ([]byte, error)
}

// EncodeFrame encodes msg and frames it under cmd.
func EncodeFrame(cmd Command, msg encoder) ([]byte, error) {
	body, err := msg.Encode()
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", cmd)
	}
	return Frame(cmd, body), nil
}

// Response frames. The payloads are never empty so encoding cannot fail.

// NewAuthorisationResponse frames the identity resolved by authorisation.
func NewAuthorisationResponse(clientID int64) []byte {
	return mustFrame(AuthorisationResponse, &Response{Input: &Identity{ClientID: clientID}})
}

// NewRegistrationResponse frames the identity produced by registration.
func NewRegistrationResponse(clientID int64) []byte {
	return mustFrame(RegistrationResponse, &Response{Register: &Identity{ClientID: clientID}})
}

// NewJoinRoomResponse frames the outcome of a room join.
func NewJoinRoomResponse(roomID int64, success bool) []byte {
	return mustFrame(JoinRoomResponse, &Response{JoinRoom: &JoinRoomResult{RoomID: roomID, Success: success}})
}

// NewEchoResponse frames a chat line delivered to a room member.
func NewEchoResponse(login string, roomID int64, text string) []byte {
	return mustFrame(EchoResponse, &Response{Text: &Text{Login: login, RoomID: roomID, Text: text}})
}

// Request frames, used by clients.

// NewAuthorisationRequest frames a login attempt.
func NewAuthorisationRequest(login, password string) []byte {
	return mustFrame(AuthorisationRequest, &Request{Input: &Credentials{Login: login, Password: password}})
}

// NewRegistrationRequest frames an account registration.
func NewRegistrationRequest(login, password string) []byte {
	return mustFrame(RegistrationRequest, &Request{Register: &Credentials{Login: login, Password: password}})
}

// NewJoinRoomRequest frames a room join.
func NewJoinRoomRequest(roomID int64) []byte {
	return mustFrame(JoinRoomRequest, &Request{JoinRoom: &JoinRoom{RoomID: roomID}})
}

// NewEchoRequest frames a chat line sent to a room.
func NewEchoRequest(login string, roomID int64, text string) []byte {
	return mustFrame(EchoRequest, &Request{Text: &Text{Login: login, RoomID: roomID, Text: text}})
}

func mustFrame(cmd Command, msg encoder) []byte {
	b, err := EncodeFrame(cmd, msg)
	if err != nil {
		panic(err)
	}
	return b
}

// ReadFrame reads one header and its body from r. Bodies above maxBody bytes
// are rejected with ErrBodyTooLarge before any body byte is read; maxBody <= 0
// disables the check.
func ReadFrame(r io.Reader, maxBody int) (Header, []byte, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, nil, err
	}

	var h Header
	if err := h.Decode(buf[:]); err != nil {
		return Header{}, nil, err
	}
	if maxBody > 0 && int(h.Length) > maxBody {
		return h, nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", h.Length)
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, err
	}
	return h, body, nil
}

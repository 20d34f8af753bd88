package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrEmptyMessage is returned when encoding a Request or Response with no payload set.
var ErrEmptyMessage = errors.New("message has no payload")

// ErrMalformedBody is returned when body bytes cannot be decoded.
var ErrMalformedBody = errors.New("malformed body")

// Oneof field numbers shared by Request and Response.
const (
	inputField    protowire.Number = 1
	registerField protowire.Number = 2
	joinRoomField protowire.Number = 3
	textField     protowire.Number = 4
)

// Credentials carries a login and its secret.
type Credentials struct {
	Login    string
	Password string
}

// JoinRoom asks to move the connection into a room.
type JoinRoom struct {
	RoomID int64
}

// Text is a chat line addressed to a room. It is both the EchoRequest payload
// and the EchoResponse payload delivered to room members.
type Text struct {
	Login  string
	RoomID int64
	Text   string
}

// Identity carries the client id resolved by authorisation or registration.
// NoIdentity means the operation failed.
type Identity struct {
	ClientID int64
}

// JoinRoomResult reports the outcome of a JoinRoom request.
type JoinRoomResult struct {
	RoomID  int64
	Success bool
}

// NoIdentity is the client id sentinel for "no valid account" or "operation failed".
const NoIdentity int64 = -1

// Request is the body of every client request. Exactly one payload is set.
type Request struct {
	Input    *Credentials
	Register *Credentials
	JoinRoom *JoinRoom
	Text     *Text
}

// Response is the body of every server response. Exactly one payload is set.
type Response struct {
	Input    *Identity
	Register *Identity
	JoinRoom *JoinRoomResult
	Text     *Text
}

// Encode encodes the request using protobuf wire format.
func (r *Request) Encode() ([]byte, error) {
	var b []byte
	switch {
	case r.Input != nil:
		b = appendMessage(b, inputField, r.Input.appendTo(nil))
	case r.Register != nil:
		b = appendMessage(b, registerField, r.Register.appendTo(nil))
	case r.JoinRoom != nil:
		b = appendMessage(b, joinRoomField, r.JoinRoom.appendTo(nil))
	case r.Text != nil:
		b = appendMessage(b, textField, r.Text.appendTo(nil))
	default:
		return nil, ErrEmptyMessage
	}
	return b, nil
}

// Decode decodes protobuf bytes into the request. A later oneof member
// replaces an earlier one, following protobuf merge rules.
func (r *Request) Decode(data []byte) error {
	*r = Request{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case inputField:
			c := &Credentials{}
			if err := c.decode(v); err != nil {
				return err
			}
			*r = Request{Input: c}
		case registerField:
			c := &Credentials{}
			if err := c.decode(v); err != nil {
				return err
			}
			*r = Request{Register: c}
		case joinRoomField:
			j := &JoinRoom{}
			if err := j.decode(v); err != nil {
				return err
			}
			*r = Request{JoinRoom: j}
		case textField:
			t := &Text{}
			if err := t.decode(v); err != nil {
				return err
			}
			*r = Request{Text: t}
		}
		return nil
	})
}

// Encode encodes the response using protobuf wire format.
func (r *Response) Encode() ([]byte, error) {
	var b []byte
	switch {
	case r.Input != nil:
		b = appendMessage(b, inputField, r.Input.appendTo(nil))
	case r.Register != nil:
		b = appendMessage(b, registerField, r.Register.appendTo(nil))
	case r.JoinRoom != nil:
		b = appendMessage(b, joinRoomField, r.JoinRoom.appendTo(nil))
	case r.Text != nil:
		b = appendMessage(b, textField, r.Text.appendTo(nil))
	default:
		return nil, ErrEmptyMessage
	}
	return b, nil
}

// Decode decodes protobuf bytes into the response.
func (r *Response) Decode(data []byte) error {
	*r = Response{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case inputField:
			id := &Identity{}
			if err := id.decode(v); err != nil {
				return err
			}
			*r = Response{Input: id}
		case registerField:
			id := &Identity{}
			if err := id.decode(v); err != nil {
				return err
			}
			*r = Response{Register: id}
		case joinRoomField:
			j := &JoinRoomResult{}
			if err := j.decode(v); err != nil {
				return err
			}
			*r = Response{JoinRoom: j}
		case textField:
			t := &Text{}
			if err := t.decode(v); err != nil {
				return err
			}
			*r = Response{Text: t}
		}
		return nil
	})
}

func (c *Credentials) appendTo(b []byte) []byte {
	b = appendString(b, 1, c.Login)
	b = appendString(b, 2, c.Password)
	return b
}

func (c *Credentials) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			c.Login = string(v)
		case num == 2 && typ == protowire.BytesType:
			c.Password = string(v)
		}
		return nil
	})
}

func (j *JoinRoom) appendTo(b []byte) []byte {
	return appendInt64(b, 1, j.RoomID)
}

func (j *JoinRoom) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.VarintType {
			j.RoomID = int64(decodeVarint(v))
		}
		return nil
	})
}

func (t *Text) appendTo(b []byte) []byte {
	b = appendString(b, 1, t.Login)
	b = appendInt64(b, 2, t.RoomID)
	b = appendString(b, 3, t.Text)
	return b
}

func (t *Text) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			t.Login = string(v)
		case num == 2 && typ == protowire.VarintType:
			t.RoomID = int64(decodeVarint(v))
		case num == 3 && typ == protowire.BytesType:
			t.Text = string(v)
		}
		return nil
	})
}

func (id *Identity) appendTo(b []byte) []byte {
	return appendInt64(b, 1, id.ClientID)
}

func (id *Identity) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 && typ == protowire.VarintType {
			id.ClientID = int64(decodeVarint(v))
		}
		return nil
	})
}

func (j *JoinRoomResult) appendTo(b []byte) []byte {
	b = appendInt64(b, 1, j.RoomID)
	if j.Success {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (j *JoinRoomResult) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			j.RoomID = int64(decodeVarint(v))
		case num == 2 && typ == protowire.VarintType:
			j.Success = protowire.DecodeBool(decodeVarint(v))
		}
		return nil
	})
}

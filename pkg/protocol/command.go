// Package protocol defines the roomchat wire format: a fixed-size protobuf
// header followed by a protobuf body whose schema is selected by the header's
// command tag.
package protocol

import "fmt"

// Command is the message type carried in a frame header.
type Command uint32

const (
	AuthorisationRequest  Command = 1
	AuthorisationResponse Command = 2
	RegistrationRequest   Command = 3
	RegistrationResponse  Command = 4
	JoinRoomRequest       Command = 5
	JoinRoomResponse      Command = 6
	EchoRequest           Command = 7
	EchoResponse          Command = 8
)

// String returns the string representation of Command
func (c Command) String() string {
	switch c {
	case AuthorisationRequest:
		return "AUTHORISATION_REQUEST"
	case AuthorisationResponse:
		return "AUTHORISATION_RESPONSE"
	case RegistrationRequest:
		return "REGISTRATION_REQUEST"
	case RegistrationResponse:
		return "REGISTRATION_RESPONSE"
	case JoinRoomRequest:
		return "JOIN_ROOM_REQUEST"
	case JoinRoomResponse:
		return "JOIN_ROOM_RESPONSE"
	case EchoRequest:
		return "ECHO_REQUEST"
	case EchoResponse:
		return "ECHO_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
	}
}

// IsRequest reports whether c is a command a client may send to the server.
func (c Command) IsRequest() bool {
	switch c {
	case AuthorisationRequest, RegistrationRequest, JoinRoomRequest, EchoRequest:
		return true
	default:
		return false
	}
}

package protocol_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/omochice/roomchat/pkg/protocol"
)

func TestHeader_EncodeIsFixedSize(t *testing.T) {
	tests := []struct {
		name   string
		header protocol.Header
	}{
		{name: "zero header", header: protocol.Header{}},
		{name: "small values", header: protocol.Header{Command: protocol.EchoRequest, Length: 3}},
		{name: "max values", header: protocol.Header{Command: 0xFFFFFFFF, Length: 0xFFFFFFFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.header.Encode()
			if len(data) != protocol.HeaderSize {
				t.Fatalf("Header.Encode() length = %d, want %d", len(data), protocol.HeaderSize)
			}

			var got protocol.Header
			if err := got.Decode(data); err != nil {
				t.Fatalf("Header.Decode() error = %v", err)
			}
			if got != tt.header {
				t.Errorf("Header.Decode() = %+v, want %+v", got, tt.header)
			}
		})
	}
}

func TestHeader_DecodeMalformed(t *testing.T) {
	valid := protocol.Header{Command: protocol.JoinRoomRequest, Length: 7}.Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "short buffer", data: valid[:protocol.HeaderSize-1]},
		{name: "long buffer", data: append(append([]byte{}, valid...), 0)},
		{
			name: "duplicate command field",
			data: func() []byte {
				b := protowire.AppendTag(nil, 1, protowire.Fixed32Type)
				b = protowire.AppendFixed32(b, 1)
				b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
				return protowire.AppendFixed32(b, 2)
			}(),
		},
		{
			name: "unexpected field number",
			data: func() []byte {
				b := protowire.AppendTag(nil, 1, protowire.Fixed32Type)
				b = protowire.AppendFixed32(b, 1)
				b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
				return protowire.AppendFixed32(b, 2)
			}(),
		},
		{name: "garbage", data: []byte("0123456789")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h protocol.Header
			err := h.Decode(tt.data)
			if errors.Cause(err) != protocol.ErrMalformedHeader {
				t.Errorf("Header.Decode() error = %v, want ErrMalformedHeader", err)
			}
		})
	}
}

func TestRequest_EncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		req  protocol.Request
	}{
		{
			name: "input request",
			req:  protocol.Request{Input: &protocol.Credentials{Login: "alice", Password: "secret"}},
		},
		{
			name: "register request",
			req:  protocol.Request{Register: &protocol.Credentials{Login: "bob", Password: "hunter2"}},
		},
		{
			name: "join room request",
			req:  protocol.Request{JoinRoom: &protocol.JoinRoom{RoomID: 42}},
		},
		{
			name: "text request",
			req:  protocol.Request{Text: &protocol.Text{Login: "alice", RoomID: 3, Text: "Hello, World!"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.req.Encode()
			if err != nil {
				t.Fatalf("Request.Encode() error = %v", err)
			}

			var got protocol.Request
			if err := got.Decode(data); err != nil {
				t.Fatalf("Request.Decode() error = %v", err)
			}

			switch {
			case tt.req.Input != nil:
				if got.Input == nil || *got.Input != *tt.req.Input {
					t.Errorf("Input = %+v, want %+v", got.Input, tt.req.Input)
				}
			case tt.req.Register != nil:
				if got.Register == nil || *got.Register != *tt.req.Register {
					t.Errorf("Register = %+v, want %+v", got.Register, tt.req.Register)
				}
			case tt.req.JoinRoom != nil:
				if got.JoinRoom == nil || *got.JoinRoom != *tt.req.JoinRoom {
					t.Errorf("JoinRoom = %+v, want %+v", got.JoinRoom, tt.req.JoinRoom)
				}
			case tt.req.Text != nil:
				if got.Text == nil || *got.Text != *tt.req.Text {
					t.Errorf("Text = %+v, want %+v", got.Text, tt.req.Text)
				}
			}
		})
	}
}

func TestRequest_EncodeEmpty(t *testing.T) {
	var req protocol.Request
	if _, err := req.Encode(); err != protocol.ErrEmptyMessage {
		t.Errorf("Request.Encode() error = %v, want ErrEmptyMessage", err)
	}
}

func TestRequest_DecodeSkipsUnknownFields(t *testing.T) {
	data, err := (&protocol.Request{JoinRoom: &protocol.JoinRoom{RoomID: 9}}).Encode()
	if err != nil {
		t.Fatalf("Request.Encode() error = %v", err)
	}
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 1234)
	data = protowire.AppendTag(data, 16, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 1)

	var got protocol.Request
	if err := got.Decode(data); err != nil {
		t.Fatalf("Request.Decode() error = %v", err)
	}
	if got.JoinRoom == nil || got.JoinRoom.RoomID != 9 {
		t.Errorf("JoinRoom = %+v, want room 9", got.JoinRoom)
	}
}

func TestRequest_DecodeTruncated(t *testing.T) {
	data, err := (&protocol.Request{Text: &protocol.Text{Login: "alice", RoomID: 1, Text: "hi"}}).Encode()
	if err != nil {
		t.Fatalf("Request.Encode() error = %v", err)
	}

	var got protocol.Request
	err = got.Decode(data[:len(data)-1])
	if errors.Cause(err) != protocol.ErrMalformedBody {
		t.Errorf("Request.Decode() error = %v, want ErrMalformedBody", err)
	}
}

func TestResponse_NoIdentityRoundTrip(t *testing.T) {
	frame := protocol.NewAuthorisationResponse(protocol.NoIdentity)

	h, body, err := protocol.ReadFrame(bytes.NewReader(frame), 0)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if h.Command != protocol.AuthorisationResponse {
		t.Errorf("Command = %v, want %v", h.Command, protocol.AuthorisationResponse)
	}

	var resp protocol.Response
	if err := resp.Decode(body); err != nil {
		t.Fatalf("Response.Decode() error = %v", err)
	}
	if resp.Input == nil || resp.Input.ClientID != protocol.NoIdentity {
		t.Errorf("Input = %+v, want client id %d", resp.Input, protocol.NoIdentity)
	}
}

func TestResponse_JoinRoomResult(t *testing.T) {
	tests := []struct {
		name    string
		roomID  int64
		success bool
	}{
		{name: "joined", roomID: 5, success: true},
		{name: "rejected", roomID: 5, success: false},
		{name: "no room", roomID: 0, success: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := protocol.NewJoinRoomResponse(tt.roomID, tt.success)
			_, body, err := protocol.ReadFrame(bytes.NewReader(frame), 0)
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}

			var resp protocol.Response
			if err := resp.Decode(body); err != nil {
				t.Fatalf("Response.Decode() error = %v", err)
			}
			if resp.JoinRoom == nil {
				t.Fatal("JoinRoom payload missing")
			}
			if resp.JoinRoom.RoomID != tt.roomID || resp.JoinRoom.Success != tt.success {
				t.Errorf("JoinRoom = %+v, want room %d success %v", resp.JoinRoom, tt.roomID, tt.success)
			}
		})
	}
}

func TestFrame_BodyLengthMatchesHeader(t *testing.T) {
	frame := protocol.NewEchoResponse("alice", 7, "a longer line of chat text")

	var h protocol.Header
	if err := h.Decode(frame[:protocol.HeaderSize]); err != nil {
		t.Fatalf("Header.Decode() error = %v", err)
	}
	if int(h.Length) != len(frame)-protocol.HeaderSize {
		t.Errorf("header length = %d, body length = %d", h.Length, len(frame)-protocol.HeaderSize)
	}
}

func TestReadFrame_BodyTooLarge(t *testing.T) {
	frame := protocol.NewEchoRequest("alice", 1, "0123456789abcdef")

	_, _, err := protocol.ReadFrame(bytes.NewReader(frame), 4)
	if errors.Cause(err) != protocol.ErrBodyTooLarge {
		t.Errorf("ReadFrame() error = %v, want ErrBodyTooLarge", err)
	}
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	frame := protocol.NewEchoRequest("alice", 1, "hello")

	_, _, err := protocol.ReadFrame(bytes.NewReader(frame[:len(frame)-2]), 0)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestCommand_String(t *testing.T) {
	tests := []struct {
		cmd  protocol.Command
		want string
	}{
		{protocol.AuthorisationRequest, "AUTHORISATION_REQUEST"},
		{protocol.EchoResponse, "ECHO_RESPONSE"},
		{protocol.Command(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.cmd.String(); got != tt.want {
			t.Errorf("Command(%d).String() = %q, want %q", uint32(tt.cmd), got, tt.want)
		}
	}
}

package server

import (
	"io"
	"net"
	"testing"

	"github.com/omochice/roomchat/pkg/protocol"
)

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  protocolType
	}{
		{name: "websocket upgrade", input: []byte("GET /ws HTTP/1.1\r\n"), want: protocolHTTP},
		{name: "options", input: []byte("OPTIONS * HTTP/1.1\r\n"), want: protocolHTTP},
		{name: "binary frame", input: protocol.NewJoinRoomRequest(1), want: protocolTCP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()

			go client.Write(tt.input)

			got, reader, err := detectProtocol(server)
			if err != nil {
				t.Fatalf("detectProtocol() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("detectProtocol() = %v, want %v", got, tt.want)
			}

			// Peeked bytes remain readable.
			buf := make([]byte, len(tt.input))
			if _, err := io.ReadFull(reader, buf); err != nil {
				t.Fatalf("read after peek: %v", err)
			}
			if string(buf) != string(tt.input) {
				t.Errorf("read %q, want %q", buf, tt.input)
			}
		})
	}
}

func TestDetectProtocol_ShortInput(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		client.Write([]byte("GE"))
		client.Close()
	}()

	if _, _, err := detectProtocol(server); err == nil {
		t.Error("detectProtocol() error = nil for truncated input")
	}
}

package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// HeaderSize is the exact encoded size of a Header. Both fields are fixed32
// and always emitted: two one-byte tags plus two four-byte values.
const HeaderSize = 10

const (
	headerCommandField protowire.Number = 1
	headerLengthField  protowire.Number = 2
)

// ErrMalformedHeader is returned when header bytes cannot be decoded.
var ErrMalformedHeader = errors.New("malformed header")

// Header is the fixed-size frame prefix.
type Header struct {
	Command Command
	Length  uint32
}

// Encode encodes the header into exactly HeaderSize bytes.
func (h Header) Encode() []byte {
	b := make([]byte, 0, HeaderSize)
	return h.AppendTo(b)
}

// AppendTo appends the encoded header to b.
func (h Header) AppendTo(b []byte) []byte {
	b = protowire.AppendTag(b, headerCommandField, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(h.Command))
	b = protowire.AppendTag(b, headerLengthField, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, h.Length)
	return b
}

// Decode decodes exactly HeaderSize bytes into the header.
func (h *Header) Decode(data []byte) error {
	if len(data) != HeaderSize {
		return errors.Wrapf(ErrMalformedHeader, "got %d bytes, want %d", len(data), HeaderSize)
	}

	var haveCommand, haveLength bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(ErrMalformedHeader, protowire.ParseError(n).Error())
		}
		data = data[n:]
		if typ != protowire.Fixed32Type {
			return errors.Wrapf(ErrMalformedHeader, "field %d has wire type %d", num, typ)
		}
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return errors.Wrap(ErrMalformedHeader, protowire.ParseError(n).Error())
		}
		data = data[n:]

		switch num {
		case headerCommandField:
			h.Command = Command(v)
			haveCommand = true
		case headerLengthField:
			h.Length = v
			haveLength = true
		default:
			return errors.Wrapf(ErrMalformedHeader, "unexpected field %d", num)
		}
	}

	if !haveCommand || !haveLength {
		return errors.Wrap(ErrMalformedHeader, "missing field")
	}
	return nil
}

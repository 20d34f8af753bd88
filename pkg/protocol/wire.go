package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// walkFields calls fn for every field in data. For bytes fields v is the
// field content; for every other wire type v is the raw encoded value.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(ErrMalformedBody, protowire.ParseError(n).Error())
		}
		data = data[n:]

		var v []byte
		if typ == protowire.BytesType {
			b, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return errors.Wrap(ErrMalformedBody, protowire.ParseError(m).Error())
			}
			v, n = b, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrap(ErrMalformedBody, protowire.ParseError(n).Error())
			}
			v = data[:n]
		}
		data = data[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeVarint(v []byte) uint64 {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0
	}
	return x
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendString and appendInt64 omit zero values, following proto3 encoding.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

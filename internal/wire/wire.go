// Package wire implements the on-the-wire packet framing: a fixed 7-byte
// binary header followed by an optional JSON body. Parsing proceeds
// field-by-field with explicit error wrapping around a binary header
// rather than a delimited text format.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"udpchat/internal/chaterr"
)

// HeaderSize is the fixed length, in bytes, of the packet header.
const HeaderSize = 7

// Header is the fixed portion of every packet.
type Header struct {
	Seqn int32
	Ack  bool
	Syn  bool
	Fin  bool
}

// Packet is a decoded Header plus its raw JSON body. Body is nil when the
// packet carried no payload (an empty trailing section).
type Packet struct {
	Header Header
	Body   json.RawMessage
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// packHeader writes h into the first HeaderSize bytes of buf, which must
// be at least HeaderSize long.
func packHeader(h Header, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Seqn))
	buf[4] = boolByte(h.Ack)
	buf[5] = boolByte(h.Syn)
	buf[6] = boolByte(h.Fin)
}

// Encode serializes a header and an optional body (nil means "no body") into
// a single wire packet: four big-endian header fields followed by the JSON
// encoding of body, if any.
func Encode(h Header, body any) ([]byte, error) {
	var encodedBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("wire: encode body: %w", err)
		}
		encodedBody = b
	}
	out := make([]byte, HeaderSize+len(encodedBody))
	packHeader(h, out)
	copy(out[HeaderSize:], encodedBody)
	return out, nil
}

// Decode peels the fixed header prefix from data and parses any remaining
// bytes as JSON. It returns chaterr.ErrFrameMalformed (wrapped) if data is
// shorter than HeaderSize or the trailing bytes aren't valid JSON.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes shorter than %d-byte header", chaterr.ErrFrameMalformed, len(data), HeaderSize)
	}
	h := Header{
		Seqn: int32(binary.BigEndian.Uint32(data[0:4])),
		Ack:  data[4] != 0,
		Syn:  data[5] != 0,
		Fin:  data[6] != 0,
	}
	rest := data[HeaderSize:]
	if len(rest) == 0 {
		return Packet{Header: h}, nil
	}
	var probe json.RawMessage
	if err := json.Unmarshal(rest, &probe); err != nil {
		return Packet{}, fmt.Errorf("%w: invalid json body: %s", chaterr.ErrFrameMalformed, err)
	}
	return Packet{Header: h, Body: probe}, nil
}

// Len reports the number of bytes Encode(h, body) would produce, without
// allocating the packet. Used by callers that need to account for a send's
// byte length (e.g. sequence-number allocation) before committing to it.
func Len(h Header, body any) (int, error) {
	if body == nil {
		return HeaderSize, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("wire: encode body: %w", err)
	}
	return HeaderSize + len(b), nil
}

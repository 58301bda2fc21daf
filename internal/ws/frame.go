// Package ws implements the client side of RFC 6455 from scratch: a pure
// frame codec, the HTTP upgrade handshake, and a Session pairing both with a
// driven transport. Ping and close frames are answered inside the session
// receive loop, so callers only ever see data frames, pongs, and the peer
// close itself.
package ws

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/tickwire/tickwire/errs"
)

const source = "ws"

// maxControlPayload is the RFC 6455 cap on control frame payloads.
const maxControlPayload = 125

// Close status codes used by this client.
const (
	CloseNormal    uint16 = 1000
	CloseGoingAway uint16 = 1001
)

// ErrShortFrame reports that the buffer does not yet hold a complete frame.
// Callers read more bytes and retry; it never means the input is malformed.
var ErrShortFrame = errors.New("ws: incomplete frame")

// FrameHeader is the fixed part of a frame. Client frames always set Masked;
// server frames never do.
type FrameHeader struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Length  int64
}

// Frame is one protocol unit. Payload holds the unmasked bytes, so
// len(Payload) equals Length whether or not the frame was masked on the wire.
type Frame struct {
	FrameHeader
	Payload []byte
}

// TextFrame builds a masked client text frame.
func TextFrame(text string) Frame {
	return clientFrame(OpText, []byte(text))
}

// BinaryFrame builds a masked client binary frame.
func BinaryFrame(payload []byte) Frame {
	return clientFrame(OpBinary, payload)
}

// PingFrame builds a masked client ping.
func PingFrame(payload []byte) Frame {
	return clientFrame(OpPing, payload)
}

// PongFrame builds a masked client pong.
func PongFrame(payload []byte) Frame {
	return clientFrame(OpPong, payload)
}

// CloseFrame builds a masked close frame: big-endian status code followed by
// the reason text.
func CloseFrame(code uint16, reason string) Frame {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return clientFrame(OpClose, payload)
}

// ParseClose splits a close payload into status code and reason. Payloads
// shorter than two bytes carry no code.
func ParseClose(payload []byte) (code uint16, reason string) {
	if len(payload) < 2 {
		return 0, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}

func clientFrame(op Opcode, payload []byte) Frame {
	return Frame{
		FrameHeader: FrameHeader{
			Fin:     true,
			Opcode:  op,
			Masked:  true,
			MaskKey: NewMask(),
			Length:  int64(len(payload)),
		},
		Payload: payload,
	}
}

// AppendFrame appends the wire encoding of f to dst and returns the extended
// slice. Masked frames are masked on the wire only; f.Payload stays intact.
func AppendFrame(dst []byte, f Frame) []byte {
	b0 := byte(f.Opcode) & 0x0f
	if f.Fin {
		b0 |= 0x80
	}
	var maskBit byte
	if f.Masked {
		maskBit = 0x80
	}
	dst = append(dst, b0)

	n := len(f.Payload)
	switch {
	case n < 126:
		dst = append(dst, maskBit|byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, maskBit|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, maskBit|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		ApplyMask(dst[start:], f.MaskKey)
	}
	return dst
}

// EncodeFrame returns the wire encoding of f.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, 14+len(f.Payload)), f)
}

// DecodeHeader parses the frame header at the start of b and returns it with
// its encoded size. ErrShortFrame means b is too short to hold the header;
// any other error is a protocol violation.
func DecodeHeader(b []byte) (FrameHeader, int, error) {
	if len(b) < 2 {
		return FrameHeader{}, 0, ErrShortFrame
	}
	if b[0]&0x70 != 0 {
		return FrameHeader{}, 0, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("reserved frame bits set"))
	}

	var h FrameHeader
	h.Fin = b[0]&0x80 != 0
	h.Opcode = Opcode(b[0] & 0x0f)
	if !h.Opcode.Valid() {
		return FrameHeader{}, 0, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("reserved opcode"))
	}
	h.Masked = b[1]&0x80 != 0

	offset := 2
	switch short := b[1] & 0x7f; short {
	case 126:
		if len(b) < offset+2 {
			return FrameHeader{}, 0, ErrShortFrame
		}
		h.Length = int64(binary.BigEndian.Uint16(b[offset:]))
		offset += 2
	case 127:
		if len(b) < offset+8 {
			return FrameHeader{}, 0, ErrShortFrame
		}
		wide := binary.BigEndian.Uint64(b[offset:])
		if wide&(1<<63) != 0 {
			return FrameHeader{}, 0, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("frame length high bit set"))
		}
		h.Length = int64(wide)
		offset += 8
	default:
		h.Length = int64(short)
	}

	if h.Opcode.IsControl() && (!h.Fin || h.Length > maxControlPayload) {
		return FrameHeader{}, 0, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("malformed control frame"))
	}

	if h.Masked {
		if len(b) < offset+4 {
			return FrameHeader{}, 0, ErrShortFrame
		}
		copy(h.MaskKey[:], b[offset:offset+4])
		offset += 4
	}
	return h, offset, nil
}

// DecodeFrame parses one complete frame from the start of b and returns it
// with the number of bytes consumed. ErrShortFrame means more input is
// needed; any other error is a protocol violation fatal to the connection.
func DecodeFrame(b []byte) (Frame, int, error) {
	h, hn, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if int64(len(b)-hn) < h.Length {
		return Frame{}, 0, ErrShortFrame
	}

	payload := make([]byte, h.Length)
	copy(payload, b[hn:hn+int(h.Length)])
	if h.Masked {
		ApplyMask(payload, h.MaskKey)
	}
	return Frame{FrameHeader: h, Payload: payload}, hn + int(h.Length), nil
}

// ApplyMask XORs p in place against the repeating 4-byte key. Masking is an
// involution: applying the same key twice restores the input.
func ApplyMask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i&3]
	}
}

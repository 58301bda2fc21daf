package ws

// Opcode identifies a frame type. The set is closed: RFC 6455 reserves every
// other value and this client rejects them on decode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xa
)

// Valid reports whether o is one of the six defined opcodes.
func (o Opcode) Valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsControl reports whether o is a control opcode. Control frames must fit
// in a single unfragmented frame with a payload of at most 125 bytes.
func (o Opcode) IsControl() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "reserved"
	}
}

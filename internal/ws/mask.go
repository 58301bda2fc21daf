package ws

import "github.com/tickwire/tickwire/internal/timing"

// NewMask derives a client frame mask from the nanosecond clock. RFC 6455
// only needs masks to defeat transparent-proxy cache poisoning, so a fast
// non-cryptographic source is enough. This value is predictable and must
// never be used where unpredictability matters.
func NewMask() [4]byte {
	t := timing.Nanos()
	return [4]byte{byte(t), byte(t >> 8), byte(t >> 16), byte(t >> 24)}
}

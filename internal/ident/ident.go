// Package ident generates identifiers for requests, sessions, and orders.
package ident

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tickwire/tickwire/internal/timing"
)

var seq atomic.Uint64

const clientOrderIDPrefix = "TKW"

// New returns a globally unique identifier.
func New() string {
	return uuid.NewString()
}

// Short returns a compact 12-character identifier fragment.
func Short() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}

// WithPrefix returns "<prefix>-<unix millis>-<short id>" for human-scannable
// identifiers in logs and order trails.
func WithPrefix(prefix string) string {
	return prefix + "-" + strconv.FormatInt(timing.NowMillis(), 10) + "-" + Short()[:8]
}

// NextSeq returns the next process-wide sequence number, starting at 1.
func NextSeq() uint64 {
	return seq.Add(1)
}

// ClientOrderID returns an exchange-safe client order id: alphanumeric, at
// most 36 characters.
func ClientOrderID() string {
	id := strings.ReplaceAll(WithPrefix(clientOrderIDPrefix), "-", "")
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

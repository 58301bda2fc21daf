package connmgr

import "time"

// State tracks where a managed connection sits in its lifecycle.
type State uint8

const (
	// StateDisconnected means no session exists and none is being established.
	StateDisconnected State = iota
	// StateConnecting means a dial and handshake are in progress.
	StateConnecting
	// StateConnected means a live session is serving traffic.
	StateConnected
	// StateReconnecting means the manager is backing off before a fresh dial.
	StateReconnecting
	// StateFailed means reconnect attempts were exhausted. Terminal until an
	// explicit Connect command intervenes.
	StateFailed
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is a point-in-time snapshot of connection liveness counters. All
// timestamps are unix milliseconds. The manager loop is the only writer;
// readers receive immutable copies.
type Health struct {
	State          State
	LastPingMS     int64
	LastPongMS     int64
	PingLatencyUS  int64
	ReconnectCount int64
	MessageCount   int64
	ErrorCount     int64
	ConnectedAtMS  int64
}

// Healthy reports whether the connection is live and has seen a pong within
// the tolerance window ending at nowMS.
func (h Health) Healthy(nowMS int64, tolerance time.Duration) bool {
	return h.State == StateConnected && nowMS-h.LastPongMS < tolerance.Milliseconds()
}

package connmgr

// CommandKind enumerates the operations a caller can request from the manager.
type CommandKind uint8

const (
	// CmdConnect establishes a session if none exists.
	CmdConnect CommandKind = iota + 1
	// CmdDisconnect closes the session with a normal closure.
	CmdDisconnect
	// CmdReconnect tears the session down and dials again with backoff.
	CmdReconnect
	// CmdPing sends a heartbeat ping on the live session.
	CmdPing
	// CmdSubscribe adds a market stream subscription.
	CmdSubscribe
	// CmdUnsubscribe removes a market stream subscription.
	CmdUnsubscribe
	// CmdShutdown stops the run loop after closing the session and event queue.
	CmdShutdown
)

// String names the command kind for logs.
func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "connect"
	case CmdDisconnect:
		return "disconnect"
	case CmdReconnect:
		return "reconnect"
	case CmdPing:
		return "ping"
	case CmdSubscribe:
		return "subscribe"
	case CmdUnsubscribe:
		return "unsubscribe"
	case CmdShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Command is one queued instruction for the manager loop. Stream is only
// meaningful for CmdSubscribe and CmdUnsubscribe.
type Command struct {
	Kind   CommandKind
	Stream string
}

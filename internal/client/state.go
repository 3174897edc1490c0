package client

// State is the connection state of a Client.
type State int

const (
	// StateDisconnected means no connection is open. A reconnect may be pending.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means commands can be sent.
	StateConnected
	// StateFailed means the reconnect budget is exhausted. Only an explicit
	// Connect leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

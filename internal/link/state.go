package link

// State is the lifecycle state of a single connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown // terminal: suppresses every further reconnect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Channel selects one of the manager's two independent connections.
type Channel int

const (
	// Primary carries long-held exclusive work: acquisitions, calibrations,
	// benchmarks.
	Primary Channel = iota
	// Auxiliary carries short interactive work: stage queries and moves,
	// live frames.
	Auxiliary
)

func (c Channel) String() string {
	switch c {
	case Primary:
		return "primary"
	case Auxiliary:
		return "auxiliary"
	default:
		return "unknown"
	}
}

package amqpx

// State is the lifecycle state of a Connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

package stream

type State int

const (
	Connecting State = iota
	Open
	Errored
	Closed
	// PermanentlyFailed is entered when the reconnect policy gives up.
	PermanentlyFailed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	case PermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Closed || s == PermanentlyFailed
}

package queue

// State is the publish channel state.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

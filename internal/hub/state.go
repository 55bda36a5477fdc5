// Package hub implements the broadcast core: one supervised transcoder per
// unique upstream channel, fanned out to any number of attached clients.
package hub

// State describes the lifecycle of a broadcaster.
type State int32

const (
	// StateStarting means the transcoder is launching and no output has
	// been seen yet.
	StateStarting State = iota
	// StateStreaming means transcoded output is flowing to sinks.
	StateStreaming
	// StateDirectPipe means upstream bytes are being piped through
	// untouched because no transcoder is available.
	StateDirectPipe
	// StateReconnecting means the source died and a restart is pending.
	StateReconnecting
	// StateStopped is the terminal state after a clean shutdown.
	StateStopped
	// StateError is the terminal state after an unrecoverable failure.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDirectPipe:
		return "direct_pipe"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

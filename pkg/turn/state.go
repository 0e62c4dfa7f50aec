package turn

// State enumerates the phases of one conversation leg. Closed is terminal:
// once a call reaches Closed no further transition is accepted.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateAwaitingTool
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateAwaitingTool:
		return "AWAITING_TOOL"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

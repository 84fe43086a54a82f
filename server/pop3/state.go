package pop3

// State is the protocol phase of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateUserIdentified
	StateTransacting
	StateClosing

	// stateAny marks commands accepted in every state.
	stateAny State = -1
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateUserIdentified:
		return "user-identified"
	case StateTransacting:
		return "transacting"
	case StateClosing:
		return "closing"
	default:
		return "any"
	}
}

// outcome is what a command handler reports back to the dispatcher.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeTerminate
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeFailed:
		return "error"
	default:
		return "terminate"
	}
}

package session

// State is the connection state of a Session. Transitions are driven
// exclusively by handleEvent so the legal transition set stays auditable.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	// StateAwaitingConfirm is the device-linking step: a handshake token has
	// been issued and the out-of-band confirmation has not arrived yet.
	StateAwaitingConfirm
	StateConnected
	StateReconnecting
	// StateClosed is terminal. Reaching it purges the credential record and
	// removes the session from the registry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfirm:
		return "awaiting_confirm"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

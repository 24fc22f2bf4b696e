package session

// State is the connection state of the messaging session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateLoggedOut    State = "logged_out"
)

// States lists every state, used to reset gauges.
var States = []State{StateDisconnected, StateConnecting, StateReady, StateLoggedOut}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = string(s)
	}
	return names
}

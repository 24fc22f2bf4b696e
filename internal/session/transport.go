package session

import "context"

// EventKind identifies a transport lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventConnectFailure
	EventLoggedOut
	EventQR
	EventPaired
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailure:
		return "connect_failure"
	case EventLoggedOut:
		return "logged_out"
	case EventQR:
		return "qr"
	case EventPaired:
		return "paired"
	default:
		return "unknown"
	}
}

// Event is emitted by a Transport. LoggedOut marks disconnects and connect
// failures that carry an explicit logout code.
type Event struct {
	Kind        EventKind
	Reason      string
	LoggedOut   bool
	QRCode      string
	Credentials *Credentials
}

// Transport is a single authenticated connection to the chat network.
// Connect starts a connection attempt; its outcome arrives as events.
// Reset discards the local device identity so the next Connect pairs anew.
// Connected reports the live socket state, which can drop without an event.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Send(ctx context.Context, recipient, text string) (string, error)
	SetEventHandler(handler func(Event))
	Reset(ctx context.Context) error
}

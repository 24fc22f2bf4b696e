package session

// ReasonNotConnected is the failure reason when a send is attempted outside StateReady.
const ReasonNotConnected = "not_connected"

// SendResult is either a success carrying the transport message id or a
// failure carrying a reason. Send never returns an error.
type SendResult struct {
	MessageID string
	Reason    string
	ok        bool
}

// Success builds a successful SendResult.
func Success(messageID string) SendResult {
	return SendResult{MessageID: messageID, ok: true}
}

// Failure builds a failed SendResult.
func Failure(reason string) SendResult {
	return SendResult{Reason: reason}
}

// OK reports whether the message was accepted by the transport.
func (r SendResult) OK() bool {
	return r.ok
}

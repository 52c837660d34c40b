package adb

// ConnectionState tracks the handshake state machine of a Connection.
// A connection can carry streams only in StateConnected. The usual
// transitions are:
//
//	No auth required: StateIdle->StateSentConnect->StateConnected
//	RSA auth:         StateIdle->StateSentConnect->StateWaitAuth->StateSentSignature->StateConnected
//	First use:        ...->StateSentSignature->StateSentPublicKey->StateConnected
//
// StateFailed is terminal and reachable from every non-terminal state.
type ConnectionState uint8

const (
	StateIdle ConnectionState = iota
	StateSentConnect
	StateWaitAuth
	StateSentSignature
	StateSentPublicKey
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSentConnect:
		return "SentConnect"
	case StateWaitAuth:
		return "WaitAuth"
	case StateSentSignature:
		return "SentSignature"
	case StateSentPublicKey:
		return "SentPublicKey"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	default:
		return "<invalid ConnectionState>"
	}
}

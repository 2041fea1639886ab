// Package handshake defines the callback contract between a session
// orchestrator and the cryptographic handshake state machine. The
// handshake protocol itself is out of scope: this package only fixes the
// shape callers program against, plus a deterministic fake implementation
// used by orchestrator tests.
package handshake

// Callbacks is implemented by the session orchestrator. The Fsm calls
// these to drive I/O and to report terminal outcomes. Write/SetTimeout
// may be called from within Fsm.HandleEvent; the orchestrator must not
// block inside a callback, and an Fsm must tolerate receiving EventStop
// re-entrantly from within one of its own terminal callbacks.
type Callbacks interface {
	Write(data []byte)
	SetTimeout(seconds int)
	OnError(err error)
	OnListen()
	OnDisconnect()
	// OnAuthenticated reports a successful handshake. receivedExtraData is
	// an opaque, encrypted blob the orchestrator must attempt to decrypt
	// into an auth token; a decrypt failure here is not a handshake
	// failure (see internal/session.Orchestrator).
	OnAuthenticated(receivedExtraData []byte)
	OnSessionEnded()
	OnStatusUpdated(status string)
}

// Event is a single input delivered to the Fsm.
type Event uint8

const (
	EventConnected Event = iota
	EventRead
	EventDisconnected
	EventTimeout
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventRead:
		return "read"
	case EventDisconnected:
		return "disconnected"
	case EventTimeout:
		return "timeout"
	case EventStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Fsm is the opaque handshake state machine. A concrete implementation
// drives authentication over the bytes the orchestrator hands it via
// HandleEvent(EventRead, ...) and calls back into Callbacks as it
// progresses. This package never implements the real cryptographic
// protocol; see fake.go for the test double used in orchestrator tests.
type Fsm interface {
	HandleEvent(event Event, data []byte)
}

// NewFunc constructs an Fsm bound to cb. Wired as a function
// value (rather than a constructor type switch) so the orchestrator never
// needs to know which concrete handshake implementation is in use.
type NewFunc func(cb Callbacks) Fsm

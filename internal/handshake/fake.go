package handshake

// Outcome selects what a Fake does once it has seen a connected+read
// pair, letting orchestrator tests drive every named scenario (happy
// path, wrong credential, unpaired any-user, owner-lost mid-wait, ...)
// without a real cryptographic handshake.
type Outcome uint8

const (
	OutcomeAuthenticated Outcome = iota
	OutcomeAuthFailed
	OutcomeError
	OutcomeFin
	OutcomeHang
)

// Fake is a deterministic Fsm double. It records every event it
// receives and reacts to EventRead by firing the configured Outcome.
type Fake struct {
	cb        Callbacks
	Outcome   Outcome
	ExtraData []byte
	FailErr   error

	Events []Event
}

// NewFake returns a NewFunc that always builds the same Fake behavior,
// for use as a handshake.NewFunc in orchestrator tests.
func NewFake(outcome Outcome, extraData []byte, failErr error) NewFunc {
	return func(cb Callbacks) Fsm {
		return &Fake{cb: cb, Outcome: outcome, ExtraData: extraData, FailErr: failErr}
	}
}

func (f *Fake) HandleEvent(event Event, data []byte) {
	f.Events = append(f.Events, event)

	switch event {
	case EventConnected:
		f.cb.OnListen()
	case EventRead:
		f.fire()
	case EventDisconnected:
		f.cb.OnDisconnect()
	case EventTimeout:
		if f.FailErr == nil {
			f.FailErr = ErrHandshakeTimeout
		}
		f.cb.OnError(f.FailErr)
	case EventStop:
		f.cb.OnSessionEnded()
	}
}

func (f *Fake) fire() {
	switch f.Outcome {
	case OutcomeAuthenticated:
		f.cb.OnAuthenticated(f.ExtraData)
	case OutcomeAuthFailed:
		err := f.FailErr
		if err == nil {
			err = ErrAuthFailed
		}
		f.cb.OnError(err)
	case OutcomeError:
		err := f.FailErr
		if err == nil {
			err = ErrHandshakeInternal
		}
		f.cb.OnError(err)
	case OutcomeFin:
		f.cb.OnSessionEnded()
	case OutcomeHang:
		// deliberately produce no callback, for timeout-path tests.
	}
}

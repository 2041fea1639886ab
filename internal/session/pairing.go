package session

import (
	"context"
	"sync"
)

// Result is what CompleteAuth eventually reports for a session.
type Result struct {
	User    string
	Token   []byte
	Success bool
}

// pairingState tracks which half of the StartAuth/CompleteAuth pair has
// been observed. The zero value is the state right after a session is
// registered: neither reply has gone out yet.
type pairingState uint8

const (
	pairingWaitingStart pairingState = iota
	pairingWaitingComplete
	pairingDone
)

// ReplyPairing guarantees the two IPC replies of one session (the
// immediate StartAuth reply and the eventual CompleteAuth reply) are each
// observed exactly once. The CompleteAuth result is held until a caller
// awaits it; the order of the two replies on the bus comes from the
// service loop, since a CompleteAuth caller needs the handle that only
// the StartAuth reply carries. If the session is torn down
// (owner lost, timeout, transport error) before a handshake result
// exists, dropping the pairing synthesizes a failure result rather than
// leaving a CompleteAuth caller blocked forever.
type ReplyPairing struct {
	mu    sync.Mutex
	state pairingState

	resultCh chan Result
	dropped  bool
}

// NewReplyPairing returns a pairing in the waiting-for-StartAuth-reply
// state.
func NewReplyPairing() *ReplyPairing {
	return &ReplyPairing{resultCh: make(chan Result, 1)}
}

// ObserveStartReply marks the StartAuth reply as sent. It is a logic
// error to call this twice or to call CompleteReply before it.
func (p *ReplyPairing) ObserveStartReply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pairingWaitingStart {
		p.state = pairingWaitingComplete
	}
}

// CompleteReply fills the CompleteAuth result exactly once. Calls after
// the first (including after Drop) are ignored.
func (p *ReplyPairing) CompleteReply(result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pairingDone {
		return
	}
	p.state = pairingDone
	p.resultCh <- result
}

// Drop tears the pairing down early. If no CompleteReply has happened
// yet, it sends a failure result first so any blocked AwaitReply/
// CompleteAuth caller unblocks with success=false instead of hanging.
func (p *ReplyPairing) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pairingDone || p.dropped {
		return
	}
	p.dropped = true
	p.state = pairingDone
	p.resultCh <- Result{}
}

// AwaitReply blocks until CompleteReply or Drop has produced a result,
// or ctx is cancelled.
func (p *ReplyPairing) AwaitReply(ctx context.Context) (string, []byte, bool) {
	select {
	case r := <-p.resultCh:
		return r.User, r.Token, r.Success
	case <-ctx.Done():
		return "", nil, false
	}
}

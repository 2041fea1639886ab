package registry

import (
	"context"
	"log/slog"
)

// Factory builds the Entry for a StartAuth call. paramsJSON is the raw
// JSON parameters dictionary the caller supplied, fed to the session
// config overlay's caller layer. Factory is invoked on the ServiceLoop
// goroutine, so it must not block.
type Factory func(user string, paramsJSON []byte) (Entry, StartCode, error)

// StartCode enumerates the synchronous outcomes StartAuth can report
// before any handshake has happened.
type StartCode uint8

const (
	StartOK StartCode = iota
	StartFilterEmpty
	StartRegistryExhausted
	StartConfigMalformed
)

// Starter is the optional deferred-start hook a session entry may
// implement: when present, the service loop opens the session's
// transport only after a registry slot has been secured, so a rejected
// StartAuth never leaves channel goroutines or timers behind.
type Starter interface {
	StartSession() (StartCode, error)
}

// Waiter is the narrow surface ServiceLoop needs from a session entry to
// implement CompleteAuth's blocking wait and the StartAuth-before-
// CompleteAuth reply ordering guarantee.
type Waiter interface {
	Entry
	// AwaitReply blocks until the session has a CompleteAuth result
	// ready (authenticated+token, or failure) and returns it. It must
	// only be called after the corresponding StartAuth reply has
	// already been delivered to the caller.
	AwaitReply(ctx context.Context) (user string, token []byte, success bool)
}

type opKind uint8

const (
	opStartAuth opKind = iota
	opCompleteAuth
	opExit
	opOwnerLost
	opTimeout
	opTransport
)

type startAuthReq struct {
	user       string
	paramsJSON []byte
	factory    Factory
	reply      chan startAuthResp
}

type startAuthResp struct {
	handle  Handle
	qrCode  string
	code    StartCode
	success bool
}

type completeAuthReq struct {
	ctx    context.Context
	handle Handle
	reply  chan completeAuthResp
}

type completeAuthResp struct {
	user    string
	token   []byte
	success bool
}

// ServiceLoop is the single-threaded event reactor that owns a Registry.
// All operations and signals are funneled through one goroutine (Run) via
// channels, so registry mutation always happens from the same
// goroutine even though callers invoke ServiceLoop methods concurrently.
type ServiceLoop struct {
	reg    *Registry
	logger *slog.Logger

	startCh    chan startAuthReq
	completeCh chan completeAuthReq
	exitCh     chan chan struct{}
	ownerLost  chan string
	timeout    chan Handle
	transport  chan transportSignal

	done chan struct{}
}

type transportSignal struct {
	handle Handle
	err    error
}

// NewServiceLoop builds a ServiceLoop over reg. Call Run in its own
// goroutine before issuing any operation.
func NewServiceLoop(reg *Registry, logger *slog.Logger) *ServiceLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceLoop{
		reg:        reg,
		logger:     logger.With(slog.String("component", "serviceloop")),
		startCh:    make(chan startAuthReq),
		completeCh: make(chan completeAuthReq),
		exitCh:     make(chan chan struct{}),
		ownerLost:  make(chan string, 16),
		timeout:    make(chan Handle, 16),
		transport:  make(chan transportSignal, 16),
		done:       make(chan struct{}),
	}
}

// Done returns a channel closed once Run has returned, so callers serving
// alongside the loop (e.g. internal/ipc.Server) can stop when it does.
func (s *ServiceLoop) Done() <-chan struct{} { return s.done }

// Run processes operations and signals serially until Exit is called or
// ctx is cancelled. It must be called from exactly one goroutine.
func (s *ServiceLoop) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.startCh:
			s.handleStartAuth(req)
		case req := <-s.completeCh:
			s.handleCompleteAuth(req)
		case owner := <-s.ownerLost:
			s.handleOwnerLost(owner)
		case h := <-s.timeout:
			s.handleTimeout(h)
		case sig := <-s.transport:
			s.handleTransport(sig)
		case waitCh := <-s.exitCh:
			s.handleExit()
			close(waitCh)
			return
		}
	}
}

// StartAuth allocates and starts a new session for user. The returned
// handle, invitation code and StartCode are the complete StartAuth reply;
// this call never blocks on the handshake itself.
func (s *ServiceLoop) StartAuth(user string, paramsJSON []byte, factory Factory) (Handle, string, StartCode) {
	reply := make(chan startAuthResp, 1)
	req := startAuthReq{user: user, paramsJSON: paramsJSON, factory: factory, reply: reply}
	select {
	case s.startCh <- req:
	case <-s.done:
		return 0, "", StartRegistryExhausted
	}
	resp := <-reply
	return resp.handle, resp.qrCode, resp.code
}

func (s *ServiceLoop) handleStartAuth(req startAuthReq) {
	entry, code, err := req.factory(req.user, req.paramsJSON)
	if err != nil || code != StartOK {
		req.reply <- startAuthResp{code: code}
		return
	}

	// Harvest precedes every allocation, so a slot whose session already
	// finished is reclaimed on the very next StartAuth rather than only
	// once the table looks full.
	s.reg.Harvest()
	h, allocErr := s.reg.Allocate(entry)
	if allocErr != nil {
		// The entry was built but never started; Stop still runs so a
		// rejected session resolves its pending reply and releases
		// whatever the factory set up.
		entry.Stop()
		s.logger.Warn("registry exhausted", slog.String("user", req.user))
		req.reply <- startAuthResp{code: StartRegistryExhausted}
		return
	}

	s.reg.StopSimilar(entry)

	// Deferred start: the transport only opens now that the slot is
	// secured, so a capacity rejection never leaks channel goroutines or
	// a ticking session timer.
	if st, ok := entry.(Starter); ok {
		startCode, startErr := st.StartSession()
		if startErr != nil || startCode != StartOK {
			entry.Stop()
			s.reg.Remove(h)
			req.reply <- startAuthResp{code: startCode}
			return
		}
	}

	// The invitation code for the QR renderer, when the session exposes
	// one; fake entries in tests simply reply with an empty code.
	var qr string
	if c, ok := entry.(interface{ QRCode() string }); ok {
		qr = c.QRCode()
	}

	s.logger.Info("session started", slog.String("user", req.user), slog.Uint64("handle", uint64(h)))
	req.reply <- startAuthResp{handle: h, qrCode: qr, code: StartOK, success: true}
}

// CompleteAuth blocks until handle's handshake result is available.
func (s *ServiceLoop) CompleteAuth(ctx context.Context, handle Handle) (user string, token []byte, success bool) {
	reply := make(chan completeAuthResp, 1)
	req := completeAuthReq{ctx: ctx, handle: handle, reply: reply}
	select {
	case s.completeCh <- req:
	case <-s.done:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	}
	select {
	case resp := <-reply:
		return resp.user, resp.token, resp.success
	case <-ctx.Done():
		return "", nil, false
	}
}

func (s *ServiceLoop) handleCompleteAuth(req completeAuthReq) {
	entry, ok := s.reg.Get(req.handle)
	if !ok {
		req.reply <- completeAuthResp{}
		return
	}
	w, ok := entry.(Waiter)
	if !ok {
		req.reply <- completeAuthResp{}
		return
	}

	// AwaitReply blocks the caller of CompleteAuth, not the loop: run it
	// off-goroutine so the reactor keeps servicing other operations and
	// signals (including the Timeout/OwnerLost/Transport that might be
	// what unblocks this very wait).
	go func() {
		user, token, success := w.AwaitReply(req.ctx)
		req.reply <- completeAuthResp{user: user, token: token, success: success}
	}()
}

// Exit stops the loop and waits for it to drain.
func (s *ServiceLoop) Exit() {
	waitCh := make(chan struct{})
	select {
	case s.exitCh <- waitCh:
		<-waitCh
	case <-s.done:
	}
}

func (s *ServiceLoop) handleExit() {
	for _, m := range s.reg.collect(func(Entry) bool { return true }) {
		m.entry.Stop()
	}
	s.logger.Info("service loop exiting")
}

// SignalOwnerLost reports that the IPC owner identified by ownerTag has
// disappeared (e.g. a D-Bus NameOwnerChanged with no new owner).
func (s *ServiceLoop) SignalOwnerLost(ownerTag string) {
	select {
	case s.ownerLost <- ownerTag:
	case <-s.done:
	}
}

func (s *ServiceLoop) handleOwnerLost(ownerTag string) {
	freed := s.reg.OwnerLost(ownerTag)
	if len(freed) > 0 {
		s.logger.Info("owner lost", slog.String("owner", ownerTag), slog.Int("sessions_stopped", len(freed)))
	}
}

// SignalTimeout reports that handle's session-level timeout fired.
func (s *ServiceLoop) SignalTimeout(h Handle) {
	select {
	case s.timeout <- h:
	case <-s.done:
	}
}

func (s *ServiceLoop) handleTimeout(h Handle) {
	entry, ok := s.reg.Get(h)
	if !ok {
		return
	}
	entry.Stop()
	s.reg.Remove(h)
	s.logger.Info("session timed out", slog.Uint64("handle", uint64(h)))
}

// SignalTransport reports a transport-level error for handle.
func (s *ServiceLoop) SignalTransport(h Handle, err error) {
	select {
	case s.transport <- transportSignal{handle: h, err: err}:
	case <-s.done:
	}
}

func (s *ServiceLoop) handleTransport(sig transportSignal) {
	entry, ok := s.reg.Get(sig.handle)
	if !ok {
		return
	}
	s.logger.Warn("transport error", slog.Uint64("handle", uint64(sig.handle)), slog.Any("err", sig.err))
	entry.Stop()
	s.reg.Remove(sig.handle)
}

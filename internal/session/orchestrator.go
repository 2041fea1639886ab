// Package session implements the per-session state that sits between the
// registry and the transport/handshake layers: the orchestrator that
// wires a ByteChannel, a BeaconEmitter and a HandshakeFsm together for one
// authenticating peer, the per-session config overlay, and the
// StartAuth/CompleteAuth reply pairing.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pico-continuousd/pico-continuousd/internal/beacon"
	"github.com/pico-continuousd/pico-continuousd/internal/channel"
	"github.com/pico-continuousd/pico-continuousd/internal/handshake"
	"github.com/pico-continuousd/pico-continuousd/internal/registry"
)

// ErrFilterEmpty is returned by Start when the session's configured user
// filter is neither any_user nor contains the requesting user.
var ErrFilterEmpty = errors.New("session: user filter empty")

// Locker fires the on-disk screen-lock command for a username. The
// concrete implementation (internal/lock) shells out and only logs the
// exit status; the orchestrator never waits on more than that.
type Locker interface {
	Lock(username string)
}

// Decryptor turns the encrypted extra-data blob a handshake yields into
// an auth token. A decrypt failure is deliberately non-fatal here: per a
// standing design decision, the orchestrator logs it, treats the token
// as empty and still reports success rather than failing the session.
type Decryptor func(data []byte) ([]byte, error)

// PayloadFunc builds the signed beacon payload advertising a session
// whose transport listens on address.
type PayloadFunc func(address string) ([]byte, error)

// Orchestrator is one authenticating session: it implements
// channel.EventSink to receive transport events, handshake.Callbacks to
// drive and be driven by the handshake FSM, and registry.Entry/Waiter so
// the registry and ServiceLoop can manage its lifecycle without knowing
// any of this detail.
type Orchestrator struct {
	user     string
	ownerTag string
	target   string
	cfg      Config

	startCtx     context.Context
	allowedUsers []string

	ch               channel.ByteChannel
	fsm              handshake.Fsm
	decrypt          Decryptor
	locker           Locker
	onTransportError func(err error)

	beaconDialer  beacon.Dialer
	beaconTargets []string
	beaconPayload PayloadFunc

	logger *slog.Logger

	mu            sync.Mutex
	timeoutTimer  *time.Timer
	succeededOnce bool
	stopped       bool
	locked        bool
	emitter       *beacon.Emitter
	qrCode        string

	pairing *ReplyPairing
	doneCh  chan struct{}
}

// NewOrchestrator builds an Orchestrator for user. newChannel constructs
// the ByteChannel bound to this orchestrator's EventSink adapter
// (ChannelSink) and newFsm constructs the Fsm bound to this orchestrator
// as handshake.Callbacks. target identifies the paired device/service for
// duplicate-session detection (registry.Key). onTransportError is invoked
// when the transport reports an error that is neither transient nor busy;
// the daemon wires it to stop this session.
func NewOrchestrator(
	user, ownerTag, target string,
	cfg Config,
	newChannel channel.NewChannelFunc,
	newFsm handshake.NewFunc,
	decrypt Decryptor,
	locker Locker,
	onTransportError func(err error),
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		user:             user,
		ownerTag:         ownerTag,
		target:           target,
		cfg:              cfg,
		decrypt:          decrypt,
		locker:           locker,
		onTransportError: onTransportError,
		logger:           logger.With(slog.String("component", "orchestrator"), slog.String("user", user)),
		pairing:          NewReplyPairing(),
		doneCh:           make(chan struct{}),
	}
	o.ch = newChannel(o.ChannelSink())
	o.fsm = newFsm(o)
	return o
}

// AttachBeacon wires a BeaconEmitter into this session: dialer drives the
// per-target locate/connect/write chains, targets is the daemon-wide
// beacon address set (read once at startup, owned by every campaign for
// the life of the process), and payloadFunc builds the signed beacon
// payload from the channel's listen address. Call it before Start. A
// session whose Config.Beacons is false, or which never calls
// AttachBeacon, simply runs without a beacon campaign.
func (o *Orchestrator) AttachBeacon(dialer beacon.Dialer, targets []string, payloadFunc PayloadFunc) {
	o.beaconDialer = dialer
	o.beaconTargets = targets
	o.beaconPayload = payloadFunc
}

// MatchesFilter reports whether user may authenticate against a session
// configured with allowedUsers (ignored when cfg.AnyUser is set).
func MatchesFilter(cfg Config, user string, allowedUsers []string) bool {
	if cfg.AnyUser {
		return true
	}
	for _, u := range allowedUsers {
		if u == user {
			return true
		}
	}
	return false
}

// Start validates the user filter, opens the transport and arms the
// session timeout. It returns registry.StartFilterEmpty without touching
// the transport if the filter rejects user. The StartAuth reply is
// considered sent as soon as Start returns; CompleteReply/Drop may
// safely race with the caller's next CompleteAuth call from this point.
func (o *Orchestrator) Start(ctx context.Context, allowedUsers []string) (registry.StartCode, error) {
	if !MatchesFilter(o.cfg, o.user, allowedUsers) {
		return registry.StartFilterEmpty, ErrFilterEmpty
	}

	address, err := o.ch.Listen(ctx)
	if err != nil {
		return registry.StartRegistryExhausted, err
	}

	// The invitation payload is built whether or not an out-of-band
	// campaign runs: the same bytes serve as the QR code text returned to
	// the StartAuth caller and as the campaign payload.
	var payload []byte
	if o.beaconPayload != nil {
		payload, err = o.beaconPayload(address)
		if err != nil {
			o.logger.Warn("beacon payload construction failed", slog.Any("err", err))
			payload = nil
		}
	}

	o.mu.Lock()
	o.qrCode = string(payload)
	o.armTimeoutLocked(o.cfg.TimeoutSecs)
	o.mu.Unlock()

	o.startBeacon(ctx, payload)

	o.pairing.ObserveStartReply()
	return registry.StartOK, nil
}

// Prime stores the context and allowed-user table a deferred
// StartSession call uses. The service loop starts a session only once
// the registry has a slot for it, so a StartAuth rejected for capacity
// never opens the transport in the first place.
func (o *Orchestrator) Prime(ctx context.Context, allowedUsers []string) {
	o.startCtx = ctx
	o.allowedUsers = allowedUsers
}

// StartSession opens a primed session; it is the deferred-start hook the
// service loop invokes after allocation.
func (o *Orchestrator) StartSession() (registry.StartCode, error) {
	ctx := o.startCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return o.Start(ctx, o.allowedUsers)
}

// QRCode returns the signed invitation payload Start built, as the string
// the StartAuth reply carries for QR rendering. Empty until Start has run
// (or when no signing key is available).
func (o *Orchestrator) QRCode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.qrCode
}

// startBeacon launches the beacon campaign if this session was configured
// with targets and a dialer was attached. A session with beacons
// disabled (the default) never builds an emitter at all.
func (o *Orchestrator) startBeacon(ctx context.Context, payload []byte) {
	if !o.cfg.Beacons || o.beaconDialer == nil || len(payload) == 0 || len(o.beaconTargets) == 0 {
		return
	}

	o.mu.Lock()
	emitter := beacon.New(o.beaconDialer, payload, nil, o.logger)
	o.emitter = emitter
	o.mu.Unlock()

	emitter.Start(ctx, o.beaconTargets)
}

func (o *Orchestrator) armTimeoutLocked(seconds int) {
	if o.timeoutTimer != nil {
		o.timeoutTimer.Stop()
	}
	if seconds <= 0 {
		o.timeoutTimer = nil
		return
	}
	o.timeoutTimer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		o.dispatchEvent(handshake.EventTimeout, nil)
	})
}

func (o *Orchestrator) dispatchEvent(event handshake.Event, data []byte) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.fsm.HandleEvent(event, data)
}

// --- registry.Entry / registry.Waiter ---------------------------------

func (o *Orchestrator) OwnerTag() string { return o.ownerTag }

func (o *Orchestrator) Key() registry.Key {
	return registry.Key{User: o.user, Target: o.target}
}

func (o *Orchestrator) Continuing() bool { return o.cfg.Continuous }

func (o *Orchestrator) Done() <-chan struct{} { return o.doneCh }

func (o *Orchestrator) AwaitReply(ctx context.Context) (string, []byte, bool) {
	return o.pairing.AwaitReply(ctx)
}

// Stop tears the session down idempotently: it requests the beacon
// emitter to drain, cancels pending reads, disconnects the transport,
// stops the timeout timer, drops the reply
// pairing (sending a failure reply first if none was sent yet) and
// closes Done(). Stop does not wait for the beacon's mid-send chains to
// finish draining; they run to completion independently and are never
// on the critical path for a session being reported stopped.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	if o.timeoutTimer != nil {
		o.timeoutTimer.Stop()
	}
	emitter := o.emitter
	o.mu.Unlock()

	if emitter != nil {
		emitter.Stop()
	}
	o.ch.CancelPendingReads()
	_ = o.ch.Disconnect()
	o.fsm.HandleEvent(handshake.EventStop, nil)
	o.pairing.Drop()
	o.lockIfAuthenticatedOnce()
	close(o.doneCh)
}

// lockIfAuthenticatedOnce fires the screen-lock command exactly once for
// a continuous session that had authenticated at least once, no matter
// which of the several end-of-session paths (handshake Fin/Error/
// AuthFailed, supersede, owner lost, timeout, transport error) triggers
// it. A one-shot (non-continuous) session never locks on its own Stop: it
// exists to authenticate once, not to watch for the user's continued
// presence, so there is nothing to revoke when it ends.
func (o *Orchestrator) lockIfAuthenticatedOnce() {
	o.mu.Lock()
	shouldLock := o.cfg.Continuous && o.succeededOnce && !o.locked
	o.locked = o.locked || (o.cfg.Continuous && o.succeededOnce)
	o.mu.Unlock()

	if shouldLock && o.locker != nil {
		o.locker.Lock(o.user)
	}
}

// --- channel.EventSink ---------------------------------------------------
//
// channel.EventSink and handshake.Callbacks both define an OnError method
// with different signatures, which a single Go type cannot implement
// twice under one name. ChannelSink exposes the EventSink side as a
// separate value bound to the same Orchestrator; wire it in wherever a
// channel.ByteChannel is constructed for this session.

// ChannelSink returns the channel.EventSink adapter for this session. The
// concrete ByteChannel must be constructed with this value, e.g.
// ch := rvp.New(urlPrefix, nil)(orchestrator.ChannelSink()).
func (o *Orchestrator) ChannelSink() channel.EventSink { return (*orchestratorSink)(o) }

type orchestratorSink Orchestrator

func (s *orchestratorSink) orch() *Orchestrator { return (*Orchestrator)(s) }

func (s *orchestratorSink) OnConnected() { s.orch().dispatchEvent(handshake.EventConnected, nil) }

func (s *orchestratorSink) OnIncoming(data []byte) {
	s.orch().dispatchEvent(handshake.EventRead, data)
}

func (s *orchestratorSink) OnSendComplete() {}

func (s *orchestratorSink) OnDisconnected() {
	s.orch().dispatchEvent(handshake.EventDisconnected, nil)
}

func (s *orchestratorSink) OnError(kind channel.ErrorKind) {
	o := s.orch()
	o.logger.Warn("transport error", slog.String("kind", kind.String()))
	if kind == channel.ErrorKindTransient || kind == channel.ErrorKindBusy {
		return
	}
	if o.onTransportError != nil {
		o.onTransportError(errors.New("transport: " + kind.String()))
	}
}

func (s *orchestratorSink) OnTimeout() { s.orch().dispatchEvent(handshake.EventTimeout, nil) }

// --- handshake.Callbacks ------------------------------------------------

func (o *Orchestrator) Write(data []byte) {
	if err := o.ch.Send(data); err != nil {
		o.logger.Warn("write failed", slog.Any("err", err))
	}
}

func (o *Orchestrator) SetTimeout(seconds int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.armTimeoutLocked(seconds)
}

func (o *Orchestrator) OnListen() {}

func (o *Orchestrator) OnDisconnect() {}

// OnError handles FsmAuthFailed/FsmError: the handshake itself reported a
// failure. Like OnSessionEnded, it emits a failure reply and locks if the
// session had authenticated at least once before (a continuous session
// can fail its re-authentication after having already succeeded once).
func (o *Orchestrator) OnError(err error) {
	o.logger.Warn("handshake error", slog.Any("err", err))
	o.finishWithFailure()
}

func (o *Orchestrator) OnStatusUpdated(status string) {
	o.logger.Debug("status updated", slog.String("status", status))
}

// OnAuthenticated reports a successful handshake. A decrypt failure here
// is deliberately non-fatal: the session still reports success with an
// empty token rather than escalating to a handshake failure, on the
// judgment that a corrupt extra-data blob is a data problem, not an
// identity one. A continuous session stays running to keep
// re-authenticating the phone; a one-shot session requests its own stop
// once the CompleteAuth reply is in flight, so its slot becomes
// Harvestable without waiting for the peer to disconnect first.
func (o *Orchestrator) OnAuthenticated(receivedExtraData []byte) {
	var token []byte
	if o.decrypt != nil {
		t, err := o.decrypt(receivedExtraData)
		if err != nil {
			o.logger.Warn("extra-data decrypt failed, proceeding with empty token", slog.Any("err", err))
		} else {
			token = t
		}
	}

	o.mu.Lock()
	o.succeededOnce = true
	continuous := o.cfg.Continuous
	o.mu.Unlock()

	o.pairing.CompleteReply(Result{User: o.user, Token: token, Success: true})

	if !continuous {
		o.Stop()
	}
}

// OnSessionEnded handles FsmFin: the handshake ended cleanly (e.g. the
// continuous session's peer walked away). It always emits a failure
// reply for any CompleteAuth still waiting, and fires the lock command
// if this continuous session had authenticated at least once.
func (o *Orchestrator) OnSessionEnded() {
	o.finishWithFailure()
}

// finishWithFailure is the single funnel for every handshake-level end of
// session: it resolves any pending CompleteAuth with failure, fires the
// lock command if this continuous session had authenticated before, and
// requests the session's own stop so its slot becomes Harvestable. Stop
// re-delivers EventStop to the fsm, which lands back here; the stopped
// flag makes that second pass a no-op.
func (o *Orchestrator) finishWithFailure() {
	o.pairing.CompleteReply(Result{})
	o.lockIfAuthenticatedOnce()
	o.Stop()
}

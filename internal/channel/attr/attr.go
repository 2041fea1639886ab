// Package attr implements a ByteChannel over a BLE-GATT-style attribute
// radio session. No BLE stack ships in this module's dependency set; this
// package models the explicit advertise/connect/teardown state machine a
// real platform driver would drive through RadioDriver, so the state
// transitions and chunk reassembly themselves are fully testable without
// real hardware.
package attr

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pico-continuousd/pico-continuousd/internal/channel"
)

// State is one node of the GATT session lifecycle.
type State uint8

const (
	StateDormant State = iota
	StateInitialising
	StateInitialised
	StateAdvertising
	StateAdvertisingContinuous
	StateConnected
	StateUnadvertising
	StateUnadvertised
	StateFinalising
	StateFinalised
)

func (s State) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateInitialising:
		return "initialising"
	case StateInitialised:
		return "initialised"
	case StateAdvertising:
		return "advertising"
	case StateAdvertisingContinuous:
		return "advertising_continuous"
	case StateConnected:
		return "connected"
	case StateUnadvertising:
		return "unadvertising"
	case StateUnadvertised:
		return "unadvertised"
	case StateFinalising:
		return "finalising"
	case StateFinalised:
		return "finalised"
	default:
		return "unknown"
	}
}

// recycleAllowed is the set of states eligible to start a stack recycle
// immediately when the timer fires.
func recycleAllowed(s State) bool {
	return s == StateInitialised || s == StateAdvertising || s == StateUnadvertised
}

// RadioDriver is the narrow surface a real platform BLE-GATT stack would
// implement: starting/stopping advertisement of a service UUID and writing
// one attribute-value-sized chunk to the connected central. Inbound chunks
// and connect/disconnect notifications arrive via the Channel's Handle*
// methods, which the driver calls from its own event loop; this package
// owns reassembly on both directions, not the driver.
type RadioDriver interface {
	StartAdvertising(serviceUUID string) error
	StopAdvertising() error
	WriteChunk(chunk []byte) error
}

const (
	maxSendChunk        = 20 // MAX_SEND: outbound attribute-value ceiling this adapter targets
	headerChunkOverhead = 5  // 1-byte chunk index + 4-byte big-endian remaining-length header
)

// recycleInterval is how often the advertising stack is torn down and
// reinitialised to work around host-radio state leaks in unstable radio
// daemons; purely a stability workaround, not a functional requirement.
// A var, not a const, so tests can shrink it instead of waiting out the
// production interval.
var recycleInterval = 10 * time.Second

// ServiceUUIDFromIdentityKey derives the GATT service UUID from a hash of
// the service's identity public key, with the last byte's low bit set when
// the session is in continuous mode and clear otherwise, so the advertised
// UUID itself signals continuous vs one-shot mode to a scanning central.
func ServiceUUIDFromIdentityKey(pubKey []byte, continuous bool) string {
	sum := sha256.Sum256(pubKey)
	buf := append([]byte(nil), sum[:16]...)
	if continuous {
		buf[15] |= 0x01
	} else {
		buf[15] &^= 0x01
	}
	return hex.EncodeToString(buf)
}

// RecycleHook is invoked once a recycle cycle completes. The default does
// nothing; tests can substitute one to observe recycle timing.
type RecycleHook func()

type reassembly struct {
	headerSeen bool
	remaining  uint32
	buf        []byte
}

// Channel is a ByteChannel over a simulated BLE-GATT radio session.
type Channel struct {
	sink       channel.EventSink
	driver     RadioDriver
	continuous bool
	hook       RecycleHook

	mu             sync.Mutex
	state          State
	serviceUUID    string
	cancelRecycle  context.CancelFunc
	recyclePending bool
	recycling      bool
	sending        bool
	reasm          reassembly
}

// New returns a channel.NewChannelFunc bound to driver and the service
// identity public key pubKey. continuous mirrors ConfigOverlay.Continuous
// for the session this channel will serve, and is baked into the
// advertised service UUID's low bit.
func New(driver RadioDriver, pubKey []byte, continuous bool, hook RecycleHook) channel.NewChannelFunc {
	if hook == nil {
		hook = func() {}
	}
	return func(sink channel.EventSink) channel.ByteChannel {
		return &Channel{
			sink:        sink,
			driver:      driver,
			continuous:  continuous,
			hook:        hook,
			state:       StateDormant,
			serviceUUID: ServiceUUIDFromIdentityKey(pubKey, continuous),
		}
	}
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// advertisingState is StateAdvertisingContinuous for a continuous session,
// StateAdvertising otherwise; every place the channel returns to
// "advertising" (initial Listen, post-disconnect, post-recycle) lands here.
func (c *Channel) advertisingState() State {
	if c.continuous {
		return StateAdvertisingContinuous
	}
	return StateAdvertising
}

func (c *Channel) Listen(ctx context.Context) (string, error) {
	c.setState(StateInitialising)
	c.setState(StateInitialised)

	if err := c.driver.StartAdvertising(c.serviceUUID); err != nil {
		return "", fmt.Errorf("attr: start advertising: %w", err)
	}
	c.setState(c.advertisingState())

	recycleCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelRecycle = cancel
	c.mu.Unlock()
	go c.recycleLoop(recycleCtx)

	return "attr://" + c.serviceUUID, nil
}

// recycleLoop fires every recycleInterval. A tick landing on a state in
// recycleAllowed runs the teardown/reinit cycle immediately; any other
// state (other than Dormant/Finalised, where there is nothing left to
// recycle) defers it until the channel next enters an allowed state.
func (c *Channel) recycleLoop(ctx context.Context) {
	ticker := time.NewTicker(recycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			s := c.state
			c.mu.Unlock()
			if s == StateDormant || s == StateFinalised {
				continue
			}
			if recycleAllowed(s) {
				c.doRecycle()
			} else {
				c.mu.Lock()
				c.recyclePending = true
				c.mu.Unlock()
			}
		}
	}
}

// maybeRunDeferredRecycle is called when the central disconnects, so a
// recycle deferred while Connected runs once the channel is back in an
// advertising state.
func (c *Channel) maybeRunDeferredRecycle() {
	c.mu.Lock()
	s := c.state
	pending := c.recyclePending
	c.mu.Unlock()
	if pending && recycleAllowed(s) {
		c.doRecycle()
	}
}

// doRecycle drives Unadvertising → Unadvertised → Finalising → Finalised →
// Initialising → Initialised → (Advertising|AdvertisingContinuous),
// serialised so a second concurrent trigger is a no-op.
func (c *Channel) doRecycle() {
	c.mu.Lock()
	if c.recycling {
		c.mu.Unlock()
		return
	}
	c.recycling = true
	c.recyclePending = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.recycling = false
		c.mu.Unlock()
	}()

	c.setState(StateUnadvertising)
	if err := c.driver.StopAdvertising(); err != nil {
		c.sink.OnError(channel.ErrorKindTransient)
	}
	c.setState(StateUnadvertised)
	c.setState(StateFinalising)
	c.setState(StateFinalised)
	c.setState(StateInitialising)
	c.setState(StateInitialised)
	if err := c.driver.StartAdvertising(c.serviceUUID); err != nil {
		c.sink.OnError(channel.ErrorKindTransient)
		return
	}
	c.setState(c.advertisingState())
	c.hook()
}

// HandleRadioConnected is called by the platform driver when a central
// connects.
func (c *Channel) HandleRadioConnected() {
	c.setState(StateConnected)
	c.sink.OnConnected()
}

// HandleRadioIncoming is called by the platform driver with one raw
// attribute write. The first chunk of a frame (reassembly not yet armed,
// length >= 6) carries a 1-byte index, a 4-byte big-endian remaining-length
// header, then payload; every later chunk of that frame is index byte plus
// payload only. Incoming fires once the reassembled remaining count reaches
// zero.
func (c *Channel) HandleRadioIncoming(chunk []byte) {
	if len(chunk) < 1 {
		return
	}

	c.mu.Lock()
	var payload []byte
	if !c.reasm.headerSeen {
		if len(chunk) < headerChunkOverhead+1 {
			c.mu.Unlock()
			c.sink.OnError(channel.ErrorKindTransient)
			return
		}
		c.reasm.remaining = binary.BigEndian.Uint32(chunk[1:5])
		payload = chunk[5:]
		c.reasm.headerSeen = true
		c.reasm.buf = c.reasm.buf[:0]
	} else {
		payload = chunk[1:]
	}

	c.reasm.buf = append(c.reasm.buf, payload...)
	if uint32(len(payload)) >= c.reasm.remaining {
		c.reasm.remaining = 0
	} else {
		c.reasm.remaining -= uint32(len(payload))
	}

	var frame []byte
	if c.reasm.remaining == 0 {
		frame = append([]byte(nil), c.reasm.buf...)
		c.reasm.headerSeen = false
		c.reasm.buf = nil
	}
	c.mu.Unlock()

	if frame != nil {
		c.sink.OnIncoming(frame)
	}
}

// HandleRadioDisconnected is called by the platform driver when the
// central disconnects.
func (c *Channel) HandleRadioDisconnected() {
	c.setState(c.advertisingState())
	c.sink.OnDisconnected()
	c.maybeRunDeferredRecycle()
}

// Send chunks data the same way HandleRadioIncoming expects to reassemble
// it: the first piece carries a 1-byte index and a 4-byte remaining-length
// header, later pieces carry just an index byte, each piece at most
// maxSendChunk bytes.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		c.sink.OnError(channel.ErrorKindBusy)
		return fmt.Errorf("attr: send already in progress")
	}
	c.sending = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	total := uint32(len(data))
	offset := 0
	idx := byte(0)
	first := true
	for first || offset < len(data) {
		var piece []byte
		if first {
			room := maxSendChunk - headerChunkOverhead
			if room < 1 {
				room = 1
			}
			end := offset + room
			if end > len(data) {
				end = len(data)
			}
			piece = make([]byte, headerChunkOverhead+(end-offset))
			piece[0] = idx
			binary.BigEndian.PutUint32(piece[1:5], total)
			copy(piece[5:], data[offset:end])
			offset = end
			first = false
		} else {
			room := maxSendChunk - 1
			end := offset + room
			if end > len(data) {
				end = len(data)
			}
			piece = make([]byte, 1+(end-offset))
			piece[0] = idx
			copy(piece[1:], data[offset:end])
			offset = end
		}
		idx++

		if err := c.driver.WriteChunk(piece); err != nil {
			c.sink.OnError(channel.ErrorKindTransient)
			return err
		}
	}

	c.sink.OnSendComplete()
	return nil
}

// CancelPendingReads is a no-op: inbound data arrives via
// HandleRadioIncoming callbacks driven by the platform radio stack, not a
// blocking call this channel owns.
func (c *Channel) CancelPendingReads() {}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.state == StateFinalised || c.state == StateFinalising {
		c.mu.Unlock()
		return nil
	}
	c.state = StateUnadvertising
	cancel := c.cancelRecycle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := c.driver.StopAdvertising(); err != nil {
		return fmt.Errorf("attr: stop advertising: %w", err)
	}

	c.setState(StateUnadvertised)
	c.setState(StateFinalising)
	c.setState(StateFinalised)
	return nil
}

// SetRecycleIntervalForTest overrides the recycle timer interval and
// returns the previous value, so tests can exercise recycle without
// waiting out the production 10s cadence. Exported for the attr_test
// package only; production code never calls this.
func SetRecycleIntervalForTest(interval time.Duration) time.Duration {
	prev := recycleInterval
	recycleInterval = interval
	return prev
}

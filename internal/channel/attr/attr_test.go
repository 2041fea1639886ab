package attr_test

import (
	"context"
	"testing"
	"time"

	"github.com/pico-continuousd/pico-continuousd/internal/channel"
	"github.com/pico-continuousd/pico-continuousd/internal/channel/attr"
)

type recordingSink struct {
	connected    int
	incoming     [][]byte
	sendComplete int
	disconnected int
	errs         []channel.ErrorKind
}

func (r *recordingSink) OnConnected()                   { r.connected++ }
func (r *recordingSink) OnIncoming(data []byte)         { r.incoming = append(r.incoming, data) }
func (r *recordingSink) OnSendComplete()                { r.sendComplete++ }
func (r *recordingSink) OnDisconnected()                { r.disconnected++ }
func (r *recordingSink) OnError(kind channel.ErrorKind) { r.errs = append(r.errs, kind) }
func (r *recordingSink) OnTimeout()                     {}

type fakeDriver struct {
	advertising int
	stopped     int
	chunks      [][]byte
}

func (d *fakeDriver) StartAdvertising(serviceUUID string) error { d.advertising++; return nil }
func (d *fakeDriver) StopAdvertising() error                    { d.stopped++; return nil }
func (d *fakeDriver) WriteChunk(chunk []byte) error {
	cp := append([]byte(nil), chunk...)
	d.chunks = append(d.chunks, cp)
	return nil
}

func TestAttrLifecycleStates(t *testing.T) {
	sink := &recordingSink{}
	driver := &fakeDriver{}
	newCh := attr.New(driver, []byte("service-identity-public-key"), false, nil)
	ch := newCh(sink).(*attr.Channel)

	addr, err := ch.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if addr == "" {
		t.Fatal("expected non-empty address")
	}
	if ch.State() != attr.StateAdvertising {
		t.Fatalf("expected advertising after listen, got %v", ch.State())
	}
	if driver.advertising != 1 {
		t.Fatal("expected driver to be advertising")
	}

	ch.HandleRadioConnected()
	if ch.State() != attr.StateConnected || sink.connected != 1 {
		t.Fatalf("expected connected state, got %v (sink.connected=%d)", ch.State(), sink.connected)
	}

	ch.HandleRadioIncoming(encodeFrame(t, []byte("hello"), 20))
	if len(sink.incoming) != 1 || string(sink.incoming[0]) != "hello" {
		t.Fatalf("unexpected incoming: %v", sink.incoming)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if ch.State() != attr.StateFinalised {
		t.Fatalf("expected finalised after disconnect, got %v", ch.State())
	}
	if driver.stopped == 0 {
		t.Fatal("expected driver to stop advertising")
	}
}

// encodeFrame builds the single wire chunk HandleRadioIncoming expects for
// a frame that fits in one maxPerChunk-byte chunk, laid out like the first
// chunk of Channel.Send's own framing so tests can drive reassembly
// directly.
func encodeFrame(t *testing.T, data []byte, maxPerChunk int) []byte {
	t.Helper()
	// A single chunk suffices for short frames used in these tests: index
	// byte + 4-byte remaining-length header (== len(data)) + payload.
	if len(data) > maxPerChunk-5 {
		t.Fatalf("encodeFrame helper only supports single-chunk frames in this test, got %d bytes", len(data))
	}
	chunk := make([]byte, 5+len(data))
	chunk[0] = 0
	chunk[1] = byte(len(data) >> 24)
	chunk[2] = byte(len(data) >> 16)
	chunk[3] = byte(len(data) >> 8)
	chunk[4] = byte(len(data))
	copy(chunk[5:], data)
	return chunk
}

func TestAttrSendChunksAndReassemblesRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	driver := &fakeDriver{}
	newCh := attr.New(driver, []byte("key"), false, nil)
	ch := newCh(sink).(*attr.Channel)

	if _, err := ch.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ch.Disconnect()
	ch.HandleRadioConnected()

	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := ch.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sink.sendComplete != 1 {
		t.Fatalf("expected exactly one send-complete event, got %d", sink.sendComplete)
	}
	if len(driver.chunks) < 2 {
		t.Fatal("expected payload to be split across multiple chunks")
	}

	// Feed the chunks Send produced into a second channel's reassembler
	// and confirm they decode back to the original frame.
	rxSink := &recordingSink{}
	rxCh := attr.New(&fakeDriver{}, []byte("key"), false, nil)(rxSink)
	for _, c := range driver.chunks {
		rxCh.(*attr.Channel).HandleRadioIncoming(c)
	}
	if len(rxSink.incoming) != 1 {
		t.Fatalf("expected exactly one reassembled frame, got %d", len(rxSink.incoming))
	}
	if string(rxSink.incoming[0]) != string(payload) {
		t.Fatal("reassembled frame does not match the original payload")
	}
}

func TestAttrServiceUUIDIsDeterministicAndEncodesContinuousBit(t *testing.T) {
	key := []byte("identical-key")
	a := attr.ServiceUUIDFromIdentityKey(key, false)
	b := attr.ServiceUUIDFromIdentityKey(key, false)
	if a != b {
		t.Fatalf("expected deterministic UUID, got %q and %q", a, b)
	}
	if attr.ServiceUUIDFromIdentityKey([]byte("other-key"), false) == a {
		t.Fatal("expected different keys to produce different UUIDs")
	}
	if attr.ServiceUUIDFromIdentityKey(key, true) == a {
		t.Fatal("expected continuous mode to flip the UUID's low bit")
	}
}

func TestAttrRecycleDeferredWhileConnectedRunsAfterDisconnect(t *testing.T) {
	prev := attr.SetRecycleIntervalForTest(20 * time.Millisecond)
	defer attr.SetRecycleIntervalForTest(prev)

	recycled := make(chan struct{}, 1)
	sink := &recordingSink{}
	driver := &fakeDriver{}
	newCh := attr.New(driver, []byte("key"), false, func() {
		select {
		case recycled <- struct{}{}:
		default:
		}
	})
	ch := newCh(sink).(*attr.Channel)

	if _, err := ch.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch.HandleRadioConnected()

	// While Connected, a recycle tick must defer rather than tear down
	// the live session.
	time.Sleep(60 * time.Millisecond)
	select {
	case <-recycled:
		t.Fatal("expected recycle to be deferred while Connected")
	default:
	}
	if ch.State() != attr.StateConnected {
		t.Fatalf("expected state to remain Connected, got %v", ch.State())
	}

	ch.HandleRadioDisconnected()

	select {
	case <-recycled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the deferred recycle to run once the channel left Connected")
	}
	if ch.State() != attr.StateAdvertising {
		t.Fatalf("expected state to settle back to Advertising after recycle, got %v", ch.State())
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestAttrRecycleFromAllowedStateRunsImmediately(t *testing.T) {
	prev := attr.SetRecycleIntervalForTest(15 * time.Millisecond)
	defer attr.SetRecycleIntervalForTest(prev)

	recycled := make(chan struct{}, 4)
	sink := &recordingSink{}
	driver := &fakeDriver{}
	newCh := attr.New(driver, []byte("key"), false, func() {
		select {
		case recycled <- struct{}{}:
		default:
		}
	})
	ch := newCh(sink).(*attr.Channel)

	if _, err := ch.Listen(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}

	select {
	case <-recycled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a recycle to run while Advertising (a recycleAllowed state)")
	}
	if ch.State() != attr.StateAdvertising {
		t.Fatalf("expected state back to Advertising after recycle, got %v", ch.State())
	}
	if driver.advertising < 2 {
		t.Fatalf("expected StartAdvertising to be called again by the recycle, got %d calls", driver.advertising)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

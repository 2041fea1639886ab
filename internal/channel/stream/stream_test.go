package stream_test

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pico-continuousd/pico-continuousd/internal/channel"
	"github.com/pico-continuousd/pico-continuousd/internal/channel/stream"
)

type recordingSink struct {
	mu           sync.Mutex
	connected    int
	incoming     [][]byte
	sendComplete int
	disconnected int
}

func (r *recordingSink) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recordingSink) OnIncoming(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming = append(r.incoming, append([]byte(nil), data...))
}

func (r *recordingSink) OnSendComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendComplete++
}

func (r *recordingSink) OnDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recordingSink) OnError(channel.ErrorKind) {}
func (r *recordingSink) OnTimeout()                {}

func (r *recordingSink) incomingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming)
}

func TestStreamListenAcceptsAndReceivesFrames(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := stream.New(sink)
	addr, err := ch.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello-frame")
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.incomingCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if sink.incomingCount() != 1 {
		t.Fatalf("expected 1 incoming frame, got %d", sink.incomingCount())
	}
	if string(sink.incoming[0]) != "hello-frame" {
		t.Fatalf("unexpected payload: %q", sink.incoming[0])
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestStreamSendWritesLengthPrefixedFrame(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := stream.New(sink)
	addr, err := ch.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.connected > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ch.Send([]byte("reply")); err != nil {
		t.Fatalf("send: %v", err)
	}

	header := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n := binary.BigEndian.Uint32(header)
	payload := make([]byte, n)
	if _, err := readFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "reply" {
		t.Fatalf("unexpected payload: %q", payload)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

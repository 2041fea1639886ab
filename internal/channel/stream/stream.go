// Package stream implements a ByteChannel over a listening TCP socket
// using length-prefixed frames. It accepts at most one peer at a time,
// mirroring the accept-then-dedicated-read-loop shape of a context-aware
// packet listener, but over a stream instead of datagrams.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pico-continuousd/pico-continuousd/internal/channel"
)

const (
	// MinPort and MaxPort bound the ephemeral range Listen hunts through;
	// the lower bound of this range is unusually low by convention of the
	// system this channel pairs with, so Listen tries every value in
	// [MinPort, MaxPort) rather than asking the kernel for any free port.
	MinPort = 1
	MaxPort = 32

	lengthPrefixSize = 4
	maxFrameSize     = 1 << 20
)

// Channel is a stream-socket ByteChannel. Exactly one peer may be
// connected at a time; a second incoming connection is rejected while the
// first is active.
type Channel struct {
	sink channel.EventSink

	mu       sync.Mutex
	ln       net.Listener
	conn     net.Conn
	sending  bool
	closed   bool
	cancelRd context.CancelFunc
}

// New returns a stream Channel bound to sink; it has the shape of a
// channel.NewChannelFunc, for use wherever a session's channel_type
// selects the stream transport.
func New(sink channel.EventSink) channel.ByteChannel {
	return &Channel{sink: sink}
}

func (c *Channel) Listen(ctx context.Context) (string, error) {
	var ln net.Listener
	var err error
	for port := MinPort; port < MaxPort; port++ {
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
	}
	if ln == nil {
		return "", fmt.Errorf("stream: no free port in [%d,%d): %w", MinPort, MaxPort, err)
	}

	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	go c.acceptLoop(ctx)

	return ln.Addr().String(), nil
}

func (c *Channel) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}

		c.mu.Lock()
		if c.conn != nil {
			c.mu.Unlock()
			_ = conn.Close() // only one concurrent peer
			continue
		}
		rdCtx, cancel := context.WithCancel(ctx)
		c.conn = conn
		c.cancelRd = cancel
		c.mu.Unlock()

		c.sink.OnConnected()
		go c.readLoop(rdCtx, conn)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn net.Conn) {
	header := make([]byte, lengthPrefixSize)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			c.handleReadError(conn, err)
			return
		}
		n := binary.BigEndian.Uint32(header)
		if n > maxFrameSize {
			c.handleReadError(conn, fmt.Errorf("stream: frame too large: %d", n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.sink.OnIncoming(payload)
	}
}

func (c *Channel) handleReadError(conn net.Conn, err error) {
	c.mu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
	}
	c.mu.Unlock()
	if !wasCurrent {
		return
	}
	if err == io.EOF {
		c.sink.OnDisconnected()
		return
	}
	c.sink.OnError(channel.ErrorKindTransient)
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		c.sink.OnError(channel.ErrorKindBusy)
		return fmt.Errorf("stream: no connected peer")
	}
	if c.sending {
		c.mu.Unlock()
		c.sink.OnError(channel.ErrorKindBusy)
		return fmt.Errorf("stream: send already in progress")
	}
	c.sending = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := conn.Write(header); err != nil {
		c.sink.OnError(channel.ErrorKindTransient)
		return err
	}
	if _, err := conn.Write(data); err != nil {
		c.sink.OnError(channel.ErrorKindTransient)
		return err
	}

	c.sink.OnSendComplete()
	return nil
}

func (c *Channel) CancelPendingReads() {
	c.mu.Lock()
	cancel := c.cancelRd
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	ln := c.ln
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

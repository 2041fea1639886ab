// Package rvp implements a ByteChannel over HTTP long-polling against a
// rendezvous server: writes are POSTed, reads come back from a
// long-polling GET, and a wall-clock watchdog guards against a
// rendezvous server that accepts a long-poll and never answers it.
package rvp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pico-continuousd/pico-continuousd/internal/channel"
)

const lengthPrefixSize = 4

// watchdogInterval is how long a single in-flight long-poll may run
// before it is considered stuck. It is checked against a wall-clock
// timestamp rather than relying solely on the request context's timer,
// so a clock step (NTP correction, VM pause/resume) trips the watchdog
// the same way a genuinely hung poll would. watchdogTick is how often
// that check runs. Both are vars, not consts, so tests can shrink them
// instead of waiting out the production interval.
var (
	watchdogInterval = 90 * time.Second
	watchdogTick     = 5 * time.Second

	retryBackoff = 1000 * time.Millisecond
)

// New returns a channel.NewChannelFunc bound to a rendezvous URL built
// from urlPrefix plus a fresh random channel id. Each call to the
// returned func creates one rvp Channel instance.
func New(urlPrefix string, httpClient *http.Client) channel.NewChannelFunc {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if urlPrefix != "" && !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return func(sink channel.EventSink) channel.ByteChannel {
		return &Channel{sink: sink, urlPrefix: urlPrefix, client: httpClient}
	}
}

// Channel is an HTTP long-poll ByteChannel. Two layers of context govern
// its lifetime: lifeCancel tears the whole channel down (Disconnect);
// pollCancel cancels only the single in-flight GET (the watchdog and
// CancelPendingReads use this one so the poll loop restarts rather than
// exiting).
type Channel struct {
	sink      channel.EventSink
	urlPrefix string
	client    *http.Client

	mu            sync.Mutex
	addr          string
	closed        bool
	lifeCtx       context.Context
	lifeCancel    context.CancelFunc
	pollCancel    context.CancelFunc
	sending       bool
	retryInFlight bool

	pollStarted time.Time
}

func (c *Channel) Listen(ctx context.Context) (string, error) {
	id, err := randomID()
	if err != nil {
		return "", fmt.Errorf("rvp: generate channel id: %w", err)
	}

	lifeCtx, lifeCancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.addr = c.urlPrefix + id
	c.lifeCtx = lifeCtx
	c.lifeCancel = lifeCancel
	c.mu.Unlock()

	c.sink.OnConnected()
	go c.pollLoop(lifeCtx)
	go c.watchdogLoop(lifeCtx)

	return c.addr, nil
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// pollLoop issues one long-poll GET at a time for the life of the
// channel. A cancellation of that single poll's own context (watchdog
// expiry, CancelPendingReads) restarts the loop immediately with no
// backoff and no error event; only a genuine transport failure goes
// through handleTransientError's 1000ms retry.
func (c *Channel) pollLoop(lifeCtx context.Context) {
	for {
		if lifeCtx.Err() != nil {
			return
		}

		pollCtx, cancel := context.WithCancel(lifeCtx)
		c.mu.Lock()
		c.pollCancel = cancel
		c.pollStarted = time.Now().Round(0)
		addr := c.addr
		c.mu.Unlock()

		body, err := c.longPoll(pollCtx, addr)
		cancel()

		if err != nil {
			if lifeCtx.Err() != nil {
				return
			}
			if pollCtx.Err() != nil {
				// our own cancellation (watchdog expiry or a caller's
				// CancelPendingReads), not a transport failure: resume
				// listening immediately.
				continue
			}
			c.handleTransientError(lifeCtx)
			continue
		}

		if len(body) <= lengthPrefixSize || body[0] == '{' {
			continue // too short to be a frame, or a keepalive notification
		}
		c.sink.OnIncoming(body[lengthPrefixSize:])
	}
}

func (c *Channel) longPoll(ctx context.Context, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rvp: long-poll status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Channel) handleTransientError(ctx context.Context) {
	c.mu.Lock()
	if c.retryInFlight {
		c.mu.Unlock()
		c.sink.OnError(channel.ErrorKindBusy)
		return
	}
	c.retryInFlight = true
	c.mu.Unlock()

	c.sink.OnError(channel.ErrorKindTransient)

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.retryInFlight = false
	c.mu.Unlock()
}

// watchdogLoop polls a wall-clock timestamp rather than trusting the
// long-poll request's own deadline, so it still fires if the process was
// suspended or the system clock jumped forward out from under a timer.
// Firing cancels only the current poll, nothing more: pollLoop sees its
// own context cancelled and restarts listening immediately, re-syncing
// with a rendezvous that silently forgot the channel. The sink is never
// told; a watchdog expiry is a transport hiccup, not a session timeout,
// and must not end an authentication that is otherwise still live.
func (c *Channel) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			started := c.pollStarted
			cancel := c.pollCancel
			c.mu.Unlock()
			if started.IsZero() || cancel == nil {
				continue
			}
			if time.Since(started) > watchdogInterval {
				cancel()
			}
		}
	}
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		c.sink.OnError(channel.ErrorKindBusy)
		return fmt.Errorf("rvp: send already in progress")
	}
	c.sending = true
	addr := c.addr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	req, err := http.NewRequest(http.MethodPost, addr, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.sink.OnError(channel.ErrorKindTransient)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.sink.OnError(channel.ErrorKindTransient)
		return fmt.Errorf("rvp: post status %d", resp.StatusCode)
	}

	c.sink.OnSendComplete()
	return nil
}

// CancelPendingReads cancels only the in-flight GET; pollLoop restarts a
// fresh one on its next iteration without tearing down the channel.
func (c *Channel) CancelPendingReads() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect cancels the channel's whole lifetime context, stopping
// pollLoop and watchdogLoop permanently, and is idempotent.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lifeCancel := c.lifeCancel
	c.mu.Unlock()

	if lifeCancel != nil {
		lifeCancel()
	}
	c.sink.OnDisconnected()
	return nil
}

// SetWatchdogForTest overrides the watchdog interval/tick and returns the
// previous values, so tests can exercise watchdog expiry without waiting
// out the production 90s interval. Exported for the rvp_test package
// only; production code never calls this.
func SetWatchdogForTest(interval, tick time.Duration) (time.Duration, time.Duration) {
	prevInterval, prevTick := watchdogInterval, watchdogTick
	watchdogInterval, watchdogTick = interval, tick
	return prevInterval, prevTick
}

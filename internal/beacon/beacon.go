// Package beacon implements BeaconEmitter: independent per-target
// locate/connect/write-close chains with no barrier between targets, the
// way a single session's per-entity run loop owns its own timers without
// synchronizing against any other session.
package beacon

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"
)

// locateRetryInterval is how often an unsuccessful locate is retried for
// a single target.
const locateRetryInterval = 2 * time.Second

// Writer is the connected write-close half of a target's chain.
type Writer interface {
	Write(payload []byte) error
	Close() error
}

// Dialer finds and connects to beacon targets. Locate is called
// repeatedly until it reports found or the locate context is cancelled;
// Connect is called exactly once per target after a successful locate.
type Dialer interface {
	Locate(ctx context.Context, target string) (found bool, err error)
	Connect(ctx context.Context, target string) (Writer, error)
}

// Emitter runs one independent locate->connect->write->close chain per
// target. Stop lets any chain that has already committed past locate
// finish writing and closing, but drops any chain still retrying locate
// immediately.
type Emitter struct {
	dialer  Dialer
	payload []byte
	logger  *slog.Logger

	mu           sync.Mutex
	locateCancel context.CancelFunc
	finished     bool
	onFinished   func()
	finishOnce   sync.Once
	wg           sync.WaitGroup
}

// New builds an Emitter that will send payload to every target passed to
// Start. onFinished fires exactly once, after
// every target's chain has either completed or been dropped.
func New(dialer Dialer, payload []byte, onFinished func(), logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		dialer:     dialer,
		payload:    payload,
		onFinished: onFinished,
		logger:     logger.With(slog.String("component", "beacon")),
	}
}

// Start launches one goroutine per target. ctx bounds the whole emitter's
// lifetime (e.g. the owning session's context); Stop additionally lets a
// caller cut locate-phase retries short without waiting for ctx.
func (e *Emitter) Start(ctx context.Context, targets []string) {
	locateCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.locateCancel = cancel
	e.mu.Unlock()

	for _, target := range targets {
		e.wg.Add(1)
		go e.runTarget(ctx, locateCtx, target)
	}

	go func() {
		e.wg.Wait()
		e.finishOnce.Do(func() {
			e.mu.Lock()
			e.finished = true
			e.mu.Unlock()
			if e.onFinished != nil {
				e.onFinished()
			}
		})
	}()
}

func (e *Emitter) runTarget(ctx, locateCtx context.Context, target string) {
	defer e.wg.Done()

	if !e.locate(locateCtx, target) {
		e.logger.Debug("beacon target dropped mid-locate", slog.String("target", target))
		return
	}

	// Past this point the chain is committed: it runs to completion on
	// ctx, which Stop does not cancel, so a mid-send chain always
	// finishes even if Stop was called while other targets were still
	// locating.
	w, err := e.dialer.Connect(ctx, target)
	if err != nil {
		e.logger.Warn("beacon connect failed", slog.String("target", target), slog.Any("err", err))
		return
	}
	defer w.Close()

	if err := w.Write(frame(e.payload)); err != nil {
		e.logger.Warn("beacon write failed", slog.String("target", target), slog.Any("err", err))
	}
}

// frame prepends the 4-byte big-endian length prefix the receiving end
// expects, so a beacon write carries exactly one length-prefixed frame.
func frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

func (e *Emitter) locate(ctx context.Context, target string) bool {
	for {
		found, err := e.dialer.Locate(ctx, target)
		if err != nil {
			e.logger.Debug("beacon locate error", slog.String("target", target), slog.Any("err", err))
		}
		if found {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(locateRetryInterval):
		}
	}
}

// Stop drops every target still in the locate phase immediately. Targets
// that already committed to connect/write/close run to completion.
func (e *Emitter) Stop() {
	e.mu.Lock()
	cancel := e.locateCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every target's chain has finished (completed or
// dropped). It does not wait for onFinished, which runs on its own
// goroutine once the chains are done.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pico-continuousd/pico-continuousd/internal/registry"
)

type fakeWaiter struct {
	*fakeEntry
	resultCh chan waiterResult
}

type waiterResult struct {
	user    string
	token   []byte
	success bool
}

func newFakeWaiter(owner string, key registry.Key, continuing bool) *fakeWaiter {
	return &fakeWaiter{fakeEntry: newFakeEntry(owner, key, continuing), resultCh: make(chan waiterResult, 1)}
}

func (w *fakeWaiter) deliver(user string, token []byte, success bool) {
	w.resultCh <- waiterResult{user: user, token: token, success: success}
}

func (w *fakeWaiter) AwaitReply(ctx context.Context) (string, []byte, bool) {
	select {
	case r := <-w.resultCh:
		return r.user, r.token, r.success
	case <-ctx.Done():
		return "", nil, false
	}
}

func runLoop(t *testing.T, reg *registry.Registry) (*registry.ServiceLoop, func()) {
	t.Helper()
	loop := registry.NewServiceLoop(reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	return loop, func() {
		cancel()
		<-done
	}
}

func TestServiceLoopStartAuthAllocatesAndRunsFactory(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	w := newFakeWaiter("owner-1", registry.Key{User: "alice"}, false)
	factory := func(user string, paramsJSON []byte) (registry.Entry, registry.StartCode, error) {
		if user != "alice" {
			t.Fatalf("factory got user %q, want alice", user)
		}
		if string(paramsJSON) != `{"any_user":true}` {
			t.Fatalf("factory got params %q", paramsJSON)
		}
		return w, registry.StartOK, nil
	}

	h, _, code := loop.StartAuth("alice", []byte(`{"any_user":true}`), factory)
	if code != registry.StartOK || h == 0 {
		t.Fatalf("StartAuth: handle=%d code=%v", h, code)
	}

	if _, ok := reg.Get(h); !ok {
		t.Fatal("expected entry to be allocated in the registry")
	}
}

func TestServiceLoopStartAuthPropagatesFactoryFailureCode(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	factory := func(user string, paramsJSON []byte) (registry.Entry, registry.StartCode, error) {
		return nil, registry.StartFilterEmpty, errors.New("filter empty")
	}

	h, _, code := loop.StartAuth("mallory", nil, factory)
	if code != registry.StartFilterEmpty {
		t.Fatalf("code = %v, want StartFilterEmpty", code)
	}
	if h != 0 {
		t.Fatalf("handle = %d, want 0 on factory failure", h)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry should hold no entries, got %d", reg.Len())
	}
}

func TestServiceLoopStartAuthExhaustedThenHarvestRecovers(t *testing.T) {
	reg := registry.New(1)
	loop, stop := runLoop(t, reg)
	defer stop()

	w1 := newFakeWaiter("owner-1", registry.Key{User: "alice"}, false)
	factory1 := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w1, registry.StartOK, nil
	}
	h1, _, code := loop.StartAuth("alice", nil, factory1)
	if code != registry.StartOK {
		t.Fatalf("first StartAuth: code=%v", code)
	}

	w2 := newFakeWaiter("owner-2", registry.Key{User: "bob"}, false)
	factory2 := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w2, registry.StartOK, nil
	}
	if _, _, code := loop.StartAuth("bob", nil, factory2); code != registry.StartRegistryExhausted {
		t.Fatalf("expected StartRegistryExhausted while slot is occupied, got %v", code)
	}

	w1.Stop() // marks h1's session finished

	h3, _, code := loop.StartAuth("bob", nil, factory2)
	if code != registry.StartOK {
		t.Fatalf("expected harvest to recover a slot, code=%v", code)
	}
	if h3 != h1 {
		t.Fatalf("expected reused handle %d, got %d", h1, h3)
	}
}

// fakeStarter exercises the deferred-start hook: the loop must invoke
// StartSession only after allocation succeeds, and must evict the slot
// again when the start itself fails.
type fakeStarter struct {
	*fakeWaiter
	startCode registry.StartCode
	started   bool
}

func (f *fakeStarter) StartSession() (registry.StartCode, error) {
	f.started = true
	if f.startCode != registry.StartOK {
		return f.startCode, errors.New("start failed")
	}
	return registry.StartOK, nil
}

func TestServiceLoopStartAuthStopsEntryWhenExhausted(t *testing.T) {
	reg := registry.New(1)
	loop, stop := runLoop(t, reg)
	defer stop()

	w1 := newFakeWaiter("owner-1", registry.Key{User: "alice"}, false)
	factory1 := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w1, registry.StartOK, nil
	}
	if _, _, code := loop.StartAuth("alice", nil, factory1); code != registry.StartOK {
		t.Fatalf("first StartAuth: code=%v", code)
	}

	w2 := newFakeWaiter("owner-2", registry.Key{User: "bob"}, false)
	factory2 := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w2, registry.StartOK, nil
	}
	if _, _, code := loop.StartAuth("bob", nil, factory2); code != registry.StartRegistryExhausted {
		t.Fatalf("expected StartRegistryExhausted, got %v", code)
	}
	if !w2.stopped {
		t.Fatal("expected the rejected entry to be stopped, not abandoned")
	}
}

func TestServiceLoopDeferredStartRunsAfterAllocation(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	s := &fakeStarter{fakeWaiter: newFakeWaiter("owner-1", registry.Key{User: "alice"}, false), startCode: registry.StartOK}
	factory := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return s, registry.StartOK, nil
	}

	h, _, code := loop.StartAuth("alice", nil, factory)
	if code != registry.StartOK || h == 0 {
		t.Fatalf("StartAuth: handle=%d code=%v", h, code)
	}
	if !s.started {
		t.Fatal("expected StartSession to run for an allocated entry")
	}
}

func TestServiceLoopDeferredStartFailureEvictsSlot(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	s := &fakeStarter{fakeWaiter: newFakeWaiter("owner-1", registry.Key{User: "mallory"}, false), startCode: registry.StartFilterEmpty}
	factory := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return s, registry.StartOK, nil
	}

	h, _, code := loop.StartAuth("mallory", nil, factory)
	if code != registry.StartFilterEmpty {
		t.Fatalf("code = %v, want StartFilterEmpty", code)
	}
	if h != 0 {
		t.Fatalf("handle = %d, want 0 on start failure", h)
	}
	if !s.stopped {
		t.Fatal("expected failed entry to be stopped")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected the slot to be evicted, registry holds %d", reg.Len())
	}
}

func TestServiceLoopCompleteAuthUnknownHandleFailsImmediately(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	user, token, success := loop.CompleteAuth(ctx, registry.Handle(999))
	if success || user != "" || len(token) != 0 {
		t.Fatalf("unexpected result for unknown handle: user=%q token=%q success=%v", user, token, success)
	}
}

func TestServiceLoopCompleteAuthDeliversResult(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	w := newFakeWaiter("owner-1", registry.Key{User: "alice"}, false)
	factory := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w, registry.StartOK, nil
	}
	h, _, code := loop.StartAuth("alice", nil, factory)
	if code != registry.StartOK {
		t.Fatalf("StartAuth: code=%v", code)
	}

	w.deliver("alice", []byte("token"), true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	user, token, success := loop.CompleteAuth(ctx, h)
	if !success || user != "alice" || string(token) != "token" {
		t.Fatalf("unexpected result: user=%q token=%q success=%v", user, token, success)
	}
}

func TestServiceLoopOwnerLostStopsSession(t *testing.T) {
	reg := registry.New(2)
	loop, stop := runLoop(t, reg)
	defer stop()

	w := newFakeWaiter("owner-1", registry.Key{User: "alice"}, false)
	factory := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w, registry.StartOK, nil
	}
	h, _, _ := loop.StartAuth("alice", nil, factory)

	loop.SignalOwnerLost("owner-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get(h); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected session to be removed after owner lost")
}

func TestServiceLoopExitStopsAllSessions(t *testing.T) {
	reg := registry.New(2)
	loop := registry.NewServiceLoop(reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	w := newFakeWaiter("owner-1", registry.Key{User: "alice"}, false)
	factory := func(string, []byte) (registry.Entry, registry.StartCode, error) {
		return w, registry.StartOK, nil
	}
	loop.StartAuth("alice", nil, factory)

	loop.Exit()
	<-done

	if !w.stopped {
		t.Fatal("expected Exit to stop the live session")
	}
	select {
	case <-loop.Done():
	default:
		t.Fatal("expected Done() closed after Exit")
	}
}

package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/tether/internal/protocol"
)

// mockConn records sent requests and registered actors.
type mockConn struct {
	mu     sync.Mutex
	sent   []*protocol.Request
	actors map[string]protocol.Actor
	onSend func(req *protocol.Request)
}

func newMockConn() *mockConn {
	return &mockConn{actors: make(map[string]protocol.Actor)}
}

func (c *mockConn) Register(actor protocol.Actor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.actors[actor.Name()]; exists {
		return protocol.ErrActorRegistered
	}
	c.actors[actor.Name()] = actor
	return nil
}

func (c *mockConn) SendRequest(req *protocol.Request) error {
	c.mu.Lock()
	c.sent = append(c.sent, req)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return nil
}

func (c *mockConn) GetOrCreate(name string, create func() protocol.Actor) protocol.Actor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if actor, exists := c.actors[name]; exists {
		return actor
	}
	actor := create()
	c.actors[name] = actor
	return actor
}

// sentTypes returns the request types sent so far.
func (c *mockConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]string, len(c.sent))
	for i, req := range c.sent {
		types[i] = req.Type
	}
	return types
}

func (c *mockConn) request(i int) *protocol.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sent[i]
}

func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = nil
}

// recorder captures notifications.
type recorder struct {
	mu         sync.Mutex
	paused     []protocol.PauseReason
	exited     int
	wrongState int
	sources    []*protocol.Source
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPaused: func(reason protocol.PauseReason, _ *protocol.Pause) {
			r.mu.Lock()
			r.paused = append(r.paused, reason)
			r.mu.Unlock()
		},
		OnExited: func() {
			r.mu.Lock()
			r.exited++
			r.mu.Unlock()
		},
		OnWrongState: func() {
			r.mu.Lock()
			r.wrongState++
			r.mu.Unlock()
		},
		OnNewSource: func(src *protocol.Source) {
			r.mu.Lock()
			r.sources = append(r.sources, src)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) pausedReasons() []protocol.PauseReason {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]protocol.PauseReason(nil), r.paused...)
}

// inbound decodes a raw wire packet the way the connection does.
func inbound(t *testing.T, raw string) *protocol.Packet {
	t.Helper()

	var pkt protocol.Packet
	if err := json.Unmarshal([]byte(raw), &pkt); err != nil {
		t.Fatalf("decode packet %s: %v", raw, err)
	}
	pkt.Raw = json.RawMessage(raw)
	return &pkt
}

func newTestProxy(t *testing.T, opts ...Option) (*Proxy, *mockConn, *recorder) {
	t.Helper()

	conn := newMockConn()
	rec := &recorder{}
	opts = append([]Option{WithHandlers(rec.handlers())}, opts...)

	proxy, err := New(conn, "thread1", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return proxy, conn, rec
}

func assertTypes(t *testing.T, conn *mockConn, want ...string) {
	t.Helper()

	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent requests = %v, want %v", got, want)
		}
	}
}

func assertInvariant(t *testing.T, p *Proxy) {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pendingOps > 0 && !p.paused {
		t.Fatalf("pending operations %d on unpaused thread", p.pendingOps)
	}
}

func settled[T any](f *Future[T]) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func TestNewSendsAttachAndSources(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)

	assertTypes(t, conn, protocol.TypeAttach, protocol.TypeSources)

	if got := proxy.State(); got != StatePaused {
		t.Errorf("State() = %v, want %v", got, StatePaused)
	}
	if !proxy.IsPaused() {
		t.Error("IsPaused() = false, want true")
	}
}

func TestResume(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)
	conn.reset()

	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	assertTypes(t, conn, protocol.TypeResume)
	if limit := conn.request(0).ResumeLimit; limit != nil {
		t.Errorf("resume carried step limit %v, want none", limit)
	}
	if proxy.IsPaused() {
		t.Error("IsPaused() = true after resume, want false")
	}

	_, err := proxy.FetchStackFrames().Wait(context.Background())
	if !errors.Is(err, ErrNotPaused) {
		t.Errorf("FetchStackFrames while running = %v, want ErrNotPaused", err)
	}
}

func TestResumeRequiresPausedIntent(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)
	conn.reset()

	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := proxy.StepOver(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("StepOver while running = %v, want ErrNotPaused", err)
	}

	assertTypes(t, conn, protocol.TypeResume)
}

func TestStepOver(t *testing.T) {
	proxy, conn, rec := newTestProxy(t)
	conn.reset()

	if err := proxy.StepOver(); err != nil {
		t.Fatalf("StepOver: %v", err)
	}

	assertTypes(t, conn, protocol.TypeResume)
	limit := conn.request(0).ResumeLimit
	if limit == nil || limit.Type != protocol.StepNext {
		t.Fatalf("resume limit = %v, want next", limit)
	}

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"resumeLimit"}}`))

	if got := proxy.State(); got != StatePaused {
		t.Errorf("State() = %v, want paused", got)
	}
	if !proxy.IsPaused() {
		t.Error("IsPaused() = false, want true")
	}
	reasons := rec.pausedReasons()
	if len(reasons) != 1 || reasons[0] != protocol.ReasonResumeLimit {
		t.Errorf("paused notifications = %v, want [resumeLimit]", reasons)
	}
}

func TestStepLimits(t *testing.T) {
	cases := []struct {
		step func(*Proxy) error
		want protocol.StepKind
	}{
		{(*Proxy).StepOver, protocol.StepNext},
		{(*Proxy).StepInto, protocol.StepIn},
		{(*Proxy).StepOut, protocol.StepOut},
	}

	for _, tc := range cases {
		proxy, conn, _ := newTestProxy(t)
		conn.reset()

		if err := tc.step(proxy); err != nil {
			t.Fatalf("step: %v", err)
		}
		limit := conn.request(0).ResumeLimit
		if limit == nil || limit.Type != tc.want {
			t.Errorf("resume limit = %v, want %s", limit, tc.want)
		}
	}
}

func TestInterruptIdempotent(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)
	conn.reset()

	// Already paused: nothing to send.
	for i := 0; i < 3; i++ {
		if err := proxy.Interrupt(); err != nil {
			t.Fatalf("Interrupt: %v", err)
		}
	}
	assertTypes(t, conn)

	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	conn.reset()

	if err := proxy.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if err := proxy.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	assertTypes(t, conn, protocol.TypeInterrupt)
}

func TestEvaluateDrainsInOrder(t *testing.T) {
	proxy, conn, rec := newTestProxy(t)
	conn.reset()

	first := proxy.Evaluate("1+1", "frameX")
	second := proxy.Evaluate("2+2", "frameX")

	assertTypes(t, conn, protocol.TypeClientEvaluate)
	if expr := conn.request(0).Expression; expr != "1+1" {
		t.Fatalf("first wire expression = %q, want 1+1", expr)
	}
	if settled(first) || settled(second) {
		t.Fatal("evaluations settled before any response")
	}

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"clientEvaluated","frameFinished":{"return":2}}}`))

	value, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if string(value) != "2" {
		t.Errorf("first evaluate value = %s, want 2", value)
	}

	assertTypes(t, conn, protocol.TypeClientEvaluate, protocol.TypeClientEvaluate)
	if expr := conn.request(1).Expression; expr != "2+2" {
		t.Fatalf("second wire expression = %q, want 2+2", expr)
	}
	if settled(second) {
		t.Fatal("second evaluation settled before its response")
	}
	// The thread resumed straight into the follow-up evaluation, so no
	// pause was announced.
	if reasons := rec.pausedReasons(); len(reasons) != 0 {
		t.Errorf("paused notifications = %v, want none", reasons)
	}

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause2","why":{"type":"clientEvaluated","frameFinished":{"return":4}}}`))

	value, err = second.Wait(context.Background())
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if string(value) != "4" {
		t.Errorf("second evaluate value = %s, want 4", value)
	}
	reasons := rec.pausedReasons()
	if len(reasons) != 1 || reasons[0] != protocol.ReasonClientEvaluated {
		t.Errorf("paused notifications = %v, want [clientEvaluated]", reasons)
	}
}

func TestEvaluateRequiresPausedIntent(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)
	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	conn.reset()

	_, err := proxy.Evaluate("1+1", "frameX").Wait(context.Background())
	if !errors.Is(err, ErrNotPaused) {
		t.Errorf("Evaluate while running = %v, want ErrNotPaused", err)
	}
	assertTypes(t, conn)
}

func TestQueuedEvaluationsRejectedWhileRunning(t *testing.T) {
	proxy, _, _ := newTestProxy(t)

	first := newFuture[json.RawMessage]()
	second := newFuture[json.RawMessage]()

	// A queue can gain entries while the thread is mid-resume for an
	// unrelated reason; the next reconciliation must clear it.
	proxy.mu.Lock()
	proxy.paused = false
	proxy.evalQueue = []*evalRequest{
		{expression: "1+1", future: first},
		{expression: "2+2", future: second},
	}
	proxy.doNext()
	queueLen := len(proxy.evalQueue)
	proxy.mu.Unlock()

	if queueLen != 0 {
		t.Fatalf("evaluate queue length = %d after reconcile, want 0", queueLen)
	}
	for i, fut := range []*Future[json.RawMessage]{first, second} {
		if _, err := fut.Wait(context.Background()); !errors.Is(err, ErrThreadRunning) {
			t.Errorf("evaluation %d rejected with %v, want ErrThreadRunning", i, err)
		}
	}
}

func TestFrameFetchFIFO(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)
	conn.reset()

	first := proxy.FetchStackFrames()
	second := proxy.FetchStackFrames()
	assertTypes(t, conn, protocol.TypeFrames, protocol.TypeFrames)

	proxy.HandlePacket(inbound(t, `{"from":"thread1","frames":[{"actor":"frame1","depth":0}]}`))

	frames, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if len(frames) != 1 || frames[0].Actor != "frame1" {
		t.Fatalf("first fetch frames = %v, want [frame1]", frames)
	}
	if settled(second) {
		t.Fatal("second fetch settled by first response")
	}

	proxy.HandlePacket(inbound(t, `{"from":"thread1","frames":[{"actor":"frame2","depth":0}]}`))

	frames, err = second.Wait(context.Background())
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(frames) != 1 || frames[0].Actor != "frame2" {
		t.Fatalf("second fetch frames = %v, want [frame2]", frames)
	}
}

func TestExitedRejectsOutstandingFetches(t *testing.T) {
	proxy, conn, rec := newTestProxy(t)
	conn.reset()

	first := proxy.FetchStackFrames()
	second := proxy.FetchStackFrames()

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"exited"}`))

	for i, fut := range []*Future[[]protocol.Frame]{first, second} {
		if _, err := fut.Wait(context.Background()); !errors.Is(err, ErrExited) {
			t.Errorf("fetch %d rejected with %v, want ErrExited", i, err)
		}
	}
	if rec.exited != 1 {
		t.Errorf("exited notifications = %d, want 1", rec.exited)
	}

	// The actor is gone: later operations fail fast and later packets
	// are ignored.
	if err := proxy.Interrupt(); !errors.Is(err, ErrExited) {
		t.Errorf("Interrupt after exit = %v, want ErrExited", err)
	}
	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","why":{"type":"breakpoint"}}`))
	if reasons := rec.pausedReasons(); len(reasons) != 0 {
		t.Errorf("paused notifications after exit = %v, want none", reasons)
	}
}

func TestInterruptedPauseSilentUnlessPausedDesired(t *testing.T) {
	proxy, _, rec := newTestProxy(t)

	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Interruption while steering toward running: stays silent.
	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"interrupted"}}`))
	if reasons := rec.pausedReasons(); len(reasons) != 0 {
		t.Fatalf("paused notifications = %v, want none", reasons)
	}

	// But the confirmation was recorded.
	if !proxy.IsPaused() {
		t.Error("IsPaused() = false after interrupted packet, want true")
	}
}

func TestInterruptedPauseNotifiesWhenDesired(t *testing.T) {
	proxy, _, rec := newTestProxy(t)

	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := proxy.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"interrupted"}}`))

	reasons := rec.pausedReasons()
	if len(reasons) != 1 || reasons[0] != protocol.ReasonInterrupted {
		t.Errorf("paused notifications = %v, want [interrupted]", reasons)
	}
}

func TestBreakpointPauseOverridesDesiredState(t *testing.T) {
	proxy, conn, rec := newTestProxy(t)
	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	conn.reset()

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","frame":{"actor":"frame1","depth":0},"why":{"type":"breakpoint"}}`))

	if got := proxy.State(); got != StatePaused {
		t.Errorf("State() = %v, want paused", got)
	}
	// Desired state now matches actual: nothing to send.
	assertTypes(t, conn)
	reasons := rec.pausedReasons()
	if len(reasons) != 1 || reasons[0] != protocol.ReasonBreakpoint {
		t.Errorf("paused notifications = %v, want [breakpoint]", reasons)
	}
}

func TestRunOnPausedThreadSilentInterrupt(t *testing.T) {
	proxy, conn, rec := newTestProxy(t)
	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	conn.reset()

	var complete func()
	err := proxy.RunOnPausedThread(func(done func()) error {
		complete = done
		return nil
	})
	if err != nil {
		t.Fatalf("RunOnPausedThread: %v", err)
	}

	assertTypes(t, conn, protocol.TypeInterrupt)
	assertInvariant(t, proxy)

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"interrupted"}}`))
	if reasons := rec.pausedReasons(); len(reasons) != 0 {
		t.Fatalf("paused notifications = %v, want none (internal interrupt)", reasons)
	}

	complete()

	// The pause hold released; the thread returns to its desired
	// running state.
	assertTypes(t, conn, protocol.TypeInterrupt, protocol.TypeResume)
	if proxy.IsPaused() {
		t.Error("IsPaused() = true after release, want false")
	}
}

func TestRunOnPausedThreadHoldsOffReconciliation(t *testing.T) {
	proxy, conn, _ := newTestProxy(t)
	conn.reset()

	var complete func()
	err := proxy.RunOnPausedThread(func(done func()) error {
		complete = done
		return nil
	})
	if err != nil {
		t.Fatalf("RunOnPausedThread: %v", err)
	}

	// A resume requested mid-operation must wait for the hold.
	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	assertTypes(t, conn)
	assertInvariant(t, proxy)

	complete()
	complete() // completion callback is idempotent

	assertTypes(t, conn, protocol.TypeResume)
}

func TestRunOnPausedThreadReturnsOperationError(t *testing.T) {
	proxy, _, _ := newTestProxy(t)

	wantErr := fmt.Errorf("backend refused")
	err := proxy.RunOnPausedThread(func(done func()) error {
		defer done()
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("RunOnPausedThread = %v, want %v", err, wantErr)
	}
}

func TestWrongStateLeavesRequestPending(t *testing.T) {
	proxy, _, rec := newTestProxy(t)

	fetch := proxy.FetchStackFrames()
	proxy.HandlePacket(inbound(t, `{"from":"thread1","error":"wrongState","message":"thread is running"}`))

	if rec.wrongState != 1 {
		t.Errorf("wrongState notifications = %d, want 1", rec.wrongState)
	}
	// The triggering request stays pending; only the configured
	// request timeout can settle it.
	if settled(fetch) {
		t.Error("fetch settled by wrongState error, want pending")
	}
}

func TestRequestTimeout(t *testing.T) {
	proxy, _, _ := newTestProxy(t, WithRequestTimeout(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := proxy.FetchStackFrames().Wait(ctx); !errors.Is(err, ErrNoResponse) {
		t.Errorf("fetch after timeout = %v, want ErrNoResponse", err)
	}
	if _, err := proxy.Evaluate("1+1", "frameX").Wait(ctx); !errors.Is(err, ErrNoResponse) {
		t.Errorf("evaluate after timeout = %v, want ErrNoResponse", err)
	}
}

func TestNewSourceCreatesDeduplicatedProxy(t *testing.T) {
	proxy, _, rec := newTestProxy(t)

	pkt := `{"from":"thread1","type":"newSource","source":{"actor":"source1","url":"http://example.com/app.js"}}`
	proxy.HandlePacket(inbound(t, pkt))
	proxy.HandlePacket(inbound(t, pkt))

	if len(rec.sources) != 2 {
		t.Fatalf("newSource notifications = %d, want 2", len(rec.sources))
	}
	if rec.sources[0] != rec.sources[1] {
		t.Error("same source actor produced distinct proxies")
	}
	if got := rec.sources[0].URL(); got != "http://example.com/app.js" {
		t.Errorf("source URL = %q", got)
	}
}

func TestUnhandledPauseReasonFreezesState(t *testing.T) {
	proxy, _, rec := newTestProxy(t)
	if err := proxy.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"debuggerStatement"}}`))

	if proxy.IsPaused() {
		t.Error("IsPaused() changed by unhandled pause reason")
	}
	if reasons := rec.pausedReasons(); len(reasons) != 0 {
		t.Errorf("paused notifications = %v, want none", reasons)
	}
}

func TestResumedAndNewGlobalIgnored(t *testing.T) {
	proxy, conn, rec := newTestProxy(t)
	conn.reset()

	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"resumed"}`))
	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"newGlobal"}`))
	proxy.HandlePacket(inbound(t, `{"from":"thread1","sources":[{"actor":"source1"}]}`))

	assertTypes(t, conn)
	if reasons := rec.pausedReasons(); len(reasons) != 0 {
		t.Errorf("paused notifications = %v, want none", reasons)
	}
	if !proxy.IsPaused() {
		t.Error("informational packets changed pause state")
	}
}

func TestConnClosedRejectsOutstanding(t *testing.T) {
	proxy, _, rec := newTestProxy(t)

	fetch := proxy.FetchStackFrames()
	eval := proxy.Evaluate("1+1", "frameX")

	proxy.ConnClosed(protocol.ErrConnClosed)

	if _, err := fetch.Wait(context.Background()); !errors.Is(err, protocol.ErrConnClosed) {
		t.Errorf("fetch after close = %v, want ErrConnClosed", err)
	}
	if _, err := eval.Wait(context.Background()); !errors.Is(err, protocol.ErrConnClosed) {
		t.Errorf("evaluate after close = %v, want ErrConnClosed", err)
	}
	if rec.exited != 1 {
		t.Errorf("exited notifications = %d, want 1", rec.exited)
	}
}

func TestHandlerMayReenterControlOperations(t *testing.T) {
	conn := newMockConn()

	var proxy *Proxy
	handlers := Handlers{
		OnPaused: func(reason protocol.PauseReason, _ *protocol.Pause) {
			if reason == protocol.ReasonResumeLimit {
				// Keep stepping from inside the notification.
				if err := proxy.StepOver(); err != nil {
					t.Errorf("StepOver from handler: %v", err)
				}
			}
		},
	}

	var err error
	proxy, err = New(conn, "thread1", WithHandlers(handlers))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn.reset()

	if err := proxy.StepOver(); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	proxy.HandlePacket(inbound(t, `{"from":"thread1","type":"paused","actor":"pause1","why":{"type":"resumeLimit"}}`))

	// First step, then the handler's follow-up step.
	assertTypes(t, conn, protocol.TypeResume, protocol.TypeResume)
	if proxy.IsPaused() {
		t.Error("IsPaused() = true, want false (handler re-stepped)")
	}
}

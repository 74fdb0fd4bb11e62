package thread

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/tether/internal/protocol"
)

// Conn is what the proxy needs from the connection: actor
// registration, fire-and-forget request dispatch, and deduplicated
// construction of remote object proxies. *protocol.Conn satisfies it.
type Conn interface {
	Register(actor protocol.Actor) error
	SendRequest(req *protocol.Request) error
	GetOrCreate(name string, create func() protocol.Actor) protocol.Actor
}

// DesiredState is the debugging state the proxy steers the remote
// thread toward once transient pause-scoped work completes.
type DesiredState int

const (
	StatePaused DesiredState = iota
	StateRunning
	StateStepOver
	StateStepInto
	StateStepOut
)

// String returns a human-readable state name.
func (s DesiredState) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateRunning:
		return "running"
	case StateStepOver:
		return "step-over"
	case StateStepInto:
		return "step-into"
	case StateStepOut:
		return "step-out"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// evalRequest is one queued expression evaluation.
type evalRequest struct {
	expression string
	frame      string
	future     *Future[json.RawMessage]
}

// Proxy coordinates one remote thread actor. It reconciles the desired
// debugging state against the thread's actual state as observed
// through asynchronous protocol messages. Control operations update
// intent and return; results arrive through futures and Handlers.
//
// One mutex guards all state; control operations and the inbound
// packet handler both run under it, making the pair the single
// serialization point for the thread. Notifications are collected
// while locked and delivered after unlock.
type Proxy struct {
	name           string
	conn           Conn
	log            zerolog.Logger
	handlers       Handlers
	requestTimeout time.Duration

	mu         sync.Mutex
	desired    DesiredState
	paused     bool
	pendingOps int
	evalQueue  []*evalRequest
	activeEval *evalRequest
	frames     correlator[[]protocol.Frame]
	exited     bool
	notifyq    []func()
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the diagnostic logger. Defaults to a nop logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Proxy) { p.log = log }
}

// WithHandlers sets the notification callbacks.
func WithHandlers(h Handlers) Option {
	return func(p *Proxy) { p.handlers = h }
}

// WithRequestTimeout bounds how long frame-fetch and evaluate futures
// stay pending without a response before rejecting with ErrNoResponse.
// Zero, the default, waits forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.requestTimeout = d }
}

// New builds a proxy for the named thread actor, registers it on conn,
// and requests attach plus the initial source listing. The backend
// attaches threads paused, so the proxy starts with both desired and
// actual state paused.
func New(conn Conn, name string, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		name:    name,
		conn:    conn,
		log:     zerolog.Nop(),
		desired: StatePaused,
		paused:  true,
	}

	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("thread", name).Logger()

	if err := conn.Register(p); err != nil {
		return nil, fmt.Errorf("register thread %s: %w", name, err)
	}

	if err := conn.SendRequest(&protocol.Request{To: name, Type: protocol.TypeAttach}); err != nil {
		return nil, fmt.Errorf("attach thread %s: %w", name, err)
	}

	if err := conn.SendRequest(&protocol.Request{To: name, Type: protocol.TypeSources}); err != nil {
		return nil, fmt.Errorf("list sources for %s: %w", name, err)
	}

	return p, nil
}

// Name returns the remote actor name.
func (p *Proxy) Name() string { return p.name }

// State returns the current desired state.
func (p *Proxy) State() DesiredState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.desired
}

// IsPaused reports the proxy's local belief about whether the thread
// is paused. Optimistic: flipped before the backend confirms.
func (p *Proxy) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.paused
}

// Interrupt asks the thread to pause. Idempotent: repeated calls while
// already paused send nothing further.
func (p *Proxy) Interrupt() error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return ErrExited
	}

	p.desired = StatePaused
	p.doNext()
	p.mu.Unlock()
	p.flush()

	return nil
}

// Resume lets the thread run freely. The thread must currently be
// steered toward paused.
func (p *Proxy) Resume() error {
	return p.setRunState(StateRunning)
}

// StepOver resumes until control reaches the next line in the current
// frame.
func (p *Proxy) StepOver() error {
	return p.setRunState(StateStepOver)
}

// StepInto resumes until the next statement, entering callees.
func (p *Proxy) StepInto() error {
	return p.setRunState(StateStepInto)
}

// StepOut resumes until the current frame returns.
func (p *Proxy) StepOut() error {
	return p.setRunState(StateStepOut)
}

func (p *Proxy) setRunState(state DesiredState) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return ErrExited
	}

	if p.desired != StatePaused {
		p.log.Warn().
			Stringer("desired", p.desired).
			Stringer("requested", state).
			Msg("run-state change requires a paused thread")
		p.mu.Unlock()
		return ErrNotPaused
	}

	p.desired = state
	p.doNext()
	p.mu.Unlock()
	p.flush()

	return nil
}

// FetchStackFrames requests the thread's stack. The thread must be
// paused. Responses settle fetches in the order they were issued.
func (p *Proxy) FetchStackFrames() *Future[[]protocol.Frame] {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return rejected[[]protocol.Frame](ErrExited)
	}

	if p.desired != StatePaused || !p.paused {
		p.log.Warn().Stringer("desired", p.desired).Bool("paused", p.paused).
			Msg("stack frames requested while not paused")
		p.mu.Unlock()
		return rejected[[]protocol.Frame](ErrNotPaused)
	}

	fut := newFuture[[]protocol.Frame]()
	p.frames.add(fut)
	p.expire(fut.reject)
	p.send(&protocol.Request{To: p.name, Type: protocol.TypeFrames})
	p.mu.Unlock()

	return fut
}

// Evaluate queues an expression to run in the context of the given
// paused stack frame. Evaluations drain in submission order, one in
// flight at a time; each resolves with the completion value the
// backend reports.
func (p *Proxy) Evaluate(expression, frame string) *Future[json.RawMessage] {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return rejected[json.RawMessage](ErrExited)
	}

	if p.desired != StatePaused {
		p.log.Warn().Stringer("desired", p.desired).Str("expression", expression).
			Msg("evaluate requested while not paused")
		p.mu.Unlock()
		return rejected[json.RawMessage](ErrNotPaused)
	}

	req := &evalRequest{
		expression: expression,
		frame:      frame,
		future:     newFuture[json.RawMessage](),
	}
	p.evalQueue = append(p.evalQueue, req)
	p.expire(req.future.reject)
	p.doNext()
	p.mu.Unlock()
	p.flush()

	return req.future
}

// RunOnPausedThread runs op while the thread is held paused. If the
// thread is running it is interrupted silently, with no paused
// notification. op receives a completion callback and must call it
// once its protocol work is truly finished; only then is the pause
// hold released and reconciliation resumed. The returned error is op's
// immediate return, independent of the completion callback.
func (p *Proxy) RunOnPausedThread(op func(complete func()) error) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return ErrExited
	}

	p.pendingOps++
	if !p.paused {
		p.send(&protocol.Request{To: p.name, Type: protocol.TypeInterrupt})
		p.paused = true
	}
	p.mu.Unlock()

	var once sync.Once
	complete := func() {
		once.Do(func() {
			p.mu.Lock()
			p.pendingOps--
			p.doNext()
			p.mu.Unlock()
			p.flush()
		})
	}

	return op(complete)
}

// expire schedules reject(ErrNoResponse) after the configured request
// timeout. No-op when the timeout is zero; a settled future ignores
// the late rejection.
func (p *Proxy) expire(reject func(error)) {
	if p.requestTimeout <= 0 {
		return
	}

	time.AfterFunc(p.requestTimeout, func() {
		reject(ErrNoResponse)
	})
}

// send dispatches one request, logging failures. Requests are
// fire-and-forget; a failed send surfaces through the same paths as a
// dropped response.
func (p *Proxy) send(req *protocol.Request) {
	if err := p.conn.SendRequest(req); err != nil {
		p.log.Error().Err(err).Str("type", req.Type).Msg("send failed")
	}
}

// notify queues fn for delivery after the lock is released.
func (p *Proxy) notify(fn func()) {
	if fn == nil {
		return
	}
	p.notifyq = append(p.notifyq, fn)
}

// flush delivers queued notifications. Called without the lock held;
// handlers may re-enter control operations, and notifications they
// trigger are delivered in turn.
func (p *Proxy) flush() {
	for {
		p.mu.Lock()
		if len(p.notifyq) == 0 {
			p.mu.Unlock()
			return
		}
		queued := p.notifyq
		p.notifyq = nil
		p.mu.Unlock()

		for _, fn := range queued {
			fn()
		}
	}
}

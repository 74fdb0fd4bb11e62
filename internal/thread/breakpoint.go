package thread

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/tether/internal/protocol"
)

// Breakpoint is one installed breakpoint: the actor the backend
// allocated for it and the position it was requested at.
type Breakpoint struct {
	Actor     string
	SourceURL string
	Line      int
	Column    int
}

// BreakpointManager installs and removes breakpoints on one thread.
// The backend only accepts breakpoint requests while the thread is
// paused, so each change runs as a pause-scoped operation: a running
// thread is interrupted silently, the request is exchanged, and the
// thread is released back to its desired state.
type BreakpointManager struct {
	thread *Proxy

	mu     sync.Mutex
	active map[string]Breakpoint
}

// NewBreakpointManager builds a manager for thread.
func NewBreakpointManager(thread *Proxy) *BreakpointManager {
	return &BreakpointManager{
		thread: thread,
		active: make(map[string]Breakpoint),
	}
}

// Set installs a breakpoint in src at line and column, holding the
// thread paused for the exchange.
func (m *BreakpointManager) Set(ctx context.Context, src *protocol.Source, line, column int) (Breakpoint, error) {
	var bp Breakpoint

	err := m.thread.RunOnPausedThread(func(complete func()) error {
		defer complete()

		actor, err := src.SetBreakpoint(ctx, line, column)
		if err != nil {
			return err
		}

		bp = Breakpoint{
			Actor:     actor,
			SourceURL: src.URL(),
			Line:      line,
			Column:    column,
		}
		return nil
	})
	if err != nil {
		return Breakpoint{}, fmt.Errorf("set breakpoint: %w", err)
	}

	m.mu.Lock()
	m.active[bp.Actor] = bp
	m.mu.Unlock()

	return bp, nil
}

// Clear removes an installed breakpoint. Delete requests carry no
// reply, so the exchange completes as soon as the request is sent.
func (m *BreakpointManager) Clear(bp Breakpoint) error {
	err := m.thread.RunOnPausedThread(func(complete func()) error {
		defer complete()

		return m.thread.conn.SendRequest(&protocol.Request{To: bp.Actor, Type: protocol.TypeDelete})
	})
	if err != nil {
		return fmt.Errorf("clear breakpoint %s: %w", bp.Actor, err)
	}

	m.mu.Lock()
	delete(m.active, bp.Actor)
	m.mu.Unlock()

	return nil
}

// Active lists installed breakpoints ordered by source and line.
func (m *BreakpointManager) Active() []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Breakpoint, 0, len(m.active))
	for _, bp := range m.active {
		out = append(out, bp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceURL != out[j].SourceURL {
			return out[i].SourceURL < out[j].SourceURL
		}
		return out[i].Line < out[j].Line
	})

	return out
}

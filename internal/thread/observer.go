package thread

import "github.com/dshills/tether/internal/protocol"

// Handlers receives thread lifecycle notifications. Nil callbacks are
// skipped. Callbacks run outside the proxy's lock, after the state
// change that produced them has fully settled, so a handler may call
// back into the proxy's control operations. They are invoked on the
// connection's read goroutine; a handler that blocks on a protocol
// round-trip stalls packet delivery.
type Handlers struct {
	// OnPaused fires when the thread lands in a pause visible to the
	// controller. Pauses taken purely for internal pause-scoped work
	// stay silent.
	OnPaused func(reason protocol.PauseReason, pause *protocol.Pause)

	// OnExited fires once when the thread's actor is gone. No further
	// notifications follow.
	OnExited func()

	// OnWrongState fires when the backend rejects a request because
	// the thread was in the wrong state for it.
	OnWrongState func()

	// OnNewSource fires when the backend announces a source, with the
	// proxy for its actor.
	OnNewSource func(src *protocol.Source)
}

package thread

import "github.com/dshills/tether/internal/protocol"

// doNext is the single reconciliation routine: a total, priority-
// ordered decision procedure recomputed from current fields after
// every event that can change intent or actual state. It is the only
// writer of the run-state fields outside the inbound handler's
// pause confirmations. Caller must hold p.mu.
//
// Priority: pause-scoped operations, then the in-flight evaluation,
// then queued evaluations, then the desired run state. Pause-scoped
// work is never disturbed by stepping or evaluation, and evaluations
// drain one at a time in submission order.
func (p *Proxy) doNext() {
	if p.pendingOps > 0 {
		if !p.paused {
			p.log.Error().Int("pending", p.pendingOps).
				Msg("pause-scoped operations outstanding on an unpaused thread")
		}
		return
	}

	if p.activeEval != nil {
		// The evaluation only proceeds by resuming the thread; its
		// completion arrives as a clientEvaluated pause.
		if p.paused {
			p.send(&protocol.Request{To: p.name, Type: protocol.TypeResume})
			p.paused = false
		}
		return
	}

	if len(p.evalQueue) > 0 {
		if !p.paused {
			// The queue gained entries while the thread was already
			// mid-resume for an unrelated reason. Evaluation cannot be
			// serviced while running.
			queue := p.evalQueue
			p.evalQueue = nil
			p.log.Warn().Int("rejected", len(queue)).
				Msg("evaluations queued on a running thread")
			for _, req := range queue {
				req.future.reject(ErrThreadRunning)
			}
			return
		}

		head := p.evalQueue[0]
		p.evalQueue = p.evalQueue[1:]
		p.activeEval = head
		p.send(&protocol.Request{
			To:         p.name,
			Type:       protocol.TypeClientEvaluate,
			Expression: head.expression,
			Frame:      head.frame,
		})
		p.paused = false
		return
	}

	switch p.desired {
	case StatePaused:
		if !p.paused {
			p.send(&protocol.Request{To: p.name, Type: protocol.TypeInterrupt})
			p.paused = true
		}
	case StateRunning:
		if p.paused {
			p.send(&protocol.Request{To: p.name, Type: protocol.TypeResume})
			p.paused = false
		}
	case StateStepOver, StateStepInto, StateStepOut:
		if p.paused {
			p.send(&protocol.Request{
				To:          p.name,
				Type:        protocol.TypeResume,
				ResumeLimit: &protocol.ResumeLimit{Type: stepKind(p.desired)},
			})
			p.paused = false
		}
	}
}

// stepKind maps a stepping state to its wire resume limit.
func stepKind(state DesiredState) protocol.StepKind {
	switch state {
	case StateStepInto:
		return protocol.StepIn
	case StateStepOut:
		return protocol.StepOut
	default:
		return protocol.StepNext
	}
}

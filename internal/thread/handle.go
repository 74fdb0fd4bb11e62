package thread

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/dshills/tether/internal/protocol"
)

// HandlePacket consumes one inbound packet addressed to this thread.
// Dispatch is by message shape rather than a single discriminant
// field: error and reply packets carry no type, so the richest
// applicable signal wins.
func (p *Proxy) HandlePacket(pkt *protocol.Packet) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}

	switch {
	case pkt.Error != "":
		p.handleError(pkt)
	case pkt.Type == protocol.TypePaused:
		p.handlePaused(pkt)
	case pkt.Type == protocol.TypeResumed:
		// Tracked optimistically at send time; the confirmation adds
		// nothing.
		p.log.Debug().Msg("resumed")
	case pkt.Type == protocol.TypeNewSource:
		p.handleNewSource(pkt)
	case pkt.Type == protocol.TypeDetached:
		p.log.Info().Msg("detached")
	case pkt.Type == protocol.TypeExited:
		p.handleExited()
	case pkt.Type == protocol.TypeNewGlobal:
		// Ignored.
	case gjson.GetBytes(pkt.Raw, "sources").Exists():
		p.log.Debug().Int("count", len(pkt.Sources)).Msg("source listing")
	case gjson.GetBytes(pkt.Raw, "frames").Exists():
		p.handleFrames(pkt)
	default:
		p.log.Warn().RawJSON("packet", pkt.Raw).Msg("unrecognized packet")
	}

	p.mu.Unlock()
	p.flush()
}

func (p *Proxy) handleError(pkt *protocol.Packet) {
	if pkt.Error == protocol.ErrorWrongState {
		p.log.Warn().Str("message", pkt.Message).Msg("backend asserts wrong state")
		if fn := p.handlers.OnWrongState; fn != nil {
			p.notify(fn)
		}
		return
	}

	p.log.Error().Str("code", pkt.Error).Str("message", pkt.Message).
		RawJSON("packet", pkt.Raw).Msg("backend error")
}

func (p *Proxy) handlePaused(pkt *protocol.Packet) {
	var reason protocol.PauseReason
	if pkt.Why != nil {
		reason = pkt.Why.Type
	}
	pause := &protocol.Pause{Actor: pkt.Actor, Reason: reason, Frame: pkt.Frame}

	switch reason {
	case protocol.ReasonAttached:
		p.log.Debug().Msg("attached paused")

	case protocol.ReasonInterrupted:
		p.paused = true
		// An interruption issued purely to perform pause-scoped work
		// stays silent to listeners.
		if p.desired == StatePaused {
			p.notifyPaused(reason, pause)
		}

	case protocol.ReasonResumeLimit, protocol.ReasonBreakpoint:
		p.paused = true
		p.desired = StatePaused
		p.doNext()
		p.notifyPaused(reason, pause)

	case protocol.ReasonClientEvaluated:
		p.paused = true
		if p.activeEval == nil {
			p.log.Error().Msg("evaluation completed with none in flight")
		} else {
			var value json.RawMessage
			if pkt.Why.FrameFinished != nil {
				value = pkt.Why.FrameFinished.Return
			}
			eval := p.activeEval
			p.activeEval = nil
			eval.future.resolve(value)
		}
		p.doNext()
		// A queued follow-up may have resumed the thread immediately;
		// only a pause that sticks is announced.
		if p.paused {
			p.notifyPaused(reason, pause)
		}

	default:
		p.log.Error().Str("why", string(reason)).RawJSON("packet", pkt.Raw).
			Msg("unhandled pause reason")
	}
}

func (p *Proxy) handleNewSource(pkt *protocol.Packet) {
	info, err := pkt.SourceDescriptor()
	if err != nil {
		p.log.Warn().Err(err).Msg("newSource without usable descriptor")
		return
	}

	actor := p.conn.GetOrCreate(info.Actor, func() protocol.Actor {
		return protocol.NewSource(*info, p.conn)
	})

	src, ok := actor.(*protocol.Source)
	if !ok {
		p.log.Error().Str("actor", info.Actor).Msg("actor id already bound to a non-source proxy")
		return
	}

	p.log.Debug().Str("actor", info.Actor).Str("url", info.URL).Msg("new source")
	if fn := p.handlers.OnNewSource; fn != nil {
		p.notify(func() { fn(src) })
	}
}

func (p *Proxy) handleFrames(pkt *protocol.Packet) {
	if !p.frames.resolveNext(pkt.Frames) {
		p.log.Warn().Msg("frames reply with no fetch outstanding")
	}
}

func (p *Proxy) handleExited() {
	p.log.Info().Msg("exited")
	p.exited = true
	p.frames.rejectAll(ErrExited)
	p.rejectEvaluations(ErrExited)
	if fn := p.handlers.OnExited; fn != nil {
		p.notify(fn)
	}
}

// rejectEvaluations settles the in-flight and queued evaluations with
// err. Caller must hold p.mu.
func (p *Proxy) rejectEvaluations(err error) {
	if p.activeEval != nil {
		p.activeEval.future.reject(err)
		p.activeEval = nil
	}
	for _, req := range p.evalQueue {
		req.future.reject(err)
	}
	p.evalQueue = nil
}

func (p *Proxy) notifyPaused(reason protocol.PauseReason, pause *protocol.Pause) {
	if fn := p.handlers.OnPaused; fn != nil {
		p.notify(func() { fn(reason, pause) })
	}
}

// ConnClosed tears the proxy down when the connection dies: every
// outstanding future is rejected and the terminal notification fires.
func (p *Proxy) ConnClosed(err error) {
	if err == nil {
		err = protocol.ErrConnClosed
	}

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}

	p.log.Warn().Err(err).Msg("connection closed")
	p.exited = true
	p.frames.rejectAll(err)
	p.rejectEvaluations(err)
	if fn := p.handlers.OnExited; fn != nil {
		p.notify(fn)
	}
	p.mu.Unlock()
	p.flush()
}

package protocol

import (
	"context"
	"fmt"
	"sync"
)

// Source is the client-side proxy for one source actor. Replies from a
// source actor carry no correlation token, so each proxy keeps its own
// first-in-first-out queue of callers awaiting a reply.
type Source struct {
	actor  string
	url    string
	sender Sender

	mu      sync.Mutex
	pending []chan reply
	closed  error
}

type reply struct {
	pkt *Packet
	err error
}

// NewSource builds a proxy for the source actor described by info.
// Register it on the connection before sending through it.
func NewSource(info SourceInfo, sender Sender) *Source {
	return &Source{
		actor:  info.Actor,
		url:    info.URL,
		sender: sender,
	}
}

// Name returns the backend actor name.
func (s *Source) Name() string { return s.actor }

// URL returns the location the source was loaded from.
func (s *Source) URL() string { return s.url }

// FetchContent retrieves the text of the source from the backend.
func (s *Source) FetchContent(ctx context.Context) (string, error) {
	pkt, err := s.call(ctx, &Request{To: s.actor, Type: TypeSource})
	if err != nil {
		return "", fmt.Errorf("fetch source %s: %w", s.url, err)
	}

	text, err := pkt.SourceText()
	if err != nil {
		return "", fmt.Errorf("fetch source %s: %w", s.url, err)
	}

	return text, nil
}

// SetBreakpoint installs a breakpoint at the given position in this
// source. The owning thread must be paused for the request to be
// valid; coordinating that is the caller's concern.
func (s *Source) SetBreakpoint(ctx context.Context, line, column int) (string, error) {
	req := &Request{
		To:       s.actor,
		Type:     TypeSetBreakpoint,
		Location: &Location{Line: line, Column: column},
	}

	pkt, err := s.call(ctx, req)
	if err != nil {
		return "", fmt.Errorf("set breakpoint %s:%d: %w", s.url, line, err)
	}

	return pkt.Actor, nil
}

// call sends req and blocks until the next reply from this actor
// arrives, ctx expires, or the connection dies. Replies resolve
// waiters in send order.
func (s *Source) call(ctx context.Context, req *Request) (*Packet, error) {
	ch := make(chan reply, 1)

	s.mu.Lock()
	if s.closed != nil {
		err := s.closed
		s.mu.Unlock()
		return nil, err
	}
	s.pending = append(s.pending, ch)
	s.mu.Unlock()

	if err := s.sender.SendRequest(req); err != nil {
		s.drop(ch)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.pkt.Error != "" {
			return nil, &WireError{Actor: s.actor, Code: r.pkt.Error, Message: r.pkt.Message}
		}
		return r.pkt, nil
	case <-ctx.Done():
		s.drop(ch)
		return nil, ctx.Err()
	}
}

// drop removes ch from the pending queue after a failed or abandoned
// call so later replies match the right waiter.
func (s *Source) drop(ch chan reply) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, pending := range s.pending {
		if pending == ch {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// HandlePacket resolves the oldest waiting caller with pkt.
func (s *Source) HandlePacket(pkt *Packet) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	ch := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	ch <- reply{pkt: pkt}
}

// ConnClosed rejects every waiting caller.
func (s *Source) ConnClosed(err error) {
	if err == nil {
		err = ErrConnClosed
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.closed = err
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

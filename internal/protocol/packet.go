// Package protocol implements the wire layer of the tether remote
// debugging protocol: packet shapes, transports, and the connection
// that multiplexes packets between local actor proxies and the remote
// debugger backend.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request command types sent to remote actors.
const (
	TypeAttach         = "attach"
	TypeSources        = "sources"
	TypeInterrupt      = "interrupt"
	TypeResume         = "resume"
	TypeFrames         = "frames"
	TypeClientEvaluate = "clientEvaluate"
	TypeSource         = "source"
	TypeSetBreakpoint  = "setBreakpoint"
	TypeDelete         = "delete"
)

// Inbound packet types produced by the backend.
const (
	TypePaused    = "paused"
	TypeResumed   = "resumed"
	TypeNewSource = "newSource"
	TypeDetached  = "detached"
	TypeExited    = "exited"
	TypeNewGlobal = "newGlobal"
)

// ErrorWrongState is the error code a backend asserts when a request
// arrived while the thread was in the wrong state for it.
const ErrorWrongState = "wrongState"

// StepKind selects the single-step semantics of a resume request.
type StepKind string

const (
	// StepNext resumes until control reaches the next line in the
	// current frame (step over).
	StepNext StepKind = "next"
	// StepIn resumes until the next statement, entering callees.
	StepIn StepKind = "step"
	// StepOut resumes until the current frame returns.
	StepOut StepKind = "finish"
)

// ResumeLimit is attached to a resume request to ask for
// single-stepping instead of free-running.
type ResumeLimit struct {
	Type StepKind `json:"type"`
}

// PauseReason is the "why" tag on a paused packet.
type PauseReason string

const (
	ReasonAttached        PauseReason = "attached"
	ReasonInterrupted     PauseReason = "interrupted"
	ReasonResumeLimit     PauseReason = "resumeLimit"
	ReasonBreakpoint      PauseReason = "breakpoint"
	ReasonClientEvaluated PauseReason = "clientEvaluated"
)

// Request is an outbound packet addressed to a remote actor. The zero
// values of the optional fields are omitted on the wire, so one struct
// covers every command type.
type Request struct {
	To          string       `json:"to"`
	Type        string       `json:"type"`
	ResumeLimit *ResumeLimit `json:"resumeLimit,omitempty"`
	Expression  string       `json:"expression,omitempty"`
	Frame       string       `json:"frame,omitempty"`
	Location    *Location    `json:"location,omitempty"`
}

// Location identifies a source position for breakpoint requests.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column,omitempty"`
}

// Why carries the reason detail of a paused packet.
type Why struct {
	Type PauseReason `json:"type"`

	// FrameFinished is present when Type is ReasonClientEvaluated and
	// carries the completion value of the evaluation.
	FrameFinished *FrameFinished `json:"frameFinished,omitempty"`
}

// FrameFinished holds the completion value of a finished frame.
type FrameFinished struct {
	Return json.RawMessage `json:"return,omitempty"`
}

// Where is a source position inside a frame.
type Where struct {
	Source string `json:"source,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// Frame describes one stack frame reported by the backend.
type Frame struct {
	Actor  string `json:"actor"`
	Type   string `json:"type,omitempty"`
	Callee string `json:"callee,omitempty"`
	Where  Where  `json:"where,omitempty"`
	Depth  int    `json:"depth"`
}

// SourceInfo identifies a source actor in newSource and sources
// packets.
type SourceInfo struct {
	Actor string `json:"actor"`
	URL   string `json:"url,omitempty"`
}

// Packet is a decoded inbound packet. Not every field is meaningful
// for every packet type; dispatch is by shape, so consumers probe Raw
// for the richest applicable signal before trusting a field.
type Packet struct {
	From    string          `json:"from"`
	Type    string          `json:"type,omitempty"`
	Why     *Why            `json:"why,omitempty"`
	Actor   string          `json:"actor,omitempty"`
	Frame   *Frame          `json:"frame,omitempty"`
	Frames  []Frame         `json:"frames,omitempty"`
	// Source is an object in newSource packets and a plain string in
	// source-content replies, so it stays raw until the shape is known.
	Source  json.RawMessage `json:"source,omitempty"`
	Sources []SourceInfo    `json:"sources,omitempty"`
	Text    string          `json:"text,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Return  json.RawMessage `json:"return,omitempty"`

	// Raw is the undecoded packet body, kept for shape probing and
	// diagnostics. Never sent back on the wire.
	Raw json.RawMessage `json:"-"`
}

// SourceDescriptor decodes the Source field of a newSource packet.
func (p *Packet) SourceDescriptor() (*SourceInfo, error) {
	if len(p.Source) == 0 {
		return nil, fmt.Errorf("packet from %s has no source field", p.From)
	}

	var info SourceInfo
	if err := json.Unmarshal(p.Source, &info); err != nil {
		return nil, fmt.Errorf("decode source descriptor: %w", err)
	}

	return &info, nil
}

// SourceText decodes the Source field of a source-content reply.
func (p *Packet) SourceText() (string, error) {
	if len(p.Source) == 0 {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(p.Source, &text); err != nil {
		return "", fmt.Errorf("decode source text: %w", err)
	}

	return text, nil
}

// Pause is a snapshot of a pause observed on a thread: the pause actor
// the backend allocated, the reason, and the top frame if the backend
// included one.
type Pause struct {
	Actor  string
	Reason PauseReason
	Frame  *Frame
}

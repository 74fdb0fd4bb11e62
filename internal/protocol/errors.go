package protocol

import (
	"errors"
	"fmt"
)

// Standard errors returned by the wire layer.
var (
	// ErrConnClosed indicates the connection has been closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrActorRegistered indicates an actor with the same name is
	// already registered on the connection.
	ErrActorRegistered = errors.New("actor already registered")
)

// WireError is an error packet asserted by the backend.
type WireError struct {
	// Actor is the actor that reported the error.
	Actor string

	// Code is the backend's error discriminant, e.g. "wrongState".
	Code string

	// Message is the optional human-readable detail.
	Message string
}

// Error implements the error interface.
func (e *WireError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s from %s: %s", e.Code, e.Actor, e.Message)
	}
	return fmt.Sprintf("%s from %s", e.Code, e.Actor)
}

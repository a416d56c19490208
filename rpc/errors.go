package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is the reason pending calls fail when the connection
	// stops, whether by an explicit Close or because the peer went away.
	ErrConnClosed = errors.New("rpc: connection closed")

	// ErrCallTimeout is returned when a call's own timeout elapses before a
	// response arrives. It is distinct from caller cancellation, which
	// surfaces as the caller's context error.
	ErrCallTimeout = errors.New("rpc: call timed out")
)

// RemoteError is a typed error reported by the peer's handler for a request.
// It is both the wire representation of a response's error object and the
// error value surfaced to the caller.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

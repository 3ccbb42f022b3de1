package client

import (
	"errors"
	"fmt"

	"tutorchat-ws/internal/domain"
)

var (
	// ErrNotConnected is returned by actions that need a live connection.
	// It is never retried silently.
	ErrNotConnected = errors.New("client: not connected")

	// ErrStaleResponse is returned when a response arrives after its request
	// was cancelled or superseded. The response is dropped.
	ErrStaleResponse = errors.New("client: stale response dropped")

	ErrEmptyMessage   = errors.New("client: message is empty")
	ErrLoadInProgress = errors.New("client: page load already in progress")
	ErrNotLoaded      = errors.New("client: conversation has no first page yet")
)

// AuthError means the credential was rejected at handshake. The same
// credential must not be retried.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("client: authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("client: authentication failed (status %d): %s", e.Status, e.Reason)
}

// UploadError aborts an image send. Nothing is transmitted.
type UploadError struct {
	FileName string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("client: upload of %q failed: %v", e.FileName, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport failure. On a live session it
// drives the reconnection backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Temporary() bool {
	return true
}

// ProtocolError is a malformed or unexpected frame. It is logged and the
// connection stays up.
type ProtocolError struct {
	Type   domain.EventType
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "client: protocol error"
	if e.Type != "" {
		msg += " in " + string(e.Type)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ServerCloseError is a disconnect initiated by the server with one of the
// session close codes.
type ServerCloseError struct {
	Code   int
	Reason string
}

func (e *ServerCloseError) Error() string {
	return fmt.Sprintf("client: closed by server (%d %s)", e.Code, e.Reason)
}

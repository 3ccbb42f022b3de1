package client

import (
	"tutorchat-ws/internal/domain"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventReconnected
	EventReconnectFailed
	EventAuthFailed
	// EventMessage carries an inbound envelope.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventAuthFailed:
		return "auth_failed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is what the Manager emits: a lifecycle transition or an inbound
// envelope.
type Event struct {
	Kind    EventKind
	Attempt int
	Reason  string
	Err     error
	Handle  *Handle
	Message *domain.WebSocketMessage
}

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Package api implements the HTTP + SSE client for the remote AstroDesk
// server: authentication, session CRUD, file transfer and the streaming
// chat endpoint. The WebSocket side channel lives in internal/ws.
package api

import "sync"

// ConnectionState represents the client's view of the server connection.
type ConnectionState int

const (
	// StateDisconnected indicates no usable connection.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a login attempt is in progress.
	StateConnecting
	// StateConnected indicates the token has been validated.
	StateConnected
	// StateReconnecting indicates a reconnect attempt is in progress.
	StateReconnecting
	// StateError indicates the last connection attempt failed.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateFunc is invoked on every connection state transition.
type StateFunc func(ConnectionState)

// stateTracker holds the current ConnectionState and notifies a callback
// when the value actually changes. Setting the current value is a no-op.
type stateTracker struct {
	mu       sync.Mutex
	current  ConnectionState
	onChange StateFunc
}

func (t *stateTracker) Get() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *stateTracker) Set(state ConnectionState) {
	t.mu.Lock()
	if t.current == state {
		t.mu.Unlock()
		return
	}
	t.current = state
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

package stream

import "sync/atomic"

// ConnState is a streaming client's connection lifecycle state. Active is
// the only state in which subscriptions transmit to the wire; Disposed is
// terminal.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
	StateDisposed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateDisposed:
		return "disposed"
	default:
		return "disconnected"
	}
}

// StateVar is an atomically updated connection state.
type StateVar struct {
	v atomic.Int32
}

// Load returns the current state.
func (s *StateVar) Load() ConnState {
	return ConnState(s.v.Load())
}

// Store sets the state unconditionally, except that Disposed is sticky.
func (s *StateVar) Store(next ConnState) {
	for {
		cur := s.v.Load()
		if ConnState(cur) == StateDisposed {
			return
		}
		if s.v.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// CompareAndSwap transitions from old to next atomically.
func (s *StateVar) CompareAndSwap(old, next ConnState) bool {
	return s.v.CompareAndSwap(int32(old), int32(next))
}

package adapter

import (
	"sync"
	"time"
)

// ConnState is the lifecycle state of one transport session.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Session tracks one physical connection (or REST polling loop) to one
// platform+account. Owned exclusively by its adapter instance.
type Session struct {
	Platform string
	Account  string

	mu            sync.RWMutex
	state         ConnState
	lastHeartbeat time.Time
	attempts      int
}

func NewSession(platform, account string) *Session {
	return &Session{Platform: platform, Account: account, state: StateDisconnected}
}

func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) SetState(state ConnState) {
	s.mu.Lock()
	s.state = state
	if state == StateAuthenticated {
		s.attempts = 0
	}
	s.mu.Unlock()
}

// Touch records receipt of a server message for heartbeat accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// SinceHeartbeat returns the time since the last server message.
func (s *Session) SinceHeartbeat() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastHeartbeat.IsZero() {
		return 0
	}
	return time.Since(s.lastHeartbeat)
}

// NextAttempt increments and returns the reconnect attempt counter.
func (s *Session) NextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// Attempts returns the current reconnect attempt counter.
func (s *Session) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

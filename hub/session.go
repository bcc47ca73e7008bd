// This file contains the Session, the hub-side record of one client connection, and its
// lifecycle state machine:
//
//	Connecting → Authenticated → Active → Closing → Closed
//	Connecting → Closed (handshake rejected)
//
// Any state may move to Closing when the transport drops; Closing always ends in Closed.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Session struct {
	ID        string
	Identity  Identity
	transport Transport
	state     atomic.Int32
	createdAt time.Time
	lastSeen  atomic.Int64
	closing   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession() *Session {
	now := time.Now()

	s := &Session{
		ID:        uuid.NewString(),
		createdAt: now,
		closing:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.lastSeen.Store(now.UnixNano())

	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// advance moves the session from one state to the next; it fails if another goroutine
// moved it first.
func (s *Session) advance(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// beginClosing moves any non-closed state to Closing exactly once.
func (s *Session) beginClosing() bool {
	for {
		current := s.State()
		if current == StateClosing || current == StateClosed {
			return false
		}
		if s.advance(current, StateClosing) {
			close(s.closing)

			return true
		}
	}
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
}

// Done is closed as soon as the session starts closing.
func (s *Session) Done() <-chan struct{} {
	return s.closing
}

// Closed is closed once cleanup has finished.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastSeenAt is the time of the last inbound frame.
func (s *Session) LastSeenAt() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) Transport() TransportType {
	if s.transport == nil {
		return ""
	}
	return s.transport.Type()
}

// Enqueue encodes ev and hands it to the transport without blocking.
func (s *Session) Enqueue(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return wrapF(err, "failed to encode %s event", ev.Kind)
	}
	return s.send(data)
}

func (s *Session) send(data []byte) error {
	if s.State() != StateActive || s.transport == nil {
		return transportError("session " + s.ID + " is not active")
	}
	return s.transport.Send(data)
}

// This file contains the reconnection state machine. It owns every transition rule; the
// client only reports what happened (attempt failed, connected, dropped, timer fired)
// and acts on the resulting state.
//
//	Idle ──Start──▶ Connecting ──Connected──▶ Connected ──Disconnected──▶ Connecting
//	                    │                                                     │
//	                    └──ConnectFailed──▶ Backoff ──Retry──▶ Connecting ◀───┘
//	                    └──ConnectFailed (attempts used up, or credential refused) ──▶ Failed
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/internal/backoff"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseBackoff    Phase = "backoff"
	PhaseConnected  Phase = "connected"
	PhaseFailed     Phase = "failed"
)

// State is a snapshot of the controller. Attempt counts connection attempts in the
// current outage; Next is when a Backoff ends.
type State struct {
	Phase     Phase
	Attempt   int
	Next      time.Time
	Transport hub.TransportType
	Err       error
}

func (s State) String() string {
	switch s.Phase {
	case PhaseBackoff:
		return fmt.Sprintf("backoff(attempt=%d, next=%s)", s.Attempt, s.Next.Format(time.RFC3339Nano))
	case PhaseConnecting:
		return fmt.Sprintf("connecting(attempt=%d)", s.Attempt)
	case PhaseConnected:
		return fmt.Sprintf("connected(%s)", s.Transport)
	case PhaseFailed:
		return fmt.Sprintf("failed(%v)", s.Err)
	default:
		return string(s.Phase)
	}
}

type Controller struct {
	mu          sync.Mutex
	state       State
	maxAttempts int
	schedule    backoff.Schedule
	now         func() time.Time
}

func NewController(maxAttempts int, schedule backoff.Schedule) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Controller{
		state:       State{Phase: PhaseIdle},
		maxAttempts: maxAttempts,
		schedule:    schedule,
		now:         time.Now,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()

	defer c.mu.Unlock()

	return c.state
}

func (c *Controller) transition(allowed []Phase, next func(State) State) (State, error) {
	c.mu.Lock()

	defer c.mu.Unlock()

	for _, phase := range allowed {
		if c.state.Phase == phase {
			c.state = next(c.state)
			return c.state, nil
		}
	}
	return c.state, fmt.Errorf("invalid transition from %s", c.state.Phase)
}

// Start begins the first attempt.
func (c *Controller) Start() (State, error) {
	return c.transition([]Phase{PhaseIdle}, func(State) State {
		return State{Phase: PhaseConnecting, Attempt: 1}
	})
}

// Connected records a successful attempt and resets the attempt count.
func (c *Controller) Connected(transport hub.TransportType) (State, error) {
	return c.transition([]Phase{PhaseConnecting}, func(State) State {
		return State{Phase: PhaseConnected, Transport: transport}
	})
}

// Upgraded records a transport switch while connected.
func (c *Controller) Upgraded(transport hub.TransportType) (State, error) {
	return c.transition([]Phase{PhaseConnected}, func(s State) State {
		s.Transport = transport
		return s
	})
}

// ConnectFailed schedules the next attempt, or fails for good when the attempts are
// used up or the hub refused the credential.
func (c *Controller) ConnectFailed(err error) (State, error) {
	return c.transition([]Phase{PhaseConnecting}, func(s State) State {
		if errors.Is(err, hub.ErrUnauthenticated) || s.Attempt >= c.maxAttempts {
			return State{
				Phase:   PhaseFailed,
				Attempt: s.Attempt,
				Err:     fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, s.Attempt, err),
			}
		}
		return State{
			Phase:   PhaseBackoff,
			Attempt: s.Attempt,
			Next:    c.now().Add(c.schedule.Delay(s.Attempt)),
			Err:     err,
		}
	})
}

// Retry ends a backoff with the next attempt.
func (c *Controller) Retry() (State, error) {
	return c.transition([]Phase{PhaseBackoff}, func(s State) State {
		return State{Phase: PhaseConnecting, Attempt: s.Attempt + 1}
	})
}

// Disconnected starts reconnecting straight away after an unplanned drop.
func (c *Controller) Disconnected(err error) (State, error) {
	return c.transition([]Phase{PhaseConnected}, func(State) State {
		return State{Phase: PhaseConnecting, Attempt: 1, Err: err}
	})
}

// Stop returns to Idle from any phase.
func (c *Controller) Stop() State {
	c.mu.Lock()

	defer c.mu.Unlock()

	c.state = State{Phase: PhaseIdle}

	return c.state
}

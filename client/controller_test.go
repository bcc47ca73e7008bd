package client

import (
	"errors"
	"testing"
	"time"

	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/internal/backoff"
)

func newTestController(maxAttempts int) *Controller {
	c := NewController(maxAttempts, backoff.Schedule{Steps: []time.Duration{time.Second, 2 * time.Second}})
	c.now = func() time.Time { return time.Unix(0, 0) }

	return c
}

func TestControllerHappyPath(t *testing.T) {
	c := newTestController(3)

	if c.State().Phase != PhaseIdle {
		t.Fatalf("expected idle, got %s", c.State().Phase)
	}

	s, err := c.Start()
	if err != nil || s.Phase != PhaseConnecting || s.Attempt != 1 {
		t.Fatalf("expected connecting(1), got %s %v", s, err)
	}
	if _, err = c.Start(); err == nil {
		t.Error("expected second start to fail")
	}

	s, _ = c.Connected(hub.TransportSSE)
	if s.Phase != PhaseConnected || s.Transport != hub.TransportSSE {
		t.Errorf("expected connected(sse), got %s", s)
	}

	s, _ = c.Upgraded(hub.TransportWebSocket)
	if s.Transport != hub.TransportWebSocket {
		t.Errorf("expected websocket after upgrade, got %s", s.Transport)
	}

	s, _ = c.Disconnected(errors.New("dropped"))
	if s.Phase != PhaseConnecting || s.Attempt != 1 {
		t.Errorf("expected immediate reconnect, got %s", s)
	}
}

func TestControllerBackoff(t *testing.T) {
	c := newTestController(3)
	_, _ = c.Start()

	s, _ := c.ConnectFailed(errors.New("refused"))
	if s.Phase != PhaseBackoff || !s.Next.Equal(time.Unix(0, 0).Add(time.Second)) {
		t.Errorf("expected 1s backoff, got %s", s)
	}
	if _, err := c.Connected(hub.TransportSSE); err == nil {
		t.Error("expected connected during backoff to be invalid")
	}

	s, _ = c.Retry()
	if s.Phase != PhaseConnecting || s.Attempt != 2 {
		t.Errorf("expected connecting(2), got %s", s)
	}

	s, _ = c.ConnectFailed(errors.New("refused"))
	if !s.Next.Equal(time.Unix(0, 0).Add(2 * time.Second)) {
		t.Errorf("expected 2s backoff, got %s", s)
	}

	_, _ = c.Retry()
	s, _ = c.ConnectFailed(errors.New("refused"))
	if s.Phase != PhaseFailed || s.Attempt != 3 {
		t.Fatalf("expected failed after 3 attempts, got %s", s)
	}
	if !errors.Is(s.Err, ErrReconnectFailed) {
		t.Errorf("expected ErrReconnectFailed, got %v", s.Err)
	}
	if _, err := c.Retry(); err == nil {
		t.Error("expected failed to be terminal")
	}

	if s = c.Stop(); s.Phase != PhaseIdle {
		t.Errorf("expected idle after stop, got %s", s)
	}
}

func TestControllerUnauthenticatedIsTerminal(t *testing.T) {
	c := newTestController(5)
	_, _ = c.Start()

	s, _ := c.ConnectFailed(&hub.Error{Reason: hub.ReasonUnauthenticated})
	if s.Phase != PhaseFailed || s.Attempt != 1 {
		t.Fatalf("expected failed on first attempt, got %s", s)
	}
	if !errors.Is(s.Err, ErrReconnectFailed) || !errors.Is(s.Err, hub.ErrUnauthenticated) {
		t.Errorf("expected both sentinels, got %v", s.Err)
	}
}

func TestControllerAttemptsResetAfterConnect(t *testing.T) {
	c := newTestController(2)
	_, _ = c.Start()
	_, _ = c.ConnectFailed(errors.New("refused"))
	_, _ = c.Retry()
	_, _ = c.Connected(hub.TransportWebSocket)
	_, _ = c.Disconnected(errors.New("dropped"))

	s, _ := c.ConnectFailed(errors.New("refused"))
	if s.Phase != PhaseBackoff {
		t.Errorf("expected a fresh outage to get its own attempts, got %s", s)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{State{Phase: PhaseIdle}, "idle"},
		{State{Phase: PhaseConnecting, Attempt: 2}, "connecting(attempt=2)"},
		{State{Phase: PhaseConnected, Transport: hub.TransportSSE}, "connected(sse)"},
		{State{Phase: PhaseFailed, Err: errors.New("boom")}, "failed(boom)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("expected %q, got %q", tt.expected, got)
		}
	}
}

package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeTransport is an in-memory Transport. Frames the hub sends land on out; frames
// pushed with deliver reach the hub.
type fakeTransport struct {
	id        string
	typ       TransportType
	out       chan []byte
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mutex     sync.Mutex
	refuse    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		id:   uuid.NewString(),
		typ:  TransportWebSocket,
		out:  make(chan []byte, 256),
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Type() TransportType { return f.typ }

func (f *fakeTransport) Send(data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	select {
	case <-f.done:
		return transportError("transport closed")
	default:
	}
	if f.refuse {
		return transportError("send refused")
	}
	select {
	case f.out <- data:
		return nil
	default:
		f.closeLocked()
		return transportError("send buffer full")
	}
}

func (f *fakeTransport) Receive() <-chan []byte { return f.in }

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Close() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.closeLocked()
}

func (f *fakeTransport) closeLocked() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}

func (f *fakeTransport) deliver(t *testing.T, ev Event) {
	t.Helper()

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.in <- data
}

// next returns the next outbound event, failing after timeout.
func (f *fakeTransport) next(t *testing.T, timeout time.Duration) Event {
	t.Helper()

	select {
	case data := <-f.out:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
		return Event{}
	}
}

// waitFor skips events until one of kind arrives.
func (f *fakeTransport) waitFor(t *testing.T, kind Kind, timeout time.Duration) Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("no %s event within %v", kind, timeout)
		}
		if ev := f.next(t, remaining); ev.Kind == kind {
			return ev
		}
	}
}

// quiet asserts no event of kind arrives within d.
func (f *fakeTransport) quiet(t *testing.T, kind Kind, d time.Duration) {
	t.Helper()

	deadline := time.After(d)
	for {
		select {
		case data := <-f.out:
			var ev Event
			_ = json.Unmarshal(data, &ev)
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event: %s", kind, data)
			}
		case <-deadline:
			return
		}
	}
}

// request sends ev and returns the reply carrying its request id.
func (f *fakeTransport) request(t *testing.T, ev Event) Reply {
	t.Helper()

	if ev.RequestID == "" {
		ev.RequestID = uuid.NewString()
	}
	f.deliver(t, ev)

	return f.awaitReply(t, ev.RequestID, 5*time.Second)
}

// awaitReply skips events until the reply for requestID arrives.
func (f *fakeTransport) awaitReply(t *testing.T, requestID string, timeout time.Duration) Reply {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got := f.next(t, time.Until(deadline))
		if got.Kind != KindReply || got.RequestID != requestID {
			continue
		}

		var reply Reply
		if err := json.Unmarshal(got.Payload, &reply); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		return reply
	}
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.AllowUIDHint = true
	opts.AckTimeout = 100 * time.Millisecond
	opts.MaxDeliveryRetries = 2
	opts.RetryBackoff.Steps = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	opts.WriteWait = time.Second

	return opts
}

func newTestHub(t *testing.T, opts *Options) *Hub {
	t.Helper()

	h := New(context.Background(), opts)
	t.Cleanup(func() { _ = h.Close() })

	return h
}

// connect runs the handshake for uid on a fake transport and consumes the connection event.
func connect(t *testing.T, h *Hub, uid string) (*Session, *fakeTransport) {
	t.Helper()

	s, err := h.Handshake(context.Background(), Credential{UIDHint: uid})
	if err != nil {
		t.Fatalf("handshake %s: %v", uid, err)
	}
	ft := newFakeTransport()
	if err = h.Activate(s, ft); err != nil {
		t.Fatalf("activate %s: %v", uid, err)
	}
	if ev := ft.next(t, time.Second); ev.Kind != KindConnection {
		t.Fatalf("expected connection event, got %s", ev.Kind)
	}
	return s, ft
}

func join(t *testing.T, ft *fakeTransport, room string) Reply {
	t.Helper()

	return ft.request(t, Event{Kind: KindJoin, Room: room})
}

func messagePayload(t *testing.T, ev Event) MessagePayload {
	t.Helper()

	var msg MessagePayload
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func statusPayload(t *testing.T, ev Event) DeliveryStatus {
	t.Helper()

	var status DeliveryStatus
	if err := json.Unmarshal(ev.Payload, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	return status
}

type countingMetrics struct {
	noopMetrics
	mutex    sync.Mutex
	outcomes map[AckState]int
	rejected map[Reason]int
	opened   int
	closed   int
	joins    int
	leaves   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		outcomes: make(map[AckState]int),
		rejected: make(map[Reason]int),
	}
}

func (m *countingMetrics) DeliveryOutcome(state AckState, attempts int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.outcomes[state]++
}

func (m *countingMetrics) HandshakeRejected(reason Reason) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.rejected[reason]++
}

func (m *countingMetrics) ConnectionOpened(string, TransportType) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.opened++
}

func (m *countingMetrics) ConnectionClosed(string, time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.closed++
}

func (m *countingMetrics) RoomJoined(string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.joins++
}

func (m *countingMetrics) RoomLeft(string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.leaves++
}

type metricsSnapshot struct {
	outcomes map[AckState]int
	rejected map[Reason]int
	opened   int
	closed   int
	joins    int
	leaves   int
}

func (m *countingMetrics) snapshot() metricsSnapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	outcomes := make(map[AckState]int, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	rejected := make(map[Reason]int, len(m.rejected))
	for k, v := range m.rejected {
		rejected[k] = v
	}
	return metricsSnapshot{
		outcomes: outcomes,
		rejected: rejected,
		opened:   m.opened,
		closed:   m.closed,
		joins:    m.joins,
		leaves:   m.leaves,
	}
}

// eventually polls cond until it holds or timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

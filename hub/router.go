// This file contains the message router. A send snapshots the room, creates one pending
// entry per recipient and tracks each entry on its own goroutine until it is acknowledged,
// exhausts its retries or its recipient goes away. Outcomes reach the sender as
// delivery:status events and the event bus on the room's delivery topic.
package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// AckState is the state of one recipient entry of a delivery.
type AckState string

const (
	AckPending       AckState = "pending"
	AckAcked         AckState = "acked"
	AckTimedOut      AckState = "timed-out"
	AckUndeliverable AckState = "undeliverable"
)

// Terminal reports whether no further transition is possible.
func (s AckState) Terminal() bool {
	return s != AckPending
}

// DeliveryStatus is the payload of a delivery:status event and of the records published
// on the delivery topic. One is emitted per recipient entry when it settles. Recipient is
// an opaque key unique to the entry; connection ids never leave the hub.
type DeliveryStatus struct {
	DeliveryID string   `json:"deliveryId"`
	Room       string   `json:"room"`
	Recipient  string   `json:"recipient"`
	Identity   string   `json:"identity"`
	State      AckState `json:"state"`
	Attempts   int      `json:"attempts"`
	Reason     Reason   `json:"reason,omitempty"`
}

// RecipientOutcome is a point-in-time view of one recipient entry.
type RecipientOutcome struct {
	ConnID   string
	Identity string
	State    AckState
	Attempts int
}

type recipientEntry struct {
	key      string
	connID   string
	identity Identity
	state    AckState
	attempts int
	acked    chan struct{}
	ackOnce  sync.Once
}

// Delivery is one accepted message and its per-recipient acknowledgement state.
type Delivery struct {
	ID             string
	Room           string
	Sender         string
	SenderIdentity Identity
	Payload        json.RawMessage
	CreatedAt      time.Time

	mutex        sync.Mutex
	recipients   map[string]*recipientEntry
	remaining    int
	done         chan struct{}
	firstAck     chan struct{}
	firstAckOnce sync.Once
}

// Recipients returns the connection ids the delivery was addressed to, sorted.
func (d *Delivery) Recipients() []string {
	ids := make([]string, 0, len(d.recipients))

	for id := range d.recipients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Done is closed once every recipient entry is terminal.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Outcome returns the current state of every recipient entry, sorted by connection id.
func (d *Delivery) Outcome() []RecipientOutcome {
	d.mutex.Lock()

	defer d.mutex.Unlock()

	out := make([]RecipientOutcome, 0, len(d.recipients))

	for _, e := range d.recipients {
		out = append(out, RecipientOutcome{
			ConnID:   e.connID,
			Identity: e.identity.Subject,
			State:    e.state,
			Attempts: e.attempts,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnID < out[j].ConnID
	})

	return out
}

// WaitFirstAck blocks until some recipient acknowledges, every entry settles without an
// acknowledgement, or ctx ends. Only the first case returns nil.
func (d *Delivery) WaitFirstAck(ctx context.Context) error {
	select {
	case <-d.firstAck:
		return nil
	default:
	}

	select {
	case <-d.firstAck:
		return nil
	case <-d.done:
		select {
		case <-d.firstAck:
			return nil
		default:
		}
		return deliveryTimeout(d.Room, "no recipient acknowledged delivery "+d.ID)
	case <-ctx.Done():
		return deliveryTimeout(d.Room, "gave up waiting for an acknowledgement").withCause(ctx.Err())
	}
}

func (d *Delivery) entry(connID string) *recipientEntry {
	return d.recipients[connID]
}

// recipientTarget is what the router needs from a live recipient.
type recipientTarget interface {
	Enqueue(ev Event) error
	Done() <-chan struct{}
}

type Router struct {
	registry   *Registry
	lookup     func(connID string) (recipientTarget, bool)
	deliveries *store[*Delivery]
	options    *Options
	publisher  *publisher
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mutex      sync.RWMutex
	closed     bool
}

func newRouter(ctx context.Context, registry *Registry, lookup func(string) (recipientTarget, bool), pub *publisher, options *Options) *Router {
	routerCtx, cancel := context.WithCancel(ctx)

	return &Router{
		registry:   registry,
		lookup:     lookup,
		deliveries: newStore[*Delivery](),
		options:    options,
		publisher:  pub,
		logger:     options.Logger.With().Str("component", "router").Logger(),
		ctx:        routerCtx,
		cancel:     cancel,
	}
}

// Send accepts payload from senderID for room and starts tracking its recipients.
func (r *Router) Send(senderID, room string, payload json.RawMessage) (*Delivery, error) {
	d, err := r.prepare(senderID, room, payload)
	if err != nil {
		return nil, err
	}
	r.dispatch(d)

	return d, nil
}

// prepare validates the sender and registers the delivery without emitting anything, so
// callers can acknowledge acceptance before recipients see the message.
func (r *Router) prepare(senderID, room string, payload json.RawMessage) (*Delivery, error) {
	if err := r.registry.ValidateRoom(room); err != nil {
		return nil, err
	}
	if r.ctx.Err() != nil {
		return nil, transportError("hub is shutting down")
	}

	members, ok := r.registry.snapshot(room, senderID)
	if !ok {
		return nil, notAMember(room, "sender has not joined the room")
	}

	d := &Delivery{
		ID:             ulid.Make().String(),
		Room:           room,
		Sender:         senderID,
		SenderIdentity: members[senderID],
		Payload:        payload,
		CreatedAt:      time.Now(),
		recipients:     make(map[string]*recipientEntry, len(members)),
		done:           make(chan struct{}),
		firstAck:       make(chan struct{}),
	}
	for connID, identity := range members {
		if connID == senderID {
			continue
		}
		d.recipients[connID] = &recipientEntry{
			key:      uuid.NewString(),
			connID:   connID,
			identity: identity,
			state:    AckPending,
			acked:    make(chan struct{}),
		}
	}
	d.remaining = len(d.recipients)

	if err := r.deliveries.Create(d.ID, d); err != nil {
		return nil, wrapF(err, "failed to register delivery %s", d.ID)
	}
	r.options.Metrics.MessageSent(room, len(d.recipients))

	return d, nil
}

func (r *Router) dispatch(d *Delivery) {
	if len(d.recipients) == 0 {
		r.finish(d)

		return
	}
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	for _, e := range d.recipients {
		if r.closed {
			r.settle(d, e, AckUndeliverable)

			continue
		}
		r.wg.Add(1)

		go r.track(d, e)
	}
}

func (r *Router) maxAttempts() int {
	return r.options.MaxDeliveryRetries + 1
}

// window is how long attempt waits for an acknowledgement before the next attempt.
func (r *Router) window(attempt int) time.Duration {
	return r.options.AckTimeout + r.options.RetryBackoff.Delay(attempt)
}

func (r *Router) track(d *Delivery, e *recipientEntry) {
	defer r.wg.Done()

	target, ok := r.lookup(e.connID)
	if !ok {
		r.settle(d, e, AckUndeliverable)

		return
	}

	for attempt := 1; attempt <= r.maxAttempts(); attempt++ {
		d.mutex.Lock()
		e.attempts = attempt
		d.mutex.Unlock()

		ev, err := newEvent(KindMessage, d.Room, "", MessagePayload{
			DeliveryID: d.ID,
			Room:       d.Room,
			Sender:     d.SenderIdentity.Subject,
			Attempt:    attempt,
			Payload:    d.Payload,
		})
		if err != nil {
			r.options.Metrics.Error("router", err)
			r.settle(d, e, AckUndeliverable)

			return
		}
		if err = target.Enqueue(ev); err != nil {
			r.logger.Debug().Err(err).Str("delivery", d.ID).Str("recipient", e.connID).Msg("recipient unreachable")
			r.settle(d, e, AckUndeliverable)

			return
		}

		timer := time.NewTimer(r.window(attempt))

		select {
		case <-e.acked:
			timer.Stop()
			r.settle(d, e, AckAcked)

			return
		case <-target.Done():
			timer.Stop()
			r.settle(d, e, AckUndeliverable)

			return
		case <-r.ctx.Done():
			timer.Stop()
			r.settle(d, e, AckUndeliverable)

			return
		case <-timer.C:
		}
	}

	select {
	case <-e.acked:
		r.settle(d, e, AckAcked)
	default:
		r.settle(d, e, AckTimedOut)
	}
}

// Ack records an acknowledgement from connID. Repeated acknowledgements are no-ops.
func (r *Router) Ack(connID, deliveryID string) error {
	d, err := r.deliveries.Read(deliveryID)
	if err != nil {
		return notFound(deliveryID, "delivery is unknown or already settled")
	}
	e := d.entry(connID)
	if e == nil {
		return notAMember(d.Room, "connection is not a recipient of this delivery")
	}
	e.ackOnce.Do(func() {
		close(e.acked)
	})
	return nil
}

// settle moves e to a terminal state once; later calls are ignored.
func (r *Router) settle(d *Delivery, e *recipientEntry, state AckState) {
	d.mutex.Lock()
	if e.state.Terminal() {
		d.mutex.Unlock()

		return
	}
	e.state = state
	d.remaining--
	attempts := e.attempts
	last := d.remaining == 0
	d.mutex.Unlock()

	if state == AckAcked {
		d.firstAckOnce.Do(func() {
			close(d.firstAck)
		})
	}

	status := DeliveryStatus{
		DeliveryID: d.ID,
		Room:       d.Room,
		Recipient:  e.key,
		Identity:   e.identity.Subject,
		State:      state,
		Attempts:   attempts,
	}
	switch state {
	case AckTimedOut:
		status.Reason = ReasonDeliveryTimeout
	case AckUndeliverable:
		status.Reason = ReasonTransport
	}

	r.options.Metrics.DeliveryOutcome(state, attempts)
	r.notifySender(d, status)
	r.publisher.publish(DeliveryTopic(d.Room), status)

	if last {
		r.finish(d)
	}
}

func (r *Router) notifySender(d *Delivery, status DeliveryStatus) {
	sender, ok := r.lookup(d.Sender)
	if !ok {
		return
	}
	ev, err := newEvent(KindDeliveryStatus, d.Room, "", status)
	if err != nil {
		r.options.Metrics.Error("router", err)
		return
	}
	if err = sender.Enqueue(ev); err != nil {
		r.logger.Debug().Err(err).Str("delivery", d.ID).Msg("sender gone before status")
	}
}

func (r *Router) finish(d *Delivery) {
	_ = r.deliveries.Delete(d.ID)
	close(d.done)

	r.logger.Debug().Str("delivery", d.ID).Str("room", d.Room).Int("recipients", len(d.recipients)).Msg("delivery settled")
}

// Pending returns the number of deliveries that still have a pending entry.
func (r *Router) Pending() int {
	return r.deliveries.Len()
}

// close settles every pending entry as undeliverable and waits for the trackers.
func (r *Router) close() {
	r.mutex.Lock()
	r.closed = true
	r.mutex.Unlock()

	r.cancel()
	r.wg.Wait()
}

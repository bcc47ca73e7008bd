// This file contains the Hub which ties identity resolution, room membership, presence and
// message routing together and runs one ordered event loop per session.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Hub struct {
	options   *Options
	resolver  *Resolver
	registry  *Registry
	presence  *PresenceTracker
	router    *Router
	sessions  *store[*Session]
	publisher *publisher
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Stats is a point-in-time summary of the hub.
type Stats struct {
	Sessions          int `json:"sessions"`
	Rooms             int `json:"rooms"`
	PendingDeliveries int `json:"pendingDeliveries"`
}

// New creates a hub. A nil options uses DefaultOptions. The hub stops when ctx is
// cancelled or Close is called.
func New(ctx context.Context, options *Options) *Hub {
	if options == nil {
		options = DefaultOptions()
	}
	options.sanitize()

	hubCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		options:  options,
		resolver: NewResolver(options.Verifier, options.AllowAnonymous, options.AllowUIDHint, options.TokenCacheSize, options.TokenCacheTTL),
		registry: NewRegistry(options.MaxRoomSize, options.MaxRoomNameLength),
		sessions: newStore[*Session](),
		logger:   options.Logger.With().Str("component", "hub").Logger(),
		ctx:      hubCtx,
		cancel:   cancel,
	}
	if options.PubSub != nil {
		h.publisher = newPublisher(options.PubSub, options.SendChannelBuffer*4, options.Metrics, options.Logger)
	}
	h.presence = newPresenceTracker(h, options.PresenceEchoSelf)
	h.registry.observer = h.presence
	h.router = newRouter(hubCtx, h.registry, h.lookup, h.publisher, options)

	return h
}

func (h *Hub) lookup(connID string) (recipientTarget, bool) {
	s, err := h.sessions.Read(connID)
	if err != nil {
		return nil, false
	}
	return s, true
}

// Handshake resolves cred into an identity. On success the returned session is
// Authenticated and must be passed to Activate; on failure nothing is registered and the
// error is an UNAUTHENTICATED *Error.
func (h *Hub) Handshake(ctx context.Context, cred Credential) (*Session, error) {
	if h.ctx.Err() != nil {
		return nil, transportError("hub is shutting down")
	}
	s := newSession()

	ctx, cancel := context.WithTimeout(ctx, h.options.HandshakeTimeout)

	defer cancel()

	identity, err := h.resolver.Resolve(ctx, cred)
	if err != nil {
		s.markClosed()

		reason := ReasonOf(err)
		h.options.Metrics.HandshakeRejected(reason)
		h.logger.Info().Err(err).Str("reason", string(reason)).Msg("handshake rejected")

		return nil, err
	}
	s.Identity = identity
	s.advance(StateConnecting, StateAuthenticated)

	return s, nil
}

// ForgetToken evicts token from the verification cache. Call it after revoking a token when
// TokenCacheTTL is set so later handshakes are checked against the verifier again.
func (h *Hub) ForgetToken(token string) {
	h.resolver.Forget(token)
}

// Activate binds an authenticated session to its transport, registers it, sends the
// connection event and starts its event loop.
func (h *Hub) Activate(s *Session, t Transport) error {
	if s.State() != StateAuthenticated {
		return badRequest("", "session is not authenticated")
	}
	s.ID = t.ID()
	s.transport = t

	if err := h.sessions.Create(s.ID, s); err != nil {
		return wrapF(err, "failed to register session %s", s.ID)
	}
	if err := h.registry.Attach(s.ID, s.Identity); err != nil {
		_ = h.sessions.Delete(s.ID)

		return wrapF(err, "failed to attach session %s", s.ID)
	}
	s.advance(StateAuthenticated, StateActive)

	ev, err := newEvent(KindConnection, "", "", ConnectionInfo{
		ConnectionID: s.ID,
		Identity:     s.Identity.Subject,
		Trust:        s.Identity.Trust,
		Transport:    t.Type(),
	})
	if err == nil {
		err = s.Enqueue(ev)
	}
	if err != nil {
		h.closeSession(s, "connection event failed")

		return err
	}

	h.options.Metrics.ConnectionOpened(s.ID, t.Type())
	h.logger.Info().Str("conn", s.ID).Str("identity", s.Identity.Subject).Str("trust", string(s.Identity.Trust)).Str("transport", string(t.Type())).Msg("session active")

	h.wg.Add(1)

	go h.serve(s)

	return nil
}

func (h *Hub) serve(s *Session) {
	defer h.wg.Done()

	t := s.transport

	for {
		select {
		case data := <-t.Receive():
			s.touch()
			h.handleFrame(s, data)
		case <-t.Done():
			h.closeSession(s, "transport closed")

			return
		case <-s.Done():
			return
		case <-h.ctx.Done():
			h.closeSession(s, "hub shutting down")

			return
		}
	}
}

func (h *Hub) handleFrame(s *Session, data []byte) {

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		h.sendError(s, "", badRequest("", "malformed event"))
		return
	}
	if !ev.Validate() {
		h.sendError(s, ev.RequestID, badRequest(ev.Room, "event and requestId are required"))
		return
	}

	switch ev.Kind {
	case KindJoin:
		h.handleJoin(s, ev)
	case KindLeave:
		h.handleLeave(s, ev)
	case KindMessage:
		h.handleMessage(s, ev)
	case KindAck:
		h.handleAck(s, ev)
	case KindPing:
		h.reply(s, KindPong, ev, nil)
	default:
		h.sendError(s, ev.RequestID, badRequest(ev.Room, "unsupported event "+string(ev.Kind)))
	}
}

func (h *Hub) handleJoin(s *Session, ev Event) {
	res, err := h.Join(s.ID, ev.Room)
	if err != nil {
		h.reply(s, KindReply, ev, failedReply(err))
		return
	}
	h.reply(s, KindReply, ev, Reply{
		OK:            true,
		AlreadyMember: boolPtr(res.AlreadyMember),
		Members:       res.Identities,
	})
}

func (h *Hub) handleLeave(s *Session, ev Event) {
	res, err := h.Leave(s.ID, ev.Room)
	if err != nil {
		h.reply(s, KindReply, ev, failedReply(err))
		return
	}
	h.reply(s, KindReply, ev, Reply{OK: true, WasMember: boolPtr(res.WasMember)})
}

func (h *Hub) handleMessage(s *Session, ev Event) {
	d, err := h.router.prepare(s.ID, ev.Room, ev.Payload)
	if err != nil {
		h.reply(s, KindReply, ev, failedReply(err))
		return
	}
	if !ev.Sync {
		h.reply(s, KindReply, ev, Reply{OK: true, DeliveryID: d.ID, Accepted: boolPtr(true)})
		h.router.dispatch(d)

		return
	}
	h.router.dispatch(d)

	// The inbound loop keeps reading while the sender waits, so acks and further sends
	// on the same connection are not held up behind the confirmation.
	h.wg.Add(1)

	go h.confirm(s, ev, d)
}

func (h *Hub) confirm(s *Session, ev Event, d *Delivery) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(h.ctx, h.router.window(1))

	defer cancel()

	if err := d.WaitFirstAck(ctx); err != nil {
		reply := failedReply(err)
		reply.DeliveryID = d.ID
		reply.Accepted = boolPtr(true)
		reply.Confirmed = boolPtr(false)
		h.reply(s, KindReply, ev, reply)

		return
	}
	h.reply(s, KindReply, ev, Reply{OK: true, DeliveryID: d.ID, Accepted: boolPtr(true), Confirmed: boolPtr(true)})
}

func (h *Hub) handleAck(s *Session, ev Event) {

	var ack AckPayload
	if err := json.Unmarshal(ev.Payload, &ack); err != nil || ack.DeliveryID == "" {
		h.reply(s, KindReply, ev, failedReply(badRequest(ev.Room, "ack requires a deliveryId")))
		return
	}
	if err := h.Ack(s.ID, ack.DeliveryID); err != nil {
		h.reply(s, KindReply, ev, failedReply(err))
		return
	}
	h.reply(s, KindReply, ev, Reply{OK: true, DeliveryID: ack.DeliveryID})
}

func (h *Hub) reply(s *Session, kind Kind, req Event, payload interface{}) {
	ev, err := newEvent(kind, req.Room, req.RequestID, payload)
	if err != nil {
		h.options.Metrics.Error("hub_reply", err)
		return
	}
	if err = s.Enqueue(ev); err != nil {
		h.logger.Debug().Err(err).Str("conn", s.ID).Str("event", string(kind)).Msg("reply dropped")
	}
}

func (h *Hub) sendError(s *Session, requestID string, err error) {
	e := errorPayload(err)

	ev, mErr := newEvent(KindError, e.Room, requestID, e)
	if mErr != nil {
		return
	}
	_ = s.Enqueue(ev)
}

// Join adds connID to room. Joining a room twice succeeds with AlreadyMember set.
func (h *Hub) Join(connID, room string) (JoinResult, error) {
	res, err := h.registry.Join(connID, room)
	if err != nil {
		h.logger.Debug().Err(err).Str("conn", connID).Str("room", room).Msg("join refused")
		return res, err
	}
	if !res.AlreadyMember {
		h.options.Metrics.RoomJoined(room)
		h.logger.Debug().Str("conn", connID).Str("room", room).Msg("joined room")
	}
	return res, nil
}

// Leave removes connID from room. Leaving a room the connection is not in succeeds with
// WasMember false.
func (h *Hub) Leave(connID, room string) (LeaveResult, error) {
	res, err := h.registry.Leave(connID, room)
	if err != nil {
		return res, err
	}
	if res.WasMember {
		h.options.Metrics.RoomLeft(room)
		h.logger.Debug().Str("conn", connID).Str("room", room).Msg("left room")
	}
	return res, nil
}

// Send routes payload from connID to every other member of room. The returned delivery
// reports per-recipient outcomes; the sender also receives them as delivery:status events.
func (h *Hub) Send(connID, room string, payload json.RawMessage) (*Delivery, error) {
	return h.router.Send(connID, room, payload)
}

// Ack records that connID received deliveryID.
func (h *Hub) Ack(connID, deliveryID string) error {
	return h.router.Ack(connID, deliveryID)
}

func (h *Hub) broadcastPresence(ev PresenceEvent, recipients []string) {
	kind := KindPresenceJoined
	if ev.Kind == PresenceLeft {
		kind = KindPresenceLeft
	}

	out, err := newEvent(kind, ev.Room, "", ev)
	if err != nil {
		h.options.Metrics.Error("presence", err)
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		h.options.Metrics.Error("presence", err)
		return
	}

	for _, s := range h.sessions.GetByKeys(recipients...) {
		if sendErr := s.send(data); sendErr != nil {
			h.logger.Debug().Err(sendErr).Str("conn", s.ID).Msg("presence not delivered")
		}
	}
	h.options.Metrics.PresenceBroadcast(ev.Kind, len(recipients))
	h.publisher.publish(PresenceTopic(ev.Room), ev)
}

// closeSession runs the Closing phase once: leave every room, cancel the session's pending
// receipts, release the transport and unregister.
func (h *Hub) closeSession(s *Session, reason string) {
	if !s.beginClosing() {
		return
	}
	rooms := h.registry.LeaveAll(s.ID)

	for _, room := range rooms {
		h.options.Metrics.RoomLeft(room)
	}
	if s.transport != nil {
		s.transport.Close()
	}
	_ = h.sessions.Delete(s.ID)

	h.options.Metrics.ConnectionClosed(s.ID, time.Since(s.createdAt))
	h.logger.Info().Str("conn", s.ID).Str("identity", s.Identity.Subject).Strs("rooms", rooms).Str("reason", reason).Msg("session closed")

	s.markClosed()
}

// Disconnect closes the session for connID, if any.
func (h *Hub) Disconnect(connID string) error {
	s, err := h.sessions.Read(connID)
	if err != nil {
		return err
	}
	h.closeSession(s, "disconnected by server")

	return nil
}

// Session returns the live session for connID.
func (h *Hub) Session(connID string) (*Session, error) {
	return h.sessions.Read(connID)
}

// Rooms returns the rooms connID has joined.
func (h *Hub) Rooms(connID string) []string {
	return h.registry.Rooms(connID)
}

// Members returns the connection ids in room.
func (h *Hub) Members(room string) []string {
	return h.registry.Members(room)
}

// Present returns the distinct identities present in room.
func (h *Hub) Present(room string) []string {
	members, _ := h.registry.snapshot(room, "")
	return identities(members)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Sessions:          h.sessions.Len(),
		Rooms:             h.registry.RoomCount(),
		PendingDeliveries: h.router.Pending(),
	}
}

// Close closes every session, settles outstanding deliveries, drains the event bus and
// closes it. It is idempotent.
func (h *Hub) Close() error {

	var err error
	h.closeOnce.Do(func() {
		h.cancel()

		for _, s := range h.sessions.Values() {
			h.closeSession(s, "hub shutting down")
		}
		h.router.close()

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(h.options.WriteWait):
			err = addError(err, internal("", "timed out waiting for session loops"))
		}

		h.publisher.close()

		if h.options.PubSub != nil {
			if closeErr := h.options.PubSub.Close(); closeErr != nil && !isPubSubClosed(closeErr) {
				err = addError(err, wrap(closeErr, "failed to close event bus"))
			}
		}
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("hub closed with errors")
	}
	return err
}

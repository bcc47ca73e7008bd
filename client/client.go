// Package client is the hub's client-side counterpart. It connects over the most broadly
// compatible transport first, upgrades when it can, reconnects with increasing backoff
// after unplanned drops, re-joins every room it held, and reports a single terminal
// ErrReconnectFailed once its attempts are used up.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
)

type Client struct {
	config     *Config
	dialer     *dialer
	controller *Controller
	logger     zerolog.Logger

	mu       sync.RWMutex
	link     link
	info     hub.ConnectionInfo
	rooms    map[string]struct{}
	pending  map[string]chan hub.Event
	terminal error

	events  chan hub.Event
	states  chan State
	ready   chan struct{}
	started sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a client for the hub at endpoint (http, https, ws or wss base URL).
func New(endpoint string, credential Credential, config *Config) (*Client, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch base.Scheme {
	case "http", "https":
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", base.Scheme)
	}

	if config == nil {
		config = DefaultConfig()
	} else {
		cfgCopy := *config
		config = &cfgCopy
	}
	config.sanitize()

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:     config,
		dialer:     newDialer(base, credential, config),
		controller: NewController(config.MaxReconnectAttempts, config.Backoff),
		logger:     config.Logger.With().Str("component", "client").Logger(),
		rooms:      make(map[string]struct{}),
		pending:    make(map[string]chan hub.Event),
		events:     make(chan hub.Event, config.EventsBuffer),
		states:     make(chan State, 16),
		ready:      make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// Events yields every hub event that is not a reply to a request: presence changes,
// chat messages and delivery statuses. It is never closed; select on Done as well.
func (c *Client) Events() <-chan hub.Event {
	return c.events
}

// States yields controller transitions. Slow readers miss intermediate states.
func (c *Client) States() <-chan State {
	return c.states
}

func (c *Client) State() State {
	return c.controller.State()
}

// Done is closed when the client stops, either through Close or after failing.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error once the client has failed.
func (c *Client) Err() error {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.terminal
}

// Info describes the current connection.
func (c *Client) Info() hub.ConnectionInfo {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.info
}

// Rooms returns the rooms the client holds and re-joins after reconnecting.
func (c *Client) Rooms() []string {
	c.mu.RLock()

	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))

	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	return rooms
}

// Connect starts the connection loop and waits for the first successful connection.
func (c *Client) Connect(ctx context.Context) error {
	started := false
	c.started.Do(func() {
		started = true
	})
	if !started {
		return errors.New("client already started")
	}
	if _, err := c.controller.Start(); err != nil {
		return err
	}
	go c.run()

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the client and closes its connection. It is idempotent.
func (c *Client) Close() error {
	c.cancel()

	notStarted := false
	c.started.Do(func() {
		notStarted = true
	})
	if notStarted {
		c.finish(nil)
	}
	<-c.done

	return nil
}

func (c *Client) emitState(s State) {
	c.logger.Debug().Str("state", s.String()).Msg("reconnect state")

	select {
	case c.states <- s:
	default:
	}
}

func (c *Client) run() {
	for {
		state := c.controller.State()
		c.emitState(state)

		switch state.Phase {
		case PhaseConnecting:
			l, err := c.connect(state.Attempt)
			if err != nil {
				if c.ctx.Err() != nil {
					c.finish(nil)
					return
				}
				c.logger.Warn().Err(err).Int("attempt", state.Attempt).Msg("connection attempt failed")
				_, _ = c.controller.ConnectFailed(err)

				continue
			}
			_, _ = c.controller.Connected(l.transport())
			c.emitState(c.controller.State())

			select {
			case c.ready <- struct{}{}:
			default:
			}
			err = c.hold()
			if c.ctx.Err() != nil {
				c.finish(nil)
				return
			}
			c.logger.Warn().Err(err).Msg("connection lost, reconnecting")
			_, _ = c.controller.Disconnected(err)

		case PhaseBackoff:
			timer := time.NewTimer(time.Until(state.Next))

			select {
			case <-timer.C:
				_, _ = c.controller.Retry()
			case <-c.ctx.Done():
				timer.Stop()
				c.finish(nil)

				return
			}

		case PhaseFailed:
			c.logger.Error().Err(state.Err).Msg("giving up")
			c.finish(state.Err)

			return

		default:
			c.finish(nil)

			return
		}
	}
}

// connect walks the transport preference list and returns the first link that completes
// the handshake, with rooms re-joined. The upgrade to a more capable transport runs in
// the background.
func (c *Client) connect(attempt int) (link, error) {
	var lastErr error
	for i, transport := range c.config.Transports {
		l, info, err := c.open(transport)
		if err != nil {
			lastErr = err
			if errors.Is(err, hub.ErrUnauthenticated) {
				return nil, err
			}
			continue
		}
		c.install(l, info)

		if err = c.rejoin(l); err != nil {
			c.logger.Warn().Err(err).Msg("failed to re-join rooms")
		}
		if i < len(c.config.Transports)-1 {
			go c.upgrade(l, c.config.Transports[i+1:])
		}
		c.logger.Info().Str("transport", string(transport)).Str("conn", info.ConnectionID).Int("attempt", attempt).Msg("connected")

		return l, nil
	}
	return nil, lastErr
}

// open dials one transport and waits for the hub's connection event.
func (c *Client) open(transport hub.TransportType) (link, hub.ConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.HandshakeTimeout)

	defer cancel()

	l, err := c.dialer.dial(ctx, transport)
	if err != nil {
		return nil, hub.ConnectionInfo{}, err
	}

	for {
		select {
		case data := <-l.frames():

			var ev hub.Event
			if err = json.Unmarshal(data, &ev); err != nil || ev.Kind != hub.KindConnection {
				continue
			}

			var info hub.ConnectionInfo
			if err = json.Unmarshal(ev.Payload, &info); err != nil {
				l.close()

				return nil, info, fmt.Errorf("malformed connection event: %w", err)
			}
			return l, info, nil
		case <-l.done():
			return nil, hub.ConnectionInfo{}, fmt.Errorf("%s closed during handshake", transport)
		case <-ctx.Done():
			l.close()

			return nil, hub.ConnectionInfo{}, fmt.Errorf("%s handshake: %w", transport, ctx.Err())
		}
	}
}

// install makes l the active link and starts reading from it.
func (c *Client) install(l link, info hub.ConnectionInfo) {
	c.mu.Lock()
	c.link = l
	c.info = info
	c.mu.Unlock()

	go c.read(l)
}

func (c *Client) current() link {
	c.mu.RLock()

	defer c.mu.RUnlock()

	return c.link
}

// hold blocks until the active link drops. A link replaced by an upgrade does not count.
func (c *Client) hold() error {
	for {
		l := c.current()
		if l == nil {
			return ErrNotConnected
		}
		select {
		case <-l.done():
			if c.current() != l {
				continue
			}
			c.mu.Lock()
			c.link = nil
			c.mu.Unlock()

			return fmt.Errorf("%s transport closed", l.transport())
		case <-c.ctx.Done():
			l.close()

			return c.ctx.Err()
		}
	}
}

func (c *Client) upgrade(from link, candidates []hub.TransportType) {
	for i := len(candidates) - 1; i >= 0; i-- {
		transport := candidates[i]

		l, info, err := c.open(transport)
		if err != nil {
			c.logger.Debug().Err(err).Str("transport", string(transport)).Msg("upgrade failed")
			continue
		}
		go c.read(l)

		if err = c.rejoin(l); err != nil {
			c.logger.Debug().Err(err).Msg("upgrade rejoin failed")
			l.close()

			continue
		}

		c.mu.Lock()
		if c.link != from {
			c.mu.Unlock()
			l.close()

			return
		}
		c.link = l
		c.info = info
		c.mu.Unlock()

		_, _ = c.controller.Upgraded(transport)
		c.emitState(c.controller.State())
		from.close()

		c.logger.Info().Str("transport", string(transport)).Str("conn", info.ConnectionID).Msg("upgraded transport")

		return
	}
}

func (c *Client) rejoin(l link) error {
	var errs []error
	for _, room := range c.Rooms() {
		reply, err := c.requestOn(c.ctx, l, hub.Event{Kind: hub.KindJoin, Room: room})
		if err == nil {
			err = replyError(room, reply)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rejoin %s: %w", room, err))
		}
	}
	return errors.Join(errs...)
}

// read dispatches frames from l until it closes.
func (c *Client) read(l link) {
	for {
		select {
		case data := <-l.frames():
			c.dispatch(l, data)
		case <-l.done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(l link, data []byte) {

	var ev hub.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch ev.Kind {
	case hub.KindReply, hub.KindPong, hub.KindError:
		c.mu.Lock()
		waiter, ok := c.pending[ev.RequestID]
		delete(c.pending, ev.RequestID)
		c.mu.Unlock()

		if ok {
			waiter <- ev
			return
		}
		if ev.Kind == hub.KindError {
			c.publish(ev)
		}
	case hub.KindMessage:
		if c.config.AutoAck {
			c.ack(l, ev)
		}
		c.publish(ev)
	case hub.KindConnection:
	default:
		c.publish(ev)
	}
}

func (c *Client) ack(l link, ev hub.Event) {

	var msg hub.MessagePayload
	if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.DeliveryID == "" {
		return
	}
	payload, _ := json.Marshal(hub.AckPayload{DeliveryID: msg.DeliveryID})

	ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)

	defer cancel()

	err := l.send(ctx, hub.Event{
		Kind:      hub.KindAck,
		Room:      ev.Room,
		RequestID: uuid.NewString(),
		Payload:   payload,
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("delivery", msg.DeliveryID).Msg("ack not sent")
	}
}

func (c *Client) publish(ev hub.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	default:
		c.logger.Warn().Str("event", string(ev.Kind)).Msg("events buffer full, dropping event")
	}
}

func (c *Client) requestOn(ctx context.Context, l link, ev hub.Event) (hub.Reply, error) {
	ev.RequestID = uuid.NewString()
	waiter := make(chan hub.Event, 1)

	c.mu.Lock()
	c.pending[ev.RequestID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.RequestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)

	defer cancel()

	if err := l.send(ctx, ev); err != nil {
		return hub.Reply{}, err
	}

	select {
	case resp := <-waiter:

		var reply hub.Reply
		switch resp.Kind {
		case hub.KindPong:
			reply.OK = true
		case hub.KindError:
			var e hub.Error
			if err := json.Unmarshal(resp.Payload, &e); err != nil {
				return reply, err
			}
			return reply, &e
		default:
			if err := json.Unmarshal(resp.Payload, &reply); err != nil {
				return reply, fmt.Errorf("malformed reply: %w", err)
			}
		}
		return reply, nil
	case <-l.done():
		return hub.Reply{}, ErrNotConnected
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return hub.Reply{}, ErrRequestTimeout
		}
		return hub.Reply{}, ctx.Err()
	}
}

func (c *Client) request(ctx context.Context, ev hub.Event) (hub.Reply, error) {
	select {
	case <-c.done:
		return hub.Reply{}, ErrClosed
	default:
	}
	l := c.current()
	if l == nil {
		return hub.Reply{}, ErrNotConnected
	}
	return c.requestOn(ctx, l, ev)
}

// Join joins room and remembers it for re-joining after reconnects. It returns the
// identities present in the room.
func (c *Client) Join(ctx context.Context, room string) ([]string, error) {
	reply, err := c.request(ctx, hub.Event{Kind: hub.KindJoin, Room: room})
	if err != nil {
		return nil, err
	}
	if err = replyError(room, reply); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	return reply.Members, nil
}

// Leave leaves room and stops re-joining it. It reports whether the client was a member.
func (c *Client) Leave(ctx context.Context, room string) (bool, error) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	reply, err := c.request(ctx, hub.Event{Kind: hub.KindLeave, Room: room})
	if err != nil {
		return false, err
	}
	if err = replyError(room, reply); err != nil {
		return false, err
	}
	return reply.WasMember != nil && *reply.WasMember, nil
}

// Send sends payload to room and returns the delivery id. With sync set it also waits,
// bounded by the hub's ack window, for the first recipient to acknowledge; a reply with
// Confirmed false then comes back together with a DELIVERY_TIMEOUT error.
func (c *Client) Send(ctx context.Context, room string, payload interface{}, sync bool) (hub.Reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return hub.Reply{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	reply, err := c.request(ctx, hub.Event{Kind: hub.KindMessage, Room: room, Payload: data, Sync: sync})
	if err != nil {
		return reply, err
	}
	return reply, replyError(room, reply)
}

// Ping round-trips a ping through the hub.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, hub.Event{Kind: hub.KindPing})
	return err
}

// Ack acknowledges a delivery by hand when AutoAck is off.
func (c *Client) Ack(ctx context.Context, room, deliveryID string) error {
	payload, _ := json.Marshal(hub.AckPayload{DeliveryID: deliveryID})

	reply, err := c.request(ctx, hub.Event{Kind: hub.KindAck, Room: room, Payload: payload})
	if err != nil {
		return err
	}
	return replyError(room, reply)
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.terminal = err
	l := c.link
	c.link = nil
	close(c.done)
	c.mu.Unlock()

	if l != nil {
		l.close()
	}
	if err == nil {
		c.controller.Stop()
	}
	c.cancel()
}

// This file contains type definitions for the hub including the wire event, event kinds,
// configuration options and the constants used throughout the package.
package hub

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/internal/backoff"
)

// Event is the single frame type exchanged with clients in both directions.
// Kind selects the variant; Room is set for room-scoped events; RequestID correlates a
// request with its reply; Payload is opaque to the hub except for control events.
type Event struct {
	Kind      Kind            `json:"event"`
	Room      string          `json:"room,omitempty"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sync      bool            `json:"sync,omitempty"`
}

// Kind is the tag of an Event.
type Kind string

const (
	KindJoin           Kind = "room:join"
	KindLeave          Kind = "room:leave"
	KindMessage        Kind = "chat:message"
	KindAck            Kind = "chat:ack"
	KindPing           Kind = "ping"
	KindConnection     Kind = "connection"
	KindReply          Kind = "reply"
	KindPresenceJoined Kind = "presence:joined"
	KindPresenceLeft   Kind = "presence:left"
	KindDeliveryStatus Kind = "delivery:status"
	KindPong           Kind = "pong"
	KindError          Kind = "error"
)

// Validate checks the fields every inbound event must carry.
func (e *Event) Validate() bool {
	return e.Kind != "" && e.RequestID != ""
}

// newEvent builds an outbound event, marshalling payload into the raw payload field.
func newEvent(kind Kind, room, requestID string, payload interface{}) (Event, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ev := Event{
		Kind:      kind,
		Room:      room,
		RequestID: requestID,
	}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ev, wrapF(err, "failed to marshal %s payload", kind)
	}
	ev.Payload = data
	return ev, nil
}

// Reply is the payload of a reply event, the acknowledgement of a client request.
type Reply struct {
	OK            bool     `json:"ok"`
	AlreadyMember *bool    `json:"alreadyMember,omitempty"`
	WasMember     *bool    `json:"wasMember,omitempty"`
	Members       []string `json:"members,omitempty"`
	DeliveryID    string   `json:"deliveryId,omitempty"`
	Accepted      *bool    `json:"accepted,omitempty"`
	Confirmed     *bool    `json:"confirmed,omitempty"`
	Reason        Reason   `json:"reason,omitempty"`
	Message       string   `json:"message,omitempty"`
}

func failedReply(err error) Reply {
	e := errorPayload(err)
	return Reply{OK: false, Reason: e.Reason, Message: e.Message}
}

func boolPtr(v bool) *bool {
	return &v
}

// ConnectionInfo is the payload of the connection event sent once a session is active.
type ConnectionInfo struct {
	ConnectionID string        `json:"connectionId"`
	Identity     string        `json:"identity"`
	Trust        Trust         `json:"trust"`
	Transport    TransportType `json:"transport"`
}

// MessagePayload is what recipients receive for a chat message.
type MessagePayload struct {
	DeliveryID string          `json:"deliveryId"`
	Room       string          `json:"room"`
	Sender     string          `json:"sender"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// AckPayload is the body of a chat:ack request.
type AckPayload struct {
	DeliveryID string `json:"deliveryId"`
}

// Options configures the hub, its transports and its collaborators.
type Options struct {
	AllowAnonymous      bool
	AllowUIDHint        bool
	MaxRoomSize         int
	MaxRoomNameLength   int
	AckTimeout          time.Duration
	MaxDeliveryRetries  int
	RetryBackoff        backoff.Schedule
	HandshakeTimeout    time.Duration
	PresenceEchoSelf    bool
	TokenCacheTTL       time.Duration
	TokenCacheSize      int
	CheckOrigin         bool
	AllowedOrigins      []string
	AllowedOriginRegexp []*regexp.Regexp
	ReadBufferSize      int
	WriteBufferSize     int
	MaxMessageSize      int64
	PingInterval        time.Duration
	PongWait            time.Duration
	WriteWait           time.Duration
	SendChannelBuffer   int
	ReceiveBuffer       int
	Verifier            TokenVerifier
	PubSub              PubSub
	Metrics             MetricsCollector
	Logger              zerolog.Logger
}

// DefaultOptions returns options suitable for a single-node deployment:
// anonymous access disabled, 5s ack window with 3 retries, 256-member rooms,
// 512KB frames and 30s/60s ping/pong.
func DefaultOptions() *Options {
	return &Options{
		AllowAnonymous:     false,
		AllowUIDHint:       false,
		MaxRoomSize:        256,
		MaxRoomNameLength:  128,
		AckTimeout:         5 * time.Second,
		MaxDeliveryRetries: 3,
		RetryBackoff:       backoff.Default(),
		HandshakeTimeout:   5 * time.Second,
		TokenCacheSize:     4096,
		ReadBufferSize:     1024,
		WriteBufferSize:    1024,
		MaxMessageSize:     512 * 1024,
		PingInterval:       30 * time.Second,
		PongWait:           60 * time.Second,
		WriteWait:          10 * time.Second,
		SendChannelBuffer:  256,
		ReceiveBuffer:      256,
		Logger:             zerolog.Nop(),
	}
}

func (o *Options) sanitize() {
	defaults := DefaultOptions()
	if o.MaxRoomNameLength <= 0 {
		o.MaxRoomNameLength = defaults.MaxRoomNameLength
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaults.AckTimeout
	}
	if o.MaxDeliveryRetries < 0 {
		o.MaxDeliveryRetries = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaults.MaxMessageSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaults.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaults.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaults.WriteWait
	}
	if o.SendChannelBuffer <= 0 {
		o.SendChannelBuffer = defaults.SendChannelBuffer
	}
	if o.ReceiveBuffer <= 0 {
		o.ReceiveBuffer = defaults.ReceiveBuffer
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics()
	}
}

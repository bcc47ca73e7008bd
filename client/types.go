package client

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/internal/backoff"
)

var (
	// ErrReconnectFailed is the terminal condition reported once every reconnection
	// attempt has been used up or the hub refused the credential.
	ErrReconnectFailed = errors.New("reconnect failed")
	ErrNotConnected    = errors.New("client is not connected")
	ErrClosed          = errors.New("client is closed")
	ErrRequestTimeout  = errors.New("timed out waiting for reply")
)

// Credential is what the client presents on every connection attempt.
type Credential struct {
	Token string
	UID   string
}

// Config controls reconnection and request behaviour.
type Config struct {
	// MaxReconnectAttempts bounds consecutive failed attempts before the client fails.
	MaxReconnectAttempts int
	Backoff              backoff.Schedule
	// Transports lists transports from most broadly compatible to most capable. The
	// client connects with the first that works, then tries to upgrade.
	Transports       []hub.TransportType
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	// AutoAck acknowledges every chat message as soon as it is read.
	AutoAck      bool
	EventsBuffer int
	Logger       zerolog.Logger
}

// DefaultConfig returns a config that tries SSE then WebSocket, up to 5 attempts per outage.
func DefaultConfig() *Config {
	return &Config{
		MaxReconnectAttempts: 5,
		Backoff:              backoff.Default(),
		Transports:           []hub.TransportType{hub.TransportSSE, hub.TransportWebSocket},
		HandshakeTimeout:     10 * time.Second,
		RequestTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		AutoAck:              true,
		EventsBuffer:         256,
		Logger:               zerolog.Nop(),
	}
}

func (c *Config) sanitize() {
	defaults := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if len(c.Backoff.Steps) == 0 {
		c.Backoff = defaults.Backoff
	}
	if len(c.Transports) == 0 {
		c.Transports = defaults.Transports
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.EventsBuffer <= 0 {
		c.EventsBuffer = defaults.EventsBuffer
	}
}

// replyError turns a failed reply into a *hub.Error so callers can match it with
// errors.Is against the hub sentinels.
func replyError(room string, reply hub.Reply) error {
	if reply.OK {
		return nil
	}
	return &hub.Error{
		Reason:  reply.Reason,
		Room:    room,
		Message: reply.Message,
	}
}

// Package config reads the process configuration from the environment once at start.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/client"
	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/internal/backoff"
)

// Config holds all configuration for the hub server and the CLI client.
type Config struct {
	Port     string
	Env      string
	LogLevel string
	RedisURL string
	AMQPURL  string
	Exchange string
	HubURL   string

	AllowedOrigins   []string
	AllowAnonymous   bool
	AllowUIDHint     bool
	MaxRoomSize      int
	MaxRoomName      int
	AckTimeout       time.Duration
	MaxRetries       int
	RetryBackoff     backoff.Schedule
	HandshakeTimeout time.Duration
	PresenceEcho     bool
	TokenCacheTTL    time.Duration

	ClientMaxReconnects int
	ClientBackoff       backoff.Schedule
	ClientTransports    []hub.TransportType
}

// Load reads configuration from environment variables, loading a .env file first if
// one is present. Invalid values fall back to their defaults.
func Load() *Config {
	_ = godotenv.Load()

	return FromEnv()
}

// FromEnv reads configuration from the current environment only.
func FromEnv() *Config {
	hubDefaults := hub.DefaultOptions()
	clientDefaults := client.DefaultConfig()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		RedisURL: os.Getenv("REDIS_URL"),
		AMQPURL:  os.Getenv("AMQP_URL"),
		Exchange: getEnv("AMQP_EXCHANGE", "roomhub"),
		HubURL:   getEnv("HUB_URL", "http://localhost:8080"),

		AllowAnonymous:   parseBool(os.Getenv("HUB_ALLOW_ANONYMOUS"), hubDefaults.AllowAnonymous),
		AllowUIDHint:     parseBool(os.Getenv("HUB_ALLOW_UID_HINT"), hubDefaults.AllowUIDHint),
		MaxRoomSize:      parseIntValue(os.Getenv("HUB_MAX_ROOM_SIZE"), hubDefaults.MaxRoomSize),
		MaxRoomName:      parseIntValue(os.Getenv("HUB_MAX_ROOM_NAME"), hubDefaults.MaxRoomNameLength),
		AckTimeout:       parseDuration(os.Getenv("HUB_ACK_TIMEOUT"), hubDefaults.AckTimeout),
		MaxRetries:       parseNonNegative(os.Getenv("HUB_MAX_RETRIES"), hubDefaults.MaxDeliveryRetries),
		RetryBackoff:     parseSchedule(os.Getenv("HUB_RETRY_BACKOFF"), hubDefaults.RetryBackoff),
		HandshakeTimeout: parseDuration(os.Getenv("HUB_HANDSHAKE_TIMEOUT"), hubDefaults.HandshakeTimeout),
		PresenceEcho:     parseBool(os.Getenv("HUB_PRESENCE_ECHO"), hubDefaults.PresenceEchoSelf),
		TokenCacheTTL:    parseDuration(os.Getenv("HUB_TOKEN_CACHE_TTL"), hubDefaults.TokenCacheTTL),

		ClientMaxReconnects: parseIntValue(os.Getenv("CLIENT_MAX_RECONNECTS"), clientDefaults.MaxReconnectAttempts),
		ClientBackoff:       parseSchedule(os.Getenv("CLIENT_BACKOFF"), clientDefaults.Backoff),
		ClientTransports:    parseTransports(os.Getenv("CLIENT_TRANSPORTS"), clientDefaults.Transports),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	return cfg
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Level returns the configured zerolog level, info when unrecognised.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// HubOptions projects the configuration onto hub options. Collaborators (verifier,
// event bus, metrics) are wired by the caller.
func (c *Config) HubOptions(logger zerolog.Logger) *hub.Options {
	opts := hub.DefaultOptions()
	opts.AllowAnonymous = c.AllowAnonymous
	opts.AllowUIDHint = c.AllowUIDHint
	opts.MaxRoomSize = c.MaxRoomSize
	opts.MaxRoomNameLength = c.MaxRoomName
	opts.AckTimeout = c.AckTimeout
	opts.MaxDeliveryRetries = c.MaxRetries
	opts.RetryBackoff = c.RetryBackoff
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.PresenceEchoSelf = c.PresenceEcho
	opts.TokenCacheTTL = c.TokenCacheTTL
	opts.Logger = logger

	if len(c.AllowedOrigins) > 0 {
		opts.CheckOrigin = true
		opts.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	}
	return opts
}

// ClientConfig projects the configuration onto the reconnecting client.
func (c *Config) ClientConfig(logger zerolog.Logger) *client.Config {
	cfg := client.DefaultConfig()
	cfg.MaxReconnectAttempts = c.ClientMaxReconnects
	cfg.Backoff = c.ClientBackoff
	cfg.Transports = append([]hub.TransportType(nil), c.ClientTransports...)
	cfg.Logger = logger

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseNonNegative(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, ok := backoff.ParseDuration(strings.TrimSpace(value)); ok {
		return d
	}
	return defaultValue
}

func parseSchedule(value string, defaultValue backoff.Schedule) backoff.Schedule {
	if s, ok := backoff.Parse(value); ok {
		return s
	}
	return defaultValue
}

// parseTransports reads an ordered transport list such as "sse,websocket". Unknown
// names are skipped; duplicates keep their first position.
func parseTransports(value string, defaultValue []hub.TransportType) []hub.TransportType {
	seen := make(map[hub.TransportType]struct{})

	var out []hub.TransportType
	for _, part := range parseList(strings.ToLower(value)) {
		var t hub.TransportType
		switch part {
		case "sse":
			t = hub.TransportSSE
		case "websocket", "ws":
			t = hub.TransportWebSocket
		default:
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return append([]hub.TransportType(nil), defaultValue...)
	}
	return out
}

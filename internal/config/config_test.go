package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "HUB_ALLOW_ANONYMOUS", "HUB_ACK_TIMEOUT", "HUB_MAX_RETRIES",
		"HUB_RETRY_BACKOFF", "CLIENT_TRANSPORTS", "ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development by default")
	}
	if cfg.AllowAnonymous {
		t.Error("expected anonymous access to be off by default")
	}
	if cfg.AckTimeout != 5*time.Second {
		t.Errorf("expected 5s ack timeout, got %v", cfg.AckTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if len(cfg.ClientTransports) != 2 || cfg.ClientTransports[0] != hub.TransportSSE {
		t.Errorf("expected [sse websocket], got %v", cfg.ClientTransports)
	}
	if cfg.AllowedOrigins != nil {
		t.Errorf("expected no origin restriction, got %v", cfg.AllowedOrigins)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("HUB_ALLOW_ANONYMOUS", "true")
	t.Setenv("HUB_ALLOW_UID_HINT", "1")
	t.Setenv("HUB_MAX_ROOM_SIZE", "10")
	t.Setenv("HUB_ACK_TIMEOUT", "750ms")
	t.Setenv("HUB_MAX_RETRIES", "0")
	t.Setenv("HUB_RETRY_BACKOFF", "100ms,200ms")
	t.Setenv("HUB_HANDSHAKE_TIMEOUT", "2")
	t.Setenv("CLIENT_MAX_RECONNECTS", "7")
	t.Setenv("CLIENT_TRANSPORTS", "websocket, sse, ws, carrier-pigeon")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := FromEnv()

	if cfg.Port != "9000" || cfg.IsDevelopment() {
		t.Errorf("expected production on 9000, got %s on %s", cfg.Env, cfg.Port)
	}
	if !cfg.AllowAnonymous || !cfg.AllowUIDHint {
		t.Error("expected anonymous and uid hints to be enabled")
	}
	if cfg.MaxRoomSize != 10 {
		t.Errorf("expected room size 10, got %d", cfg.MaxRoomSize)
	}
	if cfg.AckTimeout != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %v", cfg.AckTimeout)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("expected zero retries to be honoured, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoff.String() != "100ms,200ms" {
		t.Errorf("expected 100ms,200ms, got %s", cfg.RetryBackoff)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("expected bare integers as seconds, got %v", cfg.HandshakeTimeout)
	}
	if cfg.ClientMaxReconnects != 7 {
		t.Errorf("expected 7 reconnects, got %d", cfg.ClientMaxReconnects)
	}
	if len(cfg.ClientTransports) != 2 || cfg.ClientTransports[0] != hub.TransportWebSocket || cfg.ClientTransports[1] != hub.TransportSSE {
		t.Errorf("expected [websocket sse], got %v", cfg.ClientTransports)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("expected two trimmed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("HUB_ACK_TIMEOUT", "soon")
	t.Setenv("HUB_MAX_ROOM_SIZE", "-4")
	t.Setenv("HUB_MAX_RETRIES", "many")
	t.Setenv("HUB_RETRY_BACKOFF", "2s,1s")
	t.Setenv("HUB_ALLOW_ANONYMOUS", "perhaps")

	cfg := FromEnv()
	defaults := hub.DefaultOptions()

	if cfg.AckTimeout != defaults.AckTimeout {
		t.Errorf("expected default ack timeout, got %v", cfg.AckTimeout)
	}
	if cfg.MaxRoomSize != defaults.MaxRoomSize {
		t.Errorf("expected default room size, got %d", cfg.MaxRoomSize)
	}
	if cfg.MaxRetries != defaults.MaxDeliveryRetries {
		t.Errorf("expected default retries, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoff.String() != defaults.RetryBackoff.String() {
		t.Errorf("expected decreasing schedule to be rejected, got %s", cfg.RetryBackoff)
	}
	if cfg.AllowAnonymous {
		t.Error("expected unparsable bool to keep the default")
	}
}

func TestProjections(t *testing.T) {
	t.Setenv("HUB_ACK_TIMEOUT", "1s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example")
	t.Setenv("CLIENT_MAX_RECONNECTS", "2")

	cfg := FromEnv()

	opts := cfg.HubOptions(zerolog.Nop())
	if opts.AckTimeout != time.Second {
		t.Errorf("expected 1s ack timeout, got %v", opts.AckTimeout)
	}
	if !opts.CheckOrigin || len(opts.AllowedOrigins) != 1 {
		t.Errorf("expected origin checking for configured origins, got %v %v", opts.CheckOrigin, opts.AllowedOrigins)
	}

	cc := cfg.ClientConfig(zerolog.Nop())
	if cc.MaxReconnectAttempts != 2 {
		t.Errorf("expected 2 reconnect attempts, got %d", cc.MaxReconnectAttempts)
	}
	if !cc.AutoAck {
		t.Error("expected auto-ack to stay on")
	}
}

func TestLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for input, expected := range tests {
		cfg := &Config{LogLevel: input}
		if got := cfg.Level(); got != expected {
			t.Errorf("expected %v for %q, got %v", expected, input, got)
		}
	}
}

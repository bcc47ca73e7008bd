package hub

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	t.Run("includes room when set", func(t *testing.T) {
		err := notAMember("lobby", "sender has not joined the room")

		expected := "Error in room lobby: sender has not joined the room (reason: NOT_A_MEMBER, code: 403)"
		if err.Error() != expected {
			t.Errorf("expected '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("omits room otherwise", func(t *testing.T) {
		err := unauthenticated("credential required")

		expected := "credential required (reason: UNAUTHENTICATED, code: 401)"
		if err.Error() != expected {
			t.Errorf("expected '%s', got '%s'", expected, err.Error())
		}
	})
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		reason    Reason
		code      int
		temporary bool
	}{
		{"unauthenticated", unauthenticated("no"), ReasonUnauthenticated, StatusUnauthorized, false},
		{"invalidRoom", invalidRoom("", "empty"), ReasonInvalidRoom, StatusBadRequest, false},
		{"notAMember", notAMember("r", "no"), ReasonNotAMember, StatusForbidden, false},
		{"roomFull", roomFull("r", 2), ReasonRoomFull, StatusConflict, true},
		{"deliveryTimeout", deliveryTimeout("r", "late"), ReasonDeliveryTimeout, StatusGatewayTimeout, true},
		{"transportError", transportError("gone"), ReasonTransport, StatusServiceUnavailable, true},
		{"badRequest", badRequest("r", "bad"), ReasonBadRequest, StatusBadRequest, false},
		{"notFound", notFound("k", "missing"), ReasonNotFound, StatusNotFound, false},
		{"internal", internal("", "oops"), ReasonInternal, StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Reason != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, tt.err.Reason)
			}
			if tt.err.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, tt.err.Code)
			}
			if tt.err.Temporary != tt.temporary {
				t.Errorf("expected temporary %v, got %v", tt.temporary, tt.err.Temporary)
			}
		})
	}

	t.Run("roomFull carries the limit", func(t *testing.T) {
		details, ok := roomFull("r", 5).Details.(map[string]int)
		if !ok || details["limit"] != 5 {
			t.Errorf("expected limit 5 in details, got %v", roomFull("r", 5).Details)
		}
	})
}

func TestErrorSentinels(t *testing.T) {
	t.Run("sentinels match by reason", func(t *testing.T) {
		if !errors.Is(roomFull("a", 1), ErrRoomFull) {
			t.Error("expected roomFull to match ErrRoomFull")
		}
		if errors.Is(roomFull("a", 1), ErrNotAMember) {
			t.Error("expected roomFull not to match ErrNotAMember")
		}
		if !errors.Is(wrap(unauthenticated("x"), "handshake"), ErrUnauthenticated) {
			t.Error("expected wrapped error to keep its reason")
		}
	})

	t.Run("cause is reachable", func(t *testing.T) {
		cause := errors.New("redis down")
		err := unauthenticated("token rejected").withCause(cause)

		if !errors.Is(err, cause) {
			t.Error("expected cause to be reachable through errors.Is")
		}
	})

	t.Run("ReasonOf", func(t *testing.T) {
		if ReasonOf(nil) != "" {
			t.Error("expected empty reason for nil")
		}
		if ReasonOf(errors.New("plain")) != ReasonInternal {
			t.Error("expected foreign errors to be internal")
		}
		if ReasonOf(wrapF(deliveryTimeout("r", "late"), "attempt %d", 3)) != ReasonDeliveryTimeout {
			t.Error("expected wrapped reason to survive")
		}
	})
}

func TestWrap(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		if wrap(nil, "context") != nil {
			t.Error("expected nil")
		}
	})

	t.Run("foreign error becomes internal", func(t *testing.T) {
		err := wrapF(errors.New("boom"), "failed to %s", "encode")

		if err.Reason != ReasonInternal || err.Code != StatusInternalServerError {
			t.Errorf("expected internal 500, got %s %d", err.Reason, err.Code)
		}
		if !strings.HasPrefix(err.Message, "failed to encode: boom") {
			t.Errorf("unexpected message %s", err.Message)
		}
	})

	t.Run("hub error keeps its class", func(t *testing.T) {
		err := wrap(notFound("d1", "missing"), "ack")

		if err.Code != StatusNotFound || err.Room != "d1" {
			t.Errorf("expected 404 for d1, got %d for %s", err.Code, err.Room)
		}
		if err.Message != "ack: missing" {
			t.Errorf("expected 'ack: missing', got '%s'", err.Message)
		}
	})
}

func TestMultiError(t *testing.T) {
	t.Run("combine drops nils", func(t *testing.T) {
		if combine(nil, nil) != nil {
			t.Error("expected nil")
		}
		single := errors.New("one")
		if combine(nil, single) != single {
			t.Error("expected the single error back")
		}
	})

	t.Run("addError accumulates", func(t *testing.T) {
		first := errors.New("first")
		second := errors.New("second")
		third := errors.New("third")

		err := addError(nil, first)
		err = addError(err, second)
		err = addError(err, third)

		if err.Error() != "first; second; third" {
			t.Errorf("expected joined messages, got %s", err.Error())
		}
		if !errors.Is(err, third) {
			t.Error("expected errors.Is to see every member")
		}
	})

	t.Run("errorPayload hides foreign errors", func(t *testing.T) {
		e := errorPayload(errors.New("secret connection string"))
		if e.Reason != ReasonInternal || strings.Contains(e.Message, "secret") {
			t.Errorf("expected opaque internal error, got %+v", e)
		}
	})
}

package backoff

import (
	"testing"
	"time"
)

func TestScheduleDelay(t *testing.T) {
	s := Schedule{Steps: []time.Duration{time.Second, 2 * time.Second}}

	t.Run("uses steps in order", func(t *testing.T) {
		if d := s.Delay(1); d != time.Second {
			t.Errorf("expected 1s, got %v", d)
		}
		if d := s.Delay(2); d != 2*time.Second {
			t.Errorf("expected 2s, got %v", d)
		}
	})

	t.Run("repeats last step", func(t *testing.T) {
		if d := s.Delay(9); d != 2*time.Second {
			t.Errorf("expected 2s, got %v", d)
		}
	})

	t.Run("empty schedule never waits", func(t *testing.T) {
		if d := (Schedule{}).Delay(3); d != 0 {
			t.Errorf("expected 0, got %v", d)
		}
	})

	t.Run("total sums attempts", func(t *testing.T) {
		if d := s.Total(3); d != 5*time.Second {
			t.Errorf("expected 5s, got %v", d)
		}
	})
}

func TestParse(t *testing.T) {
	t.Run("parses mixed units", func(t *testing.T) {
		s, ok := Parse("250ms, 1, 2s")
		if !ok {
			t.Fatal("expected schedule to parse")
		}
		if len(s.Steps) != 3 || s.Steps[1] != time.Second {
			t.Errorf("unexpected steps %v", s.Steps)
		}
		if s.String() != "250ms,1s,2s" {
			t.Errorf("unexpected string %q", s.String())
		}
	})

	t.Run("rejects decreasing steps", func(t *testing.T) {
		if _, ok := Parse("2s,1s"); ok {
			t.Error("expected decreasing schedule to be rejected")
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, ok := Parse("soon"); ok {
			t.Error("expected garbage to be rejected")
		}
		if _, ok := Parse(""); ok {
			t.Error("expected empty value to be rejected")
		}
	})

	t.Run("rejects non-positive durations", func(t *testing.T) {
		if _, ok := ParseDuration("0"); ok {
			t.Error("expected zero to be rejected")
		}
		if _, ok := ParseDuration("-5ms"); ok {
			t.Error("expected negative to be rejected")
		}
	})
}

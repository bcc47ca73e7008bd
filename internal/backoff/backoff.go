// Package backoff provides the increasing delay schedule shared by delivery retries
// and client reconnection.
package backoff

import (
	"strconv"
	"strings"
	"time"
)

// Schedule is an ordered list of delays. Attempt n (1-based) waits Steps[n-1];
// attempts past the end reuse the last step.
type Schedule struct {
	Steps []time.Duration
}

// Default returns 250ms, 500ms, 1s, 2s, 4s.
func Default() Schedule {
	return Schedule{Steps: []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}}
}

// Delay returns the wait before attempt n. A schedule with no steps never waits.
func (s Schedule) Delay(attempt int) time.Duration {
	if len(s.Steps) == 0 || attempt <= 0 {
		return 0
	}
	if attempt > len(s.Steps) {
		return s.Steps[len(s.Steps)-1]
	}
	return s.Steps[attempt-1]
}

// Total is the sum of the first n delays.
func (s Schedule) Total(attempts int) time.Duration {
	var total time.Duration
	for i := 1; i <= attempts; i++ {
		total += s.Delay(i)
	}
	return total
}

func (s Schedule) String() string {
	parts := make([]string, len(s.Steps))
	for i, step := range s.Steps {
		parts[i] = step.String()
	}
	return strings.Join(parts, ",")
}

// Parse reads a comma-separated list of durations ("250ms,1s,2s"). Bare integers are
// seconds. Steps must be positive and non-decreasing.
func Parse(value string) (Schedule, bool) {
	var steps []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, ok := ParseDuration(part)
		if !ok {
			return Schedule{}, false
		}
		if len(steps) > 0 && d < steps[len(steps)-1] {
			return Schedule{}, false
		}
		steps = append(steps, d)
	}
	if len(steps) == 0 {
		return Schedule{}, false
	}
	return Schedule{Steps: steps}, true
}

// ParseDuration accepts Go duration syntax or a positive integer number of seconds.
func ParseDuration(value string) (time.Duration, bool) {
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

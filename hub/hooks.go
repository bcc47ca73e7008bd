// This file defines the metrics hook the hub reports through, so deployments can forward
// operational data to Prometheus or any other monitoring system.
package hub

import (
	"time"
)

// MetricsCollector defines the interface for collecting operational metrics.
type MetricsCollector interface {
	// ConnectionOpened is called when a session becomes active.
	ConnectionOpened(connID string, transport TransportType)

	// ConnectionClosed is called when a session reaches Closed, with its lifetime.
	ConnectionClosed(connID string, duration time.Duration)

	// HandshakeRejected is called when identity resolution fails.
	HandshakeRejected(reason Reason)

	// RoomJoined is called for every effective (non-duplicate) join.
	RoomJoined(room string)

	// RoomLeft is called for every effective leave, including disconnect cleanup.
	RoomLeft(room string)

	// PresenceBroadcast tracks presence transitions and how many connections received them.
	PresenceBroadcast(kind PresenceKind, recipientCount int)

	// MessageSent tracks accepted chat messages and their fan-out width.
	MessageSent(room string, recipientCount int)

	// DeliveryOutcome tracks the terminal state of each recipient entry.
	DeliveryOutcome(state AckState, attempts int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string, transport TransportType) {}

func (n *noopMetrics) ConnectionClosed(connID string, duration time.Duration) {}

func (n *noopMetrics) HandshakeRejected(reason Reason) {}

func (n *noopMetrics) RoomJoined(room string) {}

func (n *noopMetrics) RoomLeft(room string) {}

func (n *noopMetrics) PresenceBroadcast(kind PresenceKind, recipientCount int) {}

func (n *noopMetrics) MessageSent(room string, recipientCount int) {}

func (n *noopMetrics) DeliveryOutcome(state AckState, attempts int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all metrics.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}

// This file defines the PubSub interface the hub mirrors presence transitions and delivery
// outcomes onto, and the ordered publisher that keeps broker I/O off the hot path.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PubSub defines the interface for publish-subscribe event buses. The hub only publishes;
// external collaborators (history, analytics) subscribe.
type PubSub interface {
	// Subscribe registers a handler for messages matching the given pattern.
	// A pattern ending in ".*" matches every topic with that prefix.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for the given pattern.
	Unsubscribe(pattern string) error

	// Publish sends a message to the specified topic.
	Publish(topic string, data []byte) error

	// Close shuts down the PubSub system and cleans up resources.
	Close() error
}

type PubSubMessage struct {
	Topic string
	Data  []byte
}

type pubsubClosedError struct{}

func (e *pubsubClosedError) Error() string {
	return "pubsub: closed"
}

func isPubSubClosed(err error) bool {

	var closedErr *pubsubClosedError
	ok := errors.As(err, &closedErr)

	return ok
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

func formatTopic(room, event string) string {
	return fmt.Sprintf("roomhub:%s:%s", room, event)
}

// PresenceTopic is the bus topic presence transitions for room are published on.
func PresenceTopic(room string) string {
	return formatTopic(room, "presence")
}

// DeliveryTopic is the bus topic delivery outcomes for room are published on.
func DeliveryTopic(room string) string {
	return formatTopic(room, "delivery")
}

// publisher drains a bounded queue into the bus on one goroutine so publishes keep
// their order and callers holding room locks never wait on broker I/O.
type publisher struct {
	bus     PubSub
	queue   chan PubSubMessage
	done    chan struct{}
	mutex   sync.RWMutex
	closed  bool
	metrics MetricsCollector
	logger  zerolog.Logger
}

func newPublisher(bus PubSub, size int, metrics MetricsCollector, logger zerolog.Logger) *publisher {
	p := &publisher{
		bus:     bus,
		queue:   make(chan PubSubMessage, size),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
	go p.run()

	return p
}

func (p *publisher) run() {
	defer close(p.done)

	for msg := range p.queue {
		if err := p.bus.Publish(msg.Topic, msg.Data); err != nil {
			if isPubSubClosed(err) {
				continue
			}
			p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("bus publish failed")
			p.metrics.Error("pubsub_publish", err)
		}
	}
}

func (p *publisher) publish(topic string, v interface{}) {
	if p == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.metrics.Error("pubsub_marshal", err)
		return
	}

	p.mutex.RLock()

	defer p.mutex.RUnlock()

	if p.closed {
		return
	}
	select {
	case p.queue <- PubSubMessage{Topic: topic, Data: data}:
	default:
		p.metrics.Error("pubsub_queue", internal("", "bus queue full, dropping "+topic))
	}
}

// close stops accepting messages and waits for the queue to drain.
func (p *publisher) close() {
	if p == nil {
		return
	}
	p.mutex.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mutex.Unlock()

	<-p.done
}

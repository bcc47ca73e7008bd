// This file contains LocalPubSub, the in-memory event bus used by single-node deployments
// and tests. Every subscribed pattern owns one bounded queue drained by its own goroutine,
// so handlers of a pattern observe messages in publish order.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultLocalBuffer = 100

type LocalPubSub struct {
	mutex    sync.Mutex
	patterns map[string]*patternQueue
	closed   bool
	buffer   int
	wg       sync.WaitGroup
	dropped  atomic.Uint64
	stop     func() bool
}

// patternQueue fans every message queued for one pattern out to its handlers.
type patternQueue struct {
	queue    chan PubSubMessage
	mutex    sync.RWMutex
	handlers []func(topic string, data []byte)
}

// NewLocalPubSub returns a bus whose pattern queues hold up to buffer messages
// (100 when buffer is not positive). The bus closes itself when ctx ends.
func NewLocalPubSub(ctx context.Context, buffer int) *LocalPubSub {
	if buffer <= 0 {
		buffer = defaultLocalBuffer
	}
	l := &LocalPubSub{
		patterns: make(map[string]*patternQueue),
		buffer:   buffer,
	}
	l.mutex.Lock()
	l.stop = context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	l.mutex.Unlock()

	return l
}

// Subscribe adds handler to pattern. The first handler for a pattern starts its queue.
func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	q, ok := l.patterns[pattern]
	if !ok {
		q = &patternQueue{queue: make(chan PubSubMessage, l.buffer)}
		l.patterns[pattern] = q

		l.wg.Add(1)

		go l.drain(q)
	}
	q.mutex.Lock()
	q.handlers = append(q.handlers, handler)
	q.mutex.Unlock()

	return nil
}

func (l *LocalPubSub) drain(q *patternQueue) {
	defer l.wg.Done()

	for msg := range q.queue {
		q.mutex.RLock()
		handlers := q.handlers
		q.mutex.RUnlock()

		for _, handler := range handlers {
			handler(msg.Topic, msg.Data)
		}
	}
}

// Unsubscribe drops every handler of pattern. Messages already queued for it are still
// handed to those handlers.
func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	q, ok := l.patterns[pattern]
	if !ok {
		return notFound("pubsub", "pattern "+pattern+" has no subscribers")
	}
	delete(l.patterns, pattern)
	close(q.queue)

	return nil
}

// Publish queues the message on every matching pattern without blocking. A pattern whose
// queue is full misses the message and the drop is counted.
func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	msg := PubSubMessage{Topic: topic, Data: data}

	for pattern, q := range l.patterns {
		if !matchTopic(pattern, topic) {
			continue
		}
		select {
		case q.queue <- msg:
		default:
			l.dropped.Add(1)
		}
	}
	return nil
}

// Dropped reports how many pattern deliveries were skipped because a queue was full.
func (l *LocalPubSub) Dropped() uint64 {
	return l.dropped.Load()
}

// Close refuses further work, lets every queue drain and waits for the handlers to
// return. It is idempotent.
func (l *LocalPubSub) Close() error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()

		return nil
	}
	l.closed = true
	stop := l.stop

	for pattern, q := range l.patterns {
		close(q.queue)
		delete(l.patterns, pattern)
	}
	l.mutex.Unlock()

	stop()
	l.wg.Wait()

	return nil
}

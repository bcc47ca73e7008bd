package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange       = "roomhub"
	defaultPublishTimeout = 5 * time.Second
)

// AMQPPubSub implements hub.PubSub on a RabbitMQ topic exchange. Topics are used as
// routing keys verbatim; every subscription gets its own exclusive queue.
type AMQPPubSub struct {
	conn     *amqp091.Connection
	exchange string
	timeout  time.Duration
	logger   zerolog.Logger

	pubMu sync.Mutex
	pubCh *amqp091.Channel

	mu            sync.RWMutex
	subscriptions map[string]*amqpSubscription
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type amqpSubscription struct {
	channel  *amqp091.Channel
	queue    string
	mu       sync.RWMutex
	handlers []func(topic string, data []byte)
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger zerolog.Logger) (*AMQPPubSub, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to RabbitMQ: %w", err)
	}
	a, err := NewAMQPPubSub(ctx, conn, exchange, logger)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}
	return a, nil
}

// NewAMQPPubSub declares exchange on conn and opens the publishing channel.
func NewAMQPPubSub(ctx context.Context, conn *amqp091.Connection, exchange string, logger zerolog.Logger) (*AMQPPubSub, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("cannot open a RabbitMQ channel: %w", err)
	}
	if err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("cannot declare exchange %s: %w", exchange, err)
	}

	busCtx, cancel := context.WithCancel(ctx)

	return &AMQPPubSub{
		conn:          conn,
		exchange:      exchange,
		timeout:       defaultPublishTimeout,
		logger:        logger.With().Str("component", "amqp_pubsub").Logger(),
		pubCh:         ch,
		subscriptions: make(map[string]*amqpSubscription),
		ctx:           busCtx,
		cancel:        cancel,
	}, nil
}

// Subscribe binds a new exclusive queue for pattern, or adds handler to the existing one.
func (a *AMQPPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if sub, ok := a.subscriptions[pattern]; ok {
		sub.mu.Lock()
		sub.handlers = append(sub.handlers, handler)
		sub.mu.Unlock()

		return nil
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("cannot open a RabbitMQ channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()

		return fmt.Errorf("cannot declare queue for %s: %w", pattern, err)
	}
	if err = ch.QueueBind(q.Name, bindingKey(pattern), a.exchange, false, nil); err != nil {
		_ = ch.Close()

		return fmt.Errorf("cannot bind queue for %s: %w", pattern, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return fmt.Errorf("cannot consume queue %s: %w", q.Name, err)
	}

	sub := &amqpSubscription{
		channel:  ch,
		queue:    q.Name,
		handlers: []func(string, []byte){handler},
	}
	a.subscriptions[pattern] = sub

	a.wg.Add(1)
	go a.consume(pattern, sub, deliveries)

	return nil
}

func (a *AMQPPubSub) consume(pattern string, sub *amqpSubscription, deliveries <-chan amqp091.Delivery) {
	defer a.wg.Done()

	for d := range deliveries {
		if !matchPattern(pattern, d.RoutingKey) {
			continue
		}
		sub.mu.RLock()
		handlers := append([]func(string, []byte){}, sub.handlers...)
		sub.mu.RUnlock()

		for _, handler := range handlers {
			handler(d.RoutingKey, d.Body)
		}
	}
}

// Unsubscribe closes the queue's channel; the exclusive queue is deleted by the broker.
func (a *AMQPPubSub) Unsubscribe(pattern string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	sub, ok := a.subscriptions[pattern]
	if !ok {
		return fmt.Errorf("pattern %s not subscribed", pattern)
	}
	delete(a.subscriptions, pattern)

	if err := sub.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel for %s: %w", pattern, err)
	}
	return nil
}

// Publish waits up to five seconds for the broker to take the message.
func (a *AMQPPubSub) Publish(topic string, data []byte) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
	defer cancel()

	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	err := a.pubCh.PublishWithContext(
		ctx,
		a.exchange,
		topic,
		false,
		false,
		amqp091.Publishing{
			Body:        data,
			ContentType: "application/json",
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("cannot publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes every channel and the connection.
func (a *AMQPPubSub) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := a.subscriptions
	a.subscriptions = make(map[string]*amqpSubscription)
	a.mu.Unlock()

	a.cancel()

	for pattern, sub := range subs {
		if err := sub.channel.Close(); err != nil {
			a.logger.Debug().Err(err).Str("pattern", pattern).Msg("closing subscription channel")
		}
	}

	a.pubMu.Lock()
	_ = a.pubCh.Close()
	a.pubMu.Unlock()

	err := a.conn.Close()

	a.wg.Wait()

	if err != nil && err != amqp091.ErrClosed {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	return nil
}

// bindingKey maps a bus pattern onto an AMQP binding. Topics contain no dots to split
// on, so prefix patterns bind everything and are filtered on delivery.
func bindingKey(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return "#"
	}
	return pattern
}

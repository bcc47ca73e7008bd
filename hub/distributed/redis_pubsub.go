// Package distributed provides broker-backed implementations of the hub's collaborators:
// event buses that mirror presence and delivery outcomes to other services, and a token
// verifier backed by a shared session store.
package distributed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPubSub implements hub.PubSub on Redis pattern subscriptions.
type RedisPubSub struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu            sync.RWMutex
	subscriptions map[string][]func(topic string, data []byte)
	patterns      map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	logger zerolog.Logger

	wg sync.WaitGroup
}

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisPubSub creates a Redis-backed bus on an already configured client.
func NewRedisPubSub(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pubsubCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:        client,
		subscriptions: make(map[string][]func(topic string, data []byte)),
		patterns:      make(map[string]struct{}),
		ctx:           pubsubCtx,
		cancel:        cancel,
		logger:        logger.With().Str("component", "redis_pubsub").Logger(),
	}

	r.pubsub = client.Subscribe(pubsubCtx)

	r.wg.Add(1)
	go r.handleMessages()

	return r, nil
}

// Subscribe registers a handler for topics matching pattern. A trailing ".*" becomes a
// Redis glob.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	redisPattern := convertToRedisPattern(pattern)

	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}

	r.subscriptions[pattern] = append(r.subscriptions[pattern], handler)

	return nil
}

// Unsubscribe removes all handlers for the given pattern.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	delete(r.subscriptions, pattern)

	redisPattern := convertToRedisPattern(pattern)
	for p := range r.subscriptions {
		if convertToRedisPattern(p) == redisPattern {
			return nil
		}
	}

	if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
		return fmt.Errorf("failed to unsubscribe from pattern %s: %w", pattern, err)
	}
	delete(r.patterns, redisPattern)

	return nil
}

func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close shuts down the subscription connection. The client itself is left open.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}

	r.wg.Wait()

	return nil
}

func (r *RedisPubSub) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "" {
				r.deliverMessage(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (r *RedisPubSub) deliverMessage(topic string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for pattern, handlers := range r.subscriptions {
		if !matchPattern(pattern, topic) {
			continue
		}
		for _, handler := range handlers {
			go r.invoke(handler, topic, data)
		}
	}
}

func (r *RedisPubSub) invoke(handler func(string, []byte), topic string, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("topic", topic).Msg("pubsub handler panicked")
		}
	}()

	handler(topic, data)
}

// convertToRedisPattern turns a trailing ".*" into Redis's "*".
func convertToRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}

func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

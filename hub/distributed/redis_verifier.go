package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultTokenPrefix = "roomhub:token:"

var (
	ErrClosed        = errors.New("pubsub: closed")
	ErrTokenNotFound = errors.New("token not found")
)

// RedisVerifier verifies tokens against a session store shared with the service that
// issues them: the key <prefix><token> holds the subject and expires with the token.
type RedisVerifier struct {
	client *redis.Client
	prefix string
}

func NewRedisVerifier(client *redis.Client, prefix string) *RedisVerifier {
	if prefix == "" {
		prefix = DefaultTokenPrefix
	}
	return &RedisVerifier{client: client, prefix: prefix}
}

func (v *RedisVerifier) key(token string) string {
	return v.prefix + token
}

func (v *RedisVerifier) Verify(ctx context.Context, token string) (string, error) {
	subject, err := v.client.Get(ctx, v.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("token lookup failed: %w", err)
	}
	return subject, nil
}

// VerifyWithTTL resolves token and reports its remaining lifetime in one round trip so a
// caching resolver never outlives the key. A token without expiry reports zero.
func (v *RedisVerifier) VerifyWithTTL(ctx context.Context, token string) (string, time.Duration, error) {
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := v.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, v.key(token))
		pttl = pipe.PTTL(ctx, v.key(token))
		return nil
	})
	if errors.Is(err, redis.Nil) || errors.Is(get.Err(), redis.Nil) {
		return "", 0, ErrTokenNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("token lookup failed: %w", err)
	}
	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return get.Val(), ttl, nil
}

// Issue stores token for subject. A ttl of zero keeps it until revoked.
func (v *RedisVerifier) Issue(ctx context.Context, token, subject string, ttl time.Duration) error {
	if err := v.client.Set(ctx, v.key(token), subject, ttl).Err(); err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	return nil
}

// NewToken returns a fresh opaque token.
func NewToken() string {
	return uuid.NewString()
}

func (v *RedisVerifier) Revoke(ctx context.Context, token string) error {
	if err := v.client.Del(ctx, v.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

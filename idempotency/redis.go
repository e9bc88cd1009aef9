package idempotency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with one expiring key per message id.
//
// SET NX makes the claim atomic across every process sharing the server.
type RedisStore struct {
	client redis.Cmdable
	opts   *options
}

// NewRedisStore creates a store over client (a *redis.Client,
// *redis.ClusterClient or *redis.Ring)
func NewRedisStore(client redis.Cmdable, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: newOptions(opts...)}
}

func (s *RedisStore) key(messageID string) string {
	return s.opts.prefix + messageID
}

// IsDuplicate claims messageID with SET NX for the claim TTL. A failed set
// means another consumer claimed or processed it first.
func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}
	set, err := s.client.SetNX(ctx, s.key(messageID), "1", s.opts.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

// MarkProcessed extends the key to the full TTL
func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if messageID == "" {
		return ErrEmptyMessageID
	}
	if err := s.client.Set(ctx, s.key(messageID), "1", s.opts.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Remove deletes the key so a redelivery is handled again
func (s *RedisStore) Remove(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.key(messageID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)

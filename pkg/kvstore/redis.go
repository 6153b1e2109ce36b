package kvstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend atop github.com/redis/go-redis/v9.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend dials Redis using the given connection URL
// (redis://[:password@]host:port/db).
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisBackend) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return b.client.HSet(ctx, key, args...).Err()
}

func (b *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.HGetAll(ctx, key).Result()
}

func (b *RedisBackend) HDel(ctx context.Context, key string, fields ...string) error {
	return b.client.HDel(ctx, key, fields...).Err()
}

func (b *RedisBackend) Expire(ctx context.Context, key string, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	return b.client.Expire(ctx, key, secondsToDuration(seconds)).Err()
}

func (b *RedisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (b *RedisBackend) ZAdd(ctx context.Context, key string, member ZMember) error {
	return b.client.ZAdd(ctx, key, redis.Z{Score: member.Score, Member: member.Member}).Err()
}

func (b *RedisBackend) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%v", min),
		Max: fmt.Sprintf("%v", max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	return b.client.ZRangeByScore(ctx, key, opt).Result()
}

func (b *RedisBackend) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.client.ZRem(ctx, key, args...).Err()
}

func (b *RedisBackend) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return b.client.ZRemRangeByScore(ctx, key, fmt.Sprintf("%v", min), fmt.Sprintf("%v", max)).Err()
}

func (b *RedisBackend) ZCard(ctx context.Context, key string) (int64, error) {
	return b.client.ZCard(ctx, key).Result()
}

func (b *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.client.SAdd(ctx, key, args...).Err()
}

func (b *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}

func (b *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.client.SRem(ctx, key, args...).Err()
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return &redisSubscription{sub: sub, ch: sub.Channel()}, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("subscription closed")
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	return s.sub.Close()
}

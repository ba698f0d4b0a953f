package store

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	RedisKeyPrefix = "couriergrey:attempt:"
	redisScanCount = 500
)

type redisOpener struct {
	client *redis.Client
}

// NewRedisOpener returns an opener sharing client between sessions. Closing a
// session leaves the client open.
func NewRedisOpener(client *redis.Client) Opener {
	return &redisOpener{client: client}
}

func (o *redisOpener) Open(ctx context.Context) (Engine, error) {
	if o.client == nil {
		return nil, errors.New("redis client not configured")
	}
	if err := o.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisEngine{client: o.client}, nil
}

type redisEngine struct {
	client *redis.Client
}

func (e *redisEngine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := e.client.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (e *redisEngine) Put(ctx context.Context, key string, value []byte) error {
	return e.client.Set(ctx, RedisKeyPrefix+key, value, 0).Err()
}

func (e *redisEngine) Delete(ctx context.Context, key string) error {
	return e.client.Del(ctx, RedisKeyPrefix+key).Err()
}

func (e *redisEngine) DeleteMany(ctx context.Context, keys []string) error {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = RedisKeyPrefix + key
	}
	return e.client.Del(ctx, prefixed...).Err()
}

func (e *redisEngine) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := e.client.Scan(ctx, 0, RedisKeyPrefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), RedisKeyPrefix))
	}
	return keys, iter.Err()
}

// Compact is a no-op, redis reclaims memory on delete.
func (e *redisEngine) Compact(context.Context) error {
	return nil
}

func (e *redisEngine) Close() error {
	return nil
}

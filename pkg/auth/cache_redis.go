package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sdstudio/sdclient/pkg/errors"
)

const redisKeyPrefix = "sdclient:token:"

// RedisCache shares verified tokens between processes
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects lazily to the Redis server at addr
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

// Tokens are hashed so raw credentials never land in Redis.
func redisKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

func (r *RedisCache) Set(ctx context.Context, token string, id *Identity, ttl time.Duration) error {
	data, err := json.Marshal(id)
	if err != nil {
		return errors.Wrap(err, "failed to encode identity")
	}
	return r.client.Set(ctx, redisKey(token), data, ttl).Err()
}

func (r *RedisCache) Get(ctx context.Context, token string) (*Identity, bool, error) {
	data, err := r.client.Get(ctx, redisKey(token)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode identity")
	}
	return &id, true, nil
}

func (r *RedisCache) Delete(ctx context.Context, token string) error {
	return r.client.Del(ctx, redisKey(token)).Err()
}

// Close releases the connection pool
func (r *RedisCache) Close() error {
	return r.client.Close()
}
